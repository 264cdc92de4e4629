package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dispider/dispider/pkg/log"
)

// Notifier delivers push notifications through a PushMe-compatible
// endpoint. Delivery is best effort; callers log and move on.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// NewNotifier creates a Notifier for the given push endpoint.
func NewNotifier(endpoint string) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Push sends one notification. A missing push key is a logged no-op so
// that fan-out over a member list never fails on unconfigured users.
func (n *Notifier) Push(ctx context.Context, pushKey, title, content string) error {
	if pushKey == "" {
		log.Warn("Push notification skipped: user has no push key configured")
		return nil
	}

	form := url.Values{
		"push_key": {pushKey},
		"title":    {title},
		"content":  {content},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned status %d: %s", resp.StatusCode, string(body))
	}
	if string(body) != "success" {
		return fmt.Errorf("push service rejected notification: %s", string(body))
	}

	log.Debug("Push notification delivered")
	return nil
}
