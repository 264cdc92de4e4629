package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dispider/dispider/pkg/errdefs"
)

// AdminClient talks to the Clash external controller API.
type AdminClient struct {
	baseURL string
	client  *http.Client
}

// NewAdminClient creates a client for the controller at baseURL, e.g.
// "http://clash:9090".
func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: healthCheckTimeout + 2*time.Second},
	}
}

// VersionInfo is the controller's /version payload.
type VersionInfo struct {
	Version string `json:"version"`
}

// ControllerConfig is the subset of /configs the status reports expose.
type ControllerConfig struct {
	Mode               string `json:"mode"`
	ExternalController string `json:"external-controller"`
	LogLevel           string `json:"log-level"`
}

// ProxyInfo is one entry of the /proxies payload.
type ProxyInfo struct {
	Type string `json:"type"`
}

func (c *AdminClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build controller request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Unavailable("clash controller unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errdefs.Unavailable("clash controller returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode controller response: %w", err)
	}
	return nil
}

// GroupDelay probes a proxy group through the controller and returns
// the measured delay in milliseconds.
func (c *AdminClient) GroupDelay(ctx context.Context, group string, timeout time.Duration) (int, error) {
	query := url.Values{
		"timeout": {strconv.FormatInt(timeout.Milliseconds(), 10)},
		"url":     {probeURL},
	}
	path := "/proxies/" + url.PathEscape(group) + "/delay?" + query.Encode()

	var payload struct {
		Delay int `json:"delay"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return 0, err
	}
	return payload.Delay, nil
}

// Version returns the running Clash version.
func (c *AdminClient) Version(ctx context.Context) (string, error) {
	var info VersionInfo
	if err := c.getJSON(ctx, "/version", &info); err != nil {
		return "", err
	}
	return info.Version, nil
}

// Config returns the controller's runtime configuration.
func (c *AdminClient) Config(ctx context.Context) (*ControllerConfig, error) {
	var cfg ControllerConfig
	if err := c.getJSON(ctx, "/configs", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Proxies returns every proxy and group known to the controller.
func (c *AdminClient) Proxies(ctx context.Context) (map[string]ProxyInfo, error) {
	var payload struct {
		Proxies map[string]ProxyInfo `json:"proxies"`
	}
	if err := c.getJSON(ctx, "/proxies", &payload); err != nil {
		return nil, err
	}
	return payload.Proxies, nil
}
