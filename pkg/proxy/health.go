package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/metrics"
)

// probeGroup measures one group through the controller. Any failure
// reads as unhealthy with the sentinel response time.
func (m *Manager) probeGroup(ctx context.Context, group string) (bool, float64) {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	delay, err := m.admin.GroupDelay(probeCtx, group, healthCheckTimeout)
	if err != nil {
		log.Error(fmt.Sprintf("Health probe for group %q failed: %v", group, err))
		return false, maxResponseSeconds
	}

	healthy := delay < unhealthyDelayMs
	seconds := float64(delay) / 1000.0
	if seconds > maxResponseSeconds {
		seconds = maxResponseSeconds
	}
	return healthy, seconds
}

// recordHealth persists a probe result. Consecutive failures past the
// ceiling blacklist the group for blacklistDuration; a healthy result
// clears both the failure count and any standing blacklist entry.
func (m *Manager) recordHealth(ctx context.Context, group string, healthy bool, seconds float64) error {
	now := time.Now().Unix()

	value := fmt.Sprintf("%t:%.3f:%d", healthy, seconds, now)
	if err := m.kv.HSet(ctx, kv.ProxyGroupHealthKey, group, value); err != nil {
		return err
	}

	if !healthy {
		failures, err := m.kv.HIncrBy(ctx, kv.ProxyGroupFailureCountKey, group, 1)
		if err != nil {
			return err
		}
		log.Warn(fmt.Sprintf("Proxy group %q failure count: %d", group, failures))

		if failures >= maxFailureCount {
			until := now + int64(blacklistDuration.Seconds())
			if err := m.kv.HSet(ctx, kv.ProxyGroupBlacklistKey, group, strconv.FormatInt(until, 10)); err != nil {
				return err
			}
			log.Error(fmt.Sprintf("Proxy group %q blacklisted for %s", group, blacklistDuration))
		}
	} else {
		if _, err := m.kv.HDel(ctx, kv.ProxyGroupFailureCountKey, group); err != nil {
			return err
		}
		if _, err := m.kv.HDel(ctx, kv.ProxyGroupBlacklistKey, group); err != nil {
			return err
		}
	}

	return m.kv.HSet(ctx, kv.ProxyGroupLastCheckKey, group, strconv.FormatInt(now, 10))
}

// HealthyGroups returns all groups not currently blacklisted, purging
// expired blacklist entries along the way.
func (m *Manager) HealthyGroups(ctx context.Context) ([]string, error) {
	all, err := m.kv.ListAll(ctx, kv.ProxyGroupsListKey)
	if err != nil {
		return nil, err
	}

	blacklist, err := m.kv.HGetAll(ctx, kv.ProxyGroupBlacklistKey)
	if err != nil {
		// Degraded mode: better to hand out a possibly-bad group than
		// nothing at all.
		log.Error(fmt.Sprintf("Failed to read proxy blacklist, treating all groups as healthy: %v", err))
		return all, nil
	}

	now := time.Now().Unix()
	banned := map[string]struct{}{}
	for group, untilRaw := range blacklist {
		until, err := strconv.ParseFloat(untilRaw, 64)
		if err != nil || float64(now) > until {
			if _, derr := m.kv.HDel(ctx, kv.ProxyGroupBlacklistKey, group); derr == nil {
				log.Info(fmt.Sprintf("Proxy group %q removed from blacklist (expired)", group))
			}
			continue
		}
		banned[group] = struct{}{}
	}

	healthy := []string{}
	for _, group := range all {
		if _, ok := banned[group]; !ok {
			healthy = append(healthy, group)
		}
	}
	return healthy, nil
}

// checkAllGroups probes every known group with bounded parallelism and
// records the results.
func (m *Manager) checkAllGroups(ctx context.Context) error {
	groups, err := m.kv.ListAll(ctx, kv.ProxyGroupsListKey)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	log.Debug(fmt.Sprintf("Health checking %d proxy groups", len(groups)))

	var healthyCount int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)

	results := make([]bool, len(groups))
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			healthy, seconds := m.probeGroup(gctx, group)
			results[i] = healthy

			result := "unhealthy"
			if healthy {
				result = "healthy"
			}
			metrics.ProxyHealthChecks.WithLabelValues(result).Inc()

			if err := m.recordHealth(gctx, group, healthy, seconds); err != nil {
				log.Error(fmt.Sprintf("Failed to record health for %q: %v", group, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, healthy := range results {
		if healthy {
			healthyCount++
		}
	}
	metrics.ProxyGroupsHealthy.Set(float64(healthyCount))

	blacklist, err := m.kv.HGetAll(ctx, kv.ProxyGroupBlacklistKey)
	if err == nil {
		metrics.ProxyGroupsBlacklisted.Set(float64(len(blacklist)))
	}
	return nil
}

// RunHealthLoop probes all groups once immediately and then every
// healthCheckInterval until the context is cancelled.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	log.Info("Proxy group health loop started")

	if err := m.checkAllGroups(ctx); err != nil {
		log.Error(fmt.Sprintf("Health check round failed: %v", err))
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.checkAllGroups(ctx); err != nil {
				log.Error(fmt.Sprintf("Health check round failed: %v", err))
			}
		case <-ctx.Done():
			log.Info("Proxy group health loop stopped")
			return
		}
	}
}

// RunReassignLoop periodically moves containers off blacklisted groups
// until the context is cancelled.
func (m *Manager) RunReassignLoop(ctx context.Context) {
	log.Info("Container reassignment loop started")

	ticker := time.NewTicker(reassignInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.reassignBlacklisted(ctx); err != nil {
				log.Error(fmt.Sprintf("Reassignment round failed: %v", err))
			}
		case <-ctx.Done():
			log.Info("Container reassignment loop stopped")
			return
		}
	}
}

// ClearBlacklist removes a specific group from the blacklist, or with
// an empty group name sweeps every expired entry. Returns the cleared
// group names.
func (m *Manager) ClearBlacklist(ctx context.Context, group string) ([]string, error) {
	if group != "" {
		removed, err := m.kv.HDel(ctx, kv.ProxyGroupBlacklistKey, group)
		if err != nil {
			return nil, err
		}
		if _, err := m.kv.HDel(ctx, kv.ProxyGroupFailureCountKey, group); err != nil {
			return nil, err
		}
		if removed == 0 {
			return nil, errdefs.NotFound("proxy group %q is not blacklisted", group)
		}
		log.Info(fmt.Sprintf("Proxy group %q manually removed from blacklist", group))
		return []string{group}, nil
	}

	blacklist, err := m.kv.HGetAll(ctx, kv.ProxyGroupBlacklistKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	cleared := []string{}
	for name, untilRaw := range blacklist {
		until, err := strconv.ParseFloat(untilRaw, 64)
		if err == nil && float64(now) <= until {
			continue
		}
		if _, err := m.kv.HDel(ctx, kv.ProxyGroupBlacklistKey, name); err != nil {
			return nil, err
		}
		cleared = append(cleared, name)
	}
	log.Info(fmt.Sprintf("Cleared %d expired blacklist entries", len(cleared)))
	return cleared, nil
}
