package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/metrics"
	"github.com/dispider/dispider/pkg/runtime"
)

// Health monitoring parameters.
const (
	healthCheckTimeout  = 10 * time.Second
	healthCheckInterval = 60 * time.Second
	reassignInterval    = 120 * time.Second

	maxFailureCount   = 3
	blacklistDuration = 600 * time.Second

	// Delays at or above this are treated as unhealthy even when the
	// probe technically succeeded.
	unhealthyDelayMs = 5000

	// maxResponseSeconds stands in for infinity in stored health values.
	maxResponseSeconds = 999.999
)

// Manager owns the Clash-side state: node-to-group generation, the
// per-container routing rules, group health tracking, and the
// background loops that keep assignments off dead exits.
type Manager struct {
	kv           *kv.Store
	file         *ConfigFile
	providersDir string
	admin        *AdminClient
	runtime      runtime.Runtime
	clashName    string
}

// NewManager wires a Manager over the shared backends. clashName is the
// multiplexer's container name, restarted to reload config.
func NewManager(kvs *kv.Store, file *ConfigFile, providersDir string, admin *AdminClient, rt runtime.Runtime, clashName string) *Manager {
	return &Manager{
		kv:           kvs,
		file:         file,
		providersDir: providersDir,
		admin:        admin,
		runtime:      rt,
		clashName:    clashName,
	}
}

// reloadClash restarts the multiplexer container so it rereads its
// config file. A missing container is a logged no-op: the config is
// already on disk for whenever it comes back.
func (m *Manager) reloadClash(ctx context.Context) error {
	err := m.runtime.RestartByName(ctx, m.clashName)
	if errdefs.IsNotFound(err) {
		log.Warn(fmt.Sprintf("Clash container %q not found, config updated but not reloaded", m.clashName))
		return nil
	}
	return err
}

// loadProviderProxies merges the node lists of every provider file,
// dropping duplicate node names. Unreadable files are skipped.
func (m *Manager) loadProviderProxies() []map[string]any {
	entries, err := os.ReadDir(m.providersDir)
	if err != nil {
		log.Warn(fmt.Sprintf("Providers directory unavailable: %v", err))
		return []map[string]any{}
	}

	all := []map[string]any{}
	seen := map[string]struct{}{}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(m.providersDir, name))
		if err != nil {
			log.Error(fmt.Sprintf("Failed to read provider %s: %v", name, err))
			continue
		}

		var provider struct {
			Proxies []map[string]any `yaml:"proxies"`
		}
		if err := yaml.Unmarshal(raw, &provider); err != nil {
			log.Error(fmt.Sprintf("Failed to parse provider %s: %v", name, err))
			continue
		}

		for _, proxy := range provider.Proxies {
			proxyName, ok := proxy["name"].(string)
			if !ok || proxyName == "" {
				continue
			}
			if _, dup := seen[proxyName]; dup {
				log.Warn(fmt.Sprintf("Skipping duplicate proxy name %q from %s", proxyName, name))
				continue
			}
			seen[proxyName] = struct{}{}
			all = append(all, proxy)
		}
	}
	return all
}

// Refresh rebuilds the proxies and proxy-groups sections of the Clash
// config from the provider files, sweeps stale rules, publishes the
// group list for round-robin assignment, and reloads the multiplexer.
// Everything else in the config file is left untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	proxies := m.loadProviderProxies()
	groups := GenerateGroups(proxies)

	err := m.file.Update(func(doc *Document) error {
		doc.Proxies = proxies
		doc.Groups = groups
		doc.NormalizeRules()
		return nil
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	if len(names) > 0 {
		if err := m.kv.ListReplace(ctx, kv.ProxyGroupsListKey, names); err != nil {
			return err
		}
	}
	log.Info(fmt.Sprintf("Clash config refreshed: %d proxies, %d url-test groups", len(proxies), len(groups)))

	if err := m.reloadClash(ctx); err != nil {
		// Config is written; a failed reload only delays pickup.
		log.Error(fmt.Sprintf("Failed to reload clash after refresh: %v", err))
	}
	return nil
}

// pickGroup chooses the group for a new assignment: round-robin over
// healthy groups, falling back to the least-failing group when nothing
// is healthy.
func (m *Manager) pickGroup(ctx context.Context) (string, error) {
	healthy, err := m.HealthyGroups(ctx)
	if err != nil {
		return "", err
	}

	if len(healthy) > 0 {
		idx, err := m.kv.Incr(ctx, kv.ProxyGroupRRIndexKey)
		if err != nil {
			return "", err
		}
		return healthy[(idx-1)%int64(len(healthy))], nil
	}

	all, err := m.allGroups(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", errdefs.Unavailable("no url-test proxy groups available")
	}

	failures, err := m.kv.HGetAll(ctx, kv.ProxyGroupFailureCountKey)
	if err != nil {
		return "", err
	}

	best := all[0]
	minFailures := int64(1<<62 - 1)
	for _, group := range all {
		var count int64
		if raw, ok := failures[group]; ok {
			count, _ = strconv.ParseInt(raw, 10, 64)
		}
		if count < minFailures {
			minFailures = count
			best = group
		}
	}
	log.Warn(fmt.Sprintf("No healthy proxy groups, falling back to %q (%d failures)", best, minFailures))
	return best, nil
}

// allGroups returns the published group list, rebuilding it from the
// on-disk config when the KV store has lost it.
func (m *Manager) allGroups(ctx context.Context) ([]string, error) {
	groups, err := m.kv.ListAll(ctx, kv.ProxyGroupsListKey)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		return groups, nil
	}

	doc, err := m.file.Snapshot()
	if errdefs.IsNotFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := doc.URLTestGroupNames()
	if len(names) > 0 {
		if err := m.kv.ListReplace(ctx, kv.ProxyGroupsListKey, names); err != nil {
			return nil, err
		}
		log.Info(fmt.Sprintf("Restored %d url-test groups from config file", len(names)))
	}
	return names, nil
}

// Assign pins a container IP to a proxy group: a source-IP rule is
// prepended to the config, the multiplexer is reloaded, and the mapping
// is recorded. Returns the assigned group name.
func (m *Manager) Assign(ctx context.Context, containerIP string) (string, error) {
	group, err := m.pickGroup(ctx)
	if err != nil {
		return "", err
	}

	rule := ContainerRule(containerIP, group)
	err = m.file.UpdateExisting(func(doc *Document) error {
		doc.InsertRule(rule)
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := m.reloadClash(ctx); err != nil {
		return "", err
	}
	if err := m.kv.HSet(ctx, kv.ContainerProxyRulesKey, containerIP, rule); err != nil {
		return "", err
	}

	plog1 := log.WithContainerIP(containerIP)
	plog1.Info().Str("group", group).Msg("Proxy group assigned")
	return group, nil
}

// Release drops a container's routing rule. Missing mappings, missing
// config, and failed reloads are all tolerated; the KV mapping is
// cleared regardless so a dead container never pins state.
func (m *Manager) Release(ctx context.Context, containerIP string) error {
	rule, ok, err := m.kv.HGet(ctx, kv.ContainerProxyRulesKey, containerIP)
	if err != nil {
		return err
	}
	if !ok {
		plog2 := log.WithContainerIP(containerIP)
		plog2.Debug().Msg("No proxy rule to release")
		return nil
	}

	removed := false
	err = m.file.UpdateExisting(func(doc *Document) error {
		removed = doc.RemoveRule(rule)
		if !removed {
			log.Warn(fmt.Sprintf("Rule %q not present in clash config", rule))
		}
		return nil
	})
	if err != nil && !errdefs.IsNotFound(err) {
		log.Error(fmt.Sprintf("Failed to update clash config while releasing %s: %v", containerIP, err))
	}

	if removed {
		if err := m.reloadClash(ctx); err != nil {
			log.Error(fmt.Sprintf("Failed to reload clash after release: %v", err))
		}
	}

	if _, err := m.kv.HDel(ctx, kv.ContainerProxyRulesKey, containerIP); err != nil {
		return err
	}
	plog3 := log.WithContainerIP(containerIP)
	plog3.Info().Msg("Proxy rule released")
	return nil
}

// ReassignResult reports a completed reassignment.
type ReassignResult struct {
	ContainerIP string `json:"container_ip"`
	OldGroup    string `json:"old_group"`
	NewGroup    string `json:"new_group"`
}

// ForceReassign moves a container to a fresh group regardless of the
// current group's health.
func (m *Manager) ForceReassign(ctx context.Context, containerIP string) (*ReassignResult, error) {
	rule, ok, err := m.kv.HGet(ctx, kv.ContainerProxyRulesKey, containerIP)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFound("container %s has no proxy rule", containerIP)
	}

	oldGroup := "unknown"
	if _, group, parsed := ParseContainerRule(rule); parsed {
		oldGroup = group
	}

	if err := m.Release(ctx, containerIP); err != nil {
		return nil, err
	}
	newGroup, err := m.Assign(ctx, containerIP)
	if err != nil {
		return nil, err
	}

	metrics.ProxyReassignments.Inc()
	plog4 := log.WithContainerIP(containerIP)
	plog4.Info().
		Str("old_group", oldGroup).
		Str("new_group", newGroup).
		Msg("Container proxy reassigned")
	return &ReassignResult{ContainerIP: containerIP, OldGroup: oldGroup, NewGroup: newGroup}, nil
}

// reassignBlacklisted moves every container currently pinned to a
// blacklisted group onto a healthy one. Individual failures are logged
// and skipped. Returns the number of containers moved.
func (m *Manager) reassignBlacklisted(ctx context.Context) (int, error) {
	blacklist, err := m.kv.HGetAll(ctx, kv.ProxyGroupBlacklistKey)
	if err != nil {
		return 0, err
	}
	if len(blacklist) == 0 {
		return 0, nil
	}

	rules, err := m.kv.HGetAll(ctx, kv.ContainerProxyRulesKey)
	if err != nil {
		return 0, err
	}

	moved := 0
	for containerIP, rule := range rules {
		_, group, parsed := ParseContainerRule(rule)
		if !parsed {
			continue
		}
		if _, banned := blacklist[group]; !banned {
			continue
		}

		plog5 := log.WithContainerIP(containerIP)
		plog5.Info().
			Str("group", group).
			Msg("Reassigning container off blacklisted group")

		if err := m.Release(ctx, containerIP); err != nil {
			log.Error(fmt.Sprintf("Failed to release %s during reassignment: %v", containerIP, err))
			continue
		}
		newGroup, err := m.Assign(ctx, containerIP)
		if err != nil {
			log.Error(fmt.Sprintf("Failed to reassign %s: %v", containerIP, err))
			continue
		}

		metrics.ProxyReassignments.Inc()
		plog6 := log.WithContainerIP(containerIP)
		plog6.Info().Str("group", newGroup).Msg("Container reassigned")
		moved++
	}

	if moved > 0 {
		log.Info(fmt.Sprintf("Reassigned %d containers off blacklisted groups", moved))
	}
	return moved, nil
}

// ReassignAll runs one reassignment pass on demand, outside the
// periodic loop.
func (m *Manager) ReassignAll(ctx context.Context) (int, error) {
	return m.reassignBlacklisted(ctx)
}

// RecoverMappings rebuilds the container-to-group mappings in the KV
// store from the SRC-IP-CIDR rules persisted in the config file. Run at
// startup, after the KV store may have lost state.
func (m *Manager) RecoverMappings(ctx context.Context) error {
	doc, err := m.file.Snapshot()
	if errdefs.IsNotFound(err) {
		log.Warn("No clash config on disk, nothing to recover")
		return nil
	}
	if err != nil {
		return err
	}

	recovered := 0
	for _, rule := range doc.Rules {
		containerIP, group, ok := ParseContainerRule(rule)
		if !ok {
			continue
		}
		if err := m.kv.HSet(ctx, kv.ContainerProxyRulesKey, containerIP, rule); err != nil {
			return err
		}
		plog7 := log.WithContainerIP(containerIP)
		plog7.Info().Str("group", group).Msg("Recovered container mapping")
		recovered++
	}

	if recovered > 0 {
		log.Info(fmt.Sprintf("Recovered %d container proxy mappings from config", recovered))
	} else {
		log.Info("No container proxy rules found in config, nothing to recover")
	}
	return nil
}

// HasGroups reports whether the KV store currently knows any proxy
// groups.
func (m *Manager) HasGroups(ctx context.Context) (bool, error) {
	groups, err := m.kv.ListAll(ctx, kv.ProxyGroupsListKey)
	if err != nil {
		return false, err
	}
	return len(groups) > 0, nil
}
