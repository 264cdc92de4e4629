package proxy

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dispider/dispider/pkg/kv"
	"github.com/dispider/dispider/pkg/log"
)

// GroupStatus is the health view of one proxy group.
type GroupStatus struct {
	Name           string  `json:"name"`
	IsHealthy      bool    `json:"is_healthy"`
	ResponseTime   float64 `json:"response_time"`
	FailureCount   int     `json:"failure_count"`
	IsBlacklisted  bool    `json:"is_blacklisted"`
	LastCheck      int64   `json:"last_check,omitempty"`
	BlacklistUntil int64   `json:"blacklist_until,omitempty"`
}

// HealthReport aggregates the health of every known group.
type HealthReport struct {
	TotalGroups       int           `json:"total_groups"`
	HealthyGroups     int           `json:"healthy_groups"`
	UnhealthyGroups   int           `json:"unhealthy_groups"`
	BlacklistedGroups int           `json:"blacklisted_groups"`
	Groups            []GroupStatus `json:"groups_status"`

	HealthCheckInterval int `json:"health_check_interval"`
	ReassignInterval    int `json:"reassign_check_interval"`
}

// GroupsHealth reports the stored health state of every group.
func (m *Manager) GroupsHealth(ctx context.Context) (*HealthReport, error) {
	all, err := m.kv.ListAll(ctx, kv.ProxyGroupsListKey)
	if err != nil {
		return nil, err
	}

	healthData, err := m.kv.HGetAll(ctx, kv.ProxyGroupHealthKey)
	if err != nil {
		return nil, err
	}
	failureCounts, err := m.kv.HGetAll(ctx, kv.ProxyGroupFailureCountKey)
	if err != nil {
		return nil, err
	}
	blacklist, err := m.kv.HGetAll(ctx, kv.ProxyGroupBlacklistKey)
	if err != nil {
		return nil, err
	}
	lastChecks, err := m.kv.HGetAll(ctx, kv.ProxyGroupLastCheckKey)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		TotalGroups:         len(all),
		Groups:              []GroupStatus{},
		HealthCheckInterval: int(healthCheckInterval.Seconds()),
		ReassignInterval:    int(reassignInterval.Seconds()),
	}

	for _, name := range all {
		status := GroupStatus{
			Name:         name,
			ResponseTime: maxResponseSeconds,
		}

		if raw, ok := failureCounts[name]; ok {
			if count, err := strconv.Atoi(raw); err == nil {
				status.FailureCount = count
			}
		}

		if raw, ok := healthData[name]; ok {
			if healthy, seconds, checkedAt, err := parseHealthValue(raw); err == nil {
				status.IsHealthy = healthy
				status.ResponseTime = seconds
				status.LastCheck = checkedAt
			} else {
				log.Warn(fmt.Sprintf("Unparsable health value for group %q: %q", name, raw))
			}
		}
		if status.LastCheck == 0 {
			if raw, ok := lastChecks[name]; ok {
				if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
					status.LastCheck = ts
				}
			}
		}

		if raw, banned := blacklist[name]; banned {
			status.IsBlacklisted = true
			if until, err := strconv.ParseFloat(raw, 64); err == nil {
				status.BlacklistUntil = int64(until)
			}
		}

		report.Groups = append(report.Groups, status)

		switch {
		case status.IsBlacklisted:
			report.BlacklistedGroups++
		case status.IsHealthy:
			report.HealthyGroups++
		default:
			report.UnhealthyGroups++
		}
	}
	return report, nil
}

// parseHealthValue decodes the "<bool>:<seconds>:<unix>" health format.
func parseHealthValue(raw string) (healthy bool, seconds float64, checkedAt int64, err error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return false, 0, 0, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	healthy, err = strconv.ParseBool(parts[0])
	if err != nil {
		return false, 0, 0, err
	}
	seconds, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return false, 0, 0, err
	}
	ts, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return false, 0, 0, err
	}
	return healthy, seconds, int64(ts), nil
}

// Mapping is one container-to-group assignment.
type Mapping struct {
	ContainerIP   string `json:"container_ip"`
	AssignedGroup string `json:"assigned_group"`
	Rule          string `json:"rule"`
}

// MappingsReport lists every container assignment, grouped both ways.
type MappingsReport struct {
	TotalContainers int                 `json:"total_containers"`
	Mappings        []Mapping           `json:"mappings"`
	RulesByGroup    map[string][]string `json:"rules_by_group"`
}

// ContainerMappings reports the current container-to-group assignments.
func (m *Manager) ContainerMappings(ctx context.Context) (*MappingsReport, error) {
	rules, err := m.kv.HGetAll(ctx, kv.ContainerProxyRulesKey)
	if err != nil {
		return nil, err
	}

	report := &MappingsReport{
		TotalContainers: len(rules),
		Mappings:        []Mapping{},
		RulesByGroup:    map[string][]string{},
	}
	for containerIP, rule := range rules {
		_, group, ok := ParseContainerRule(rule)
		if !ok {
			log.Warn(fmt.Sprintf("Unparsable rule for container %s: %q", containerIP, rule))
			continue
		}
		report.Mappings = append(report.Mappings, Mapping{
			ContainerIP:   containerIP,
			AssignedGroup: group,
			Rule:          rule,
		})
		report.RulesByGroup[group] = append(report.RulesByGroup[group], containerIP)
	}
	return report, nil
}

// SystemSummary condenses proxy-layer health into one overall verdict.
type SystemSummary struct {
	OverallStatus string  `json:"overall_status"`
	HealthRate    float64 `json:"health_rate"`

	ProxyGroups struct {
		Total       int `json:"total"`
		Healthy     int `json:"healthy"`
		Unhealthy   int `json:"unhealthy"`
		Blacklisted int `json:"blacklisted"`
	} `json:"proxy_groups"`

	Containers struct {
		Total          int `json:"total"`
		ActiveMappings int `json:"active_mappings"`
	} `json:"containers"`

	Configuration struct {
		HealthCheckInterval int `json:"health_check_interval"`
		ReassignInterval    int `json:"reassign_check_interval"`
		MaxFailureCount     int `json:"max_failure_count"`
		BlacklistDuration   int `json:"blacklist_duration"`
	} `json:"configuration"`

	Timestamp int64 `json:"timestamp"`
}

// Summary produces the overall proxy-layer verdict: healthy at 80%+
// healthy groups, degraded at 50%+, unhealthy below.
func (m *Manager) Summary(ctx context.Context) (*SystemSummary, error) {
	health, err := m.GroupsHealth(ctx)
	if err != nil {
		return nil, err
	}
	mappings, err := m.ContainerMappings(ctx)
	if err != nil {
		return nil, err
	}

	rate := 0.0
	if health.TotalGroups > 0 {
		rate = float64(health.HealthyGroups) / float64(health.TotalGroups) * 100
	}

	status := "unhealthy"
	switch {
	case rate >= 80:
		status = "healthy"
	case rate >= 50:
		status = "degraded"
	}

	summary := &SystemSummary{
		OverallStatus: status,
		HealthRate:    math.Round(rate*100) / 100,
		Timestamp:     time.Now().Unix(),
	}
	summary.ProxyGroups.Total = health.TotalGroups
	summary.ProxyGroups.Healthy = health.HealthyGroups
	summary.ProxyGroups.Unhealthy = health.UnhealthyGroups
	summary.ProxyGroups.Blacklisted = health.BlacklistedGroups
	summary.Containers.Total = mappings.TotalContainers
	summary.Containers.ActiveMappings = len(mappings.Mappings)
	summary.Configuration.HealthCheckInterval = int(healthCheckInterval.Seconds())
	summary.Configuration.ReassignInterval = int(reassignInterval.Seconds())
	summary.Configuration.MaxFailureCount = maxFailureCount
	summary.Configuration.BlacklistDuration = int(blacklistDuration.Seconds())
	return summary, nil
}

// ClashStatus is the reachability and inventory view of the multiplexer
// itself.
type ClashStatus struct {
	ServiceReachable   bool     `json:"service_reachable"`
	APIResponseTime    float64  `json:"api_response_time"`
	ClashVersion       string   `json:"clash_version,omitempty"`
	TotalProxies       int      `json:"total_proxies"`
	ProxyGroupsCount   int      `json:"proxy_groups_count"`
	CurrentMode        string   `json:"current_mode,omitempty"`
	ExternalController string   `json:"external_controller,omitempty"`
	LogLevel           string   `json:"log_level,omitempty"`
	Errors             []string `json:"errors"`
}

// CheckClash probes the controller API and inventories its proxies.
// Errors are collected rather than returned; partial information is
// still useful for diagnosis.
func (m *Manager) CheckClash(ctx context.Context) *ClashStatus {
	status := &ClashStatus{
		APIResponseTime: maxResponseSeconds,
		Errors:          []string{},
	}

	start := time.Now()
	version, err := m.admin.Version(ctx)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("cannot reach clash controller: %v", err))
		return status
	}
	status.ServiceReachable = true
	status.APIResponseTime = time.Since(start).Seconds()
	status.ClashVersion = version

	if cfg, err := m.admin.Config(ctx); err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("failed to fetch clash config: %v", err))
	} else {
		status.CurrentMode = cfg.Mode
		status.ExternalController = cfg.ExternalController
		status.LogLevel = cfg.LogLevel
	}

	if proxies, err := m.admin.Proxies(ctx); err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("failed to fetch clash proxies: %v", err))
	} else {
		for _, info := range proxies {
			switch info.Type {
			case "URLTest":
				status.ProxyGroupsCount++
			case "Direct", "Reject", "Selector":
			default:
				status.TotalProxies++
			}
		}
	}
	return status
}

// Diagnosis is the output of a full proxy-layer triage pass.
type Diagnosis struct {
	Timestamp       int64         `json:"timestamp"`
	OverallHealth   string        `json:"overall_health"`
	ClashStatus     *ClashStatus  `json:"clash_status"`
	ProxyHealth     *HealthReport `json:"proxy_health,omitempty"`
	IssuesFound     []string      `json:"issues_found"`
	Recommendations []string      `json:"recommendations"`
}

// Diagnose runs a triage pass over the proxy layer and suggests fixes
// for the problems it finds.
func (m *Manager) Diagnose(ctx context.Context) (*Diagnosis, error) {
	diagnosis := &Diagnosis{
		Timestamp:       time.Now().Unix(),
		IssuesFound:     []string{},
		Recommendations: []string{},
	}

	diagnosis.ClashStatus = m.CheckClash(ctx)
	if !diagnosis.ClashStatus.ServiceReachable {
		diagnosis.IssuesFound = append(diagnosis.IssuesFound, "clash controller is unreachable")
		diagnosis.Recommendations = append(diagnosis.Recommendations,
			"check that the clash container is running",
			"check the docker network between the control plane and clash",
			"validate the clash config file syntax",
			"inspect the clash container logs",
		)
		diagnosis.OverallHealth = "critical"
		return diagnosis, nil
	}

	health, err := m.GroupsHealth(ctx)
	if err != nil {
		return nil, err
	}
	diagnosis.ProxyHealth = health

	if health.TotalGroups == 0 {
		diagnosis.IssuesFound = append(diagnosis.IssuesFound, "no proxy groups are configured")
		diagnosis.Recommendations = append(diagnosis.Recommendations,
			"check that provider files are present and parse correctly")
	} else {
		if float64(health.UnhealthyGroups) > float64(health.TotalGroups)*0.5 {
			diagnosis.IssuesFound = append(diagnosis.IssuesFound,
				fmt.Sprintf("over half the proxy groups are unhealthy (%d/%d)",
					health.UnhealthyGroups, health.TotalGroups))
			diagnosis.Recommendations = append(diagnosis.Recommendations,
				"check connectivity to the proxy exits",
				"consider replacing the proxy provider",
			)
		}
		if float64(health.BlacklistedGroups) > float64(health.TotalGroups)*0.3 {
			diagnosis.IssuesFound = append(diagnosis.IssuesFound,
				fmt.Sprintf("over 30%% of proxy groups are blacklisted (%d/%d)",
					health.BlacklistedGroups, health.TotalGroups))
			diagnosis.Recommendations = append(diagnosis.Recommendations,
				"clear expired blacklist entries",
				"review node quality with the provider",
			)
		}
	}

	mappings, err := m.ContainerMappings(ctx)
	if err != nil {
		return nil, err
	}
	if mappings.TotalContainers == 0 {
		diagnosis.IssuesFound = append(diagnosis.IssuesFound, "no containers have proxy assignments")
		diagnosis.Recommendations = append(diagnosis.Recommendations,
			"verify that workers request proxy assignment on startup")
	}

	switch {
	case len(diagnosis.IssuesFound) == 0:
		diagnosis.OverallHealth = "healthy"
	case len(diagnosis.IssuesFound) <= 2:
		diagnosis.OverallHealth = "degraded"
	default:
		diagnosis.OverallHealth = "unhealthy"
	}
	return diagnosis, nil
}
