package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	TasksAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispider_tasks_added_total",
			Help: "Total number of tasks inserted by project",
		},
		[]string{"project"},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispider_tasks_claimed_total",
			Help: "Total number of tasks handed to workers",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispider_tasks_completed_total",
			Help: "Total number of tasks completed with results",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispider_tasks_failed_total",
			Help: "Total number of task failure reports by outcome",
		},
		[]string{"outcome"},
	)

	// Lifecycle metrics
	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispider_containers_created_total",
			Help: "Total number of worker containers launched",
		},
	)

	ContainerAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispider_container_alerts_total",
			Help: "Total number of needs_manual_intervention reports",
		},
	)

	// Proxy metrics
	ProxyHealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispider_proxy_health_checks_total",
			Help: "Total number of proxy group health probes by result",
		},
		[]string{"result"},
	)

	ProxyGroupsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispider_proxy_groups_healthy",
			Help: "Number of proxy groups currently healthy",
		},
	)

	ProxyGroupsBlacklisted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispider_proxy_groups_blacklisted",
			Help: "Number of proxy groups currently blacklisted",
		},
	)

	ProxyReassignments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispider_proxy_reassignments_total",
			Help: "Total number of container proxy reassignments",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispider_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispider_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksAdded)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainerAlerts)
	prometheus.MustRegister(ProxyHealthChecks)
	prometheus.MustRegister(ProxyGroupsHealthy)
	prometheus.MustRegister(ProxyGroupsBlacklisted)
	prometheus.MustRegister(ProxyReassignments)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
