package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant metrics
	TenantsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lobsterd_tenants_total",
			Help: "Number of tenants by status",
		},
		[]string{"status"},
	)

	TenantsDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_tenants_degraded_total",
			Help: "Total number of times a tenant crossed the repair bound into degraded",
		},
	)

	// Lifecycle operation metrics
	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobsterd_spawn_duration_seconds",
			Help:    "Time to spawn a tenant end to end",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	EvictDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobsterd_evict_duration_seconds",
			Help:    "Time to tear a tenant down",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	SuspendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobsterd_suspends_total",
			Help: "Completed suspends by trigger",
		},
		[]string{"trigger"},
	)

	ResumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobsterd_resumes_total",
			Help: "Completed resumes by trigger",
		},
		[]string{"trigger"},
	)

	SuspendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobsterd_suspend_duration_seconds",
			Help:    "Time to suspend a tenant",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60},
		},
	)

	ResumeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobsterd_resume_duration_seconds",
			Help:    "Time to resume a tenant, launch to route reinstated",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	OperationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobsterd_operation_failures_total",
			Help: "Failed lifecycle operations by operation",
		},
		[]string{"op"},
	)

	// Watchdog metrics
	IdleChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_idle_checks_total",
			Help: "Idle-loop connection probes performed",
		},
	)

	AgentUnreachableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_agent_unreachable_total",
			Help: "Agent probes that failed to connect or timed out",
		},
	)

	TrafficWakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_traffic_wakes_total",
			Help: "Resumes triggered by rx traffic on a suspended tenant's tap",
		},
	)

	// Reconciler metrics
	MoltDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobsterd_molt_duration_seconds",
			Help:    "Time for one full reconciliation cycle",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	MoltCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_molt_cycles_total",
			Help: "Total reconciliation cycles run",
		},
	)

	MoltRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobsterd_molt_repairs_total",
			Help: "Repair actions taken, by resource kind",
		},
		[]string{"resource"},
	)

	// Snapshot metrics
	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_snapshots_total",
			Help: "Tenant snapshots created",
		},
	)

	SnapshotsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobsterd_snapshots_pruned_total",
			Help: "Tenant snapshots destroyed by retention pruning",
		},
	)
)

func init() {
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(TenantsDegradedTotal)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(EvictDuration)
	prometheus.MustRegister(SuspendsTotal)
	prometheus.MustRegister(ResumesTotal)
	prometheus.MustRegister(SuspendDuration)
	prometheus.MustRegister(ResumeDuration)
	prometheus.MustRegister(OperationFailuresTotal)
	prometheus.MustRegister(IdleChecksTotal)
	prometheus.MustRegister(AgentUnreachableTotal)
	prometheus.MustRegister(TrafficWakesTotal)
	prometheus.MustRegister(MoltDuration)
	prometheus.MustRegister(MoltCyclesTotal)
	prometheus.MustRegister(MoltRepairsTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotsPrunedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
