package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Order metrics
	OrdersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spinforge_orders_total",
			Help: "Total number of orders by status",
		},
		[]string{"status"},
	)

	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_orders_created_total",
			Help: "Total number of orders accepted",
		},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spinforge_orders_rejected_total",
			Help: "Total number of orders rejected by reason",
		},
		[]string{"reason"},
	)

	// Task metrics
	TasksPlanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_tasks_planned_total",
			Help: "Total number of tasks written by the planner",
		},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_tasks_claimed_total",
			Help: "Total number of successful task claims",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spinforge_tasks_failed_total",
			Help: "Total number of task failures by kind (transient, permanent)",
		},
		[]string{"kind"},
	)

	OrphansRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_orphans_recovered_total",
			Help: "Total number of orphaned tasks reclaimed",
		},
	)

	ClaimRaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_claim_races_total",
			Help: "Total number of claims lost to another worker",
		},
	)

	// Worker metrics
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spinforge_worker_cycle_duration_seconds",
			Help:    "Time taken for a worker cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CyclesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_worker_cycles_dropped_total",
			Help: "Total number of ticks dropped because a cycle was still running",
		},
	)

	ExecutorCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spinforge_executor_call_duration_seconds",
			Help:    "Executor call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	ProxySelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spinforge_proxy_selections_total",
			Help: "Total number of proxy selections by tier",
		},
		[]string{"tier"},
	)

	ProxySelectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_proxy_selection_failures_total",
			Help: "Total number of selections that yielded no proxy",
		},
	)

	ProxyNodesOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_proxy_nodes_offlined_total",
			Help: "Total number of nodes offlined after ban or rate-limit responses",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spinforge_tier_breaker_state",
			Help: "Tier circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"tier"},
	)

	// Ledger metrics
	RefundsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_refunds_issued_total",
			Help: "Total number of refund credits issued",
		},
	)

	RefundsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_refunds_duplicate_total",
			Help: "Total number of refund attempts skipped because the task was already refunded",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spinforge_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spinforge_anomalies_detected_total",
			Help: "Total number of reconciliation anomalies by kind",
		},
		[]string{"kind"},
	)

	UsersFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spinforge_users_flagged_total",
			Help: "Total number of users flagged by the refund velocity check",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OrdersTotal)
	prometheus.MustRegister(OrdersCreated)
	prometheus.MustRegister(OrdersRejected)
	prometheus.MustRegister(TasksPlanned)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(OrphansRecovered)
	prometheus.MustRegister(ClaimRaces)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CyclesDropped)
	prometheus.MustRegister(ExecutorCallDuration)
	prometheus.MustRegister(ProxySelections)
	prometheus.MustRegister(ProxySelectionFailures)
	prometheus.MustRegister(ProxyNodesOffline)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(RefundsIssued)
	prometheus.MustRegister(RefundsDuplicate)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(AnomaliesDetected)
	prometheus.MustRegister(UsersFlagged)
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
