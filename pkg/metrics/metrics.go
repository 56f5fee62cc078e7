package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_deployments_total",
			Help: "Total number of finished deployments by environment and status",
		},
		[]string{"environment", "status"},
	)

	DeploymentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravel_deployments_active",
			Help: "Number of deployments currently being processed",
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caravel_phase_duration_seconds",
			Help:    "Phase execution duration in seconds by phase and result",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase", "result"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_rollbacks_total",
			Help: "Total number of rollbacks by environment",
		},
		[]string{"environment"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "caravel_queue_depth",
			Help: "Number of pending jobs per environment",
		},
		[]string{"environment"},
	)

	QueueRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_queue_recovered_total",
			Help: "Total number of abandoned jobs recovered by the sweeper",
		},
	)

	QueueDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_queue_dead_lettered_total",
			Help: "Total number of jobs that exhausted their retries",
		},
	)

	// Lock metrics
	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_lock_contention_total",
			Help: "Total number of lock acquisitions refused because the instance was held",
		},
	)

	LocksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_locks_lost_total",
			Help: "Total number of locks lost mid-deployment",
		},
	)

	// Health metrics
	HealthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_health_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_events_published_total",
			Help: "Total number of deployment events published",
		},
	)

	SubscriberOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_subscriber_overflows_total",
			Help: "Total number of subscriber buffer overflows",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentsActive)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRecovered)
	prometheus.MustRegister(QueueDeadLettered)
	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(LocksLost)
	prometheus.MustRegister(HealthProbes)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SubscriberOverflows)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObservePhase records a phase duration
func (t *Timer) ObservePhase(phase, result string) {
	PhaseDuration.WithLabelValues(phase, result).Observe(t.Duration().Seconds())
}
