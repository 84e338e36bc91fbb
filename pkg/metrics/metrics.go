package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Call session metrics
	CallTransitions *prometheus.CounterVec
	CallRacesLost   prometheus.Counter
	CallDuration    prometheus.Histogram
	ActiveCalls     prometheus.Gauge

	// Notification metrics
	NotificationsCreated *prometheus.CounterVec
	NotificationsDeduped prometheus.Counter
	DeliveryAttempts     *prometheus.CounterVec
	PushFailures         prometheus.Counter

	// Sweep metrics
	SweepRuns     *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
	SweepErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		CallTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_transitions_total",
			Help:      "Total number of call status transitions",
		}, []string{"from", "to"}),
		CallRacesLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_races_lost_total",
			Help:      "Conditional writes that lost to a concurrent writer",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Duration of completed calls",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 2700, 3600},
		}),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_calls",
			Help:      "Current number of calls in progress",
		}),

		NotificationsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_created_total",
			Help:      "Total number of notifications persisted",
		}, []string{"category"}),
		NotificationsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_deduped_total",
			Help:      "Notifications suppressed by the dedup window",
		}),
		DeliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_delivery_attempts_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "status"}),
		PushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_failures_total",
			Help:      "Failed push provider deliveries",
		}),

		SweepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_runs_total",
			Help:      "Scheduler sweep executions",
		}, []string{"sweep"}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent per scheduler sweep",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"sweep"}),
		SweepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_errors_total",
			Help:      "Errors encountered during scheduler sweeps",
		}, []string{"sweep"}),
	}
}
