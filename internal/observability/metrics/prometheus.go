// Package metrics provides Prometheus metrics for the regimen tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RegimensCreated       prometheus.Counter
	RegimensRescheduled   prometheus.Counter
	RegimensRetired       prometheus.Counter
	DosesTaken            prometheus.Counter
	DosesSkipped          prometheus.Counter
	DosesMissed           prometheus.Counter
	VersionConflicts      prometheus.Counter
	SweepRuns             prometheus.Counter
	SweepFailures         prometheus.Counter
	SweepDuration         prometheus.Histogram
	ActiveRegimens        prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	DoseCommandsFailed    prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RegimensCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimens_created_total",
			Help: "Total regimens created",
		}),
		RegimensRescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimens_rescheduled_total",
			Help: "Total regimens whose reminders were regenerated by an edit",
		}),
		RegimensRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimens_retired_total",
			Help: "Total regimens retired after their end date",
		}),
		DosesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_taken_total",
			Help: "Total doses marked taken",
		}),
		DosesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_skipped_total",
			Help: "Total doses skipped",
		}),
		DosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_missed_total",
			Help: "Total doses marked missed by the sweep",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimen_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on regimen updates",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Total daily sweep runs",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_schedule_failures_total",
			Help: "Schedules that failed during a sweep run",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Daily sweep run duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		ActiveRegimens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regimens_active",
			Help: "Active regimens seen by the last sweep",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		DoseCommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_commands_failed_total",
			Help: "Dose commands that could not be applied",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.RegimensCreated,
		m.RegimensRescheduled,
		m.RegimensRetired,
		m.DosesTaken,
		m.DosesSkipped,
		m.DosesMissed,
		m.VersionConflicts,
		m.SweepRuns,
		m.SweepFailures,
		m.SweepDuration,
		m.ActiveRegimens,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.DoseCommandsFailed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics gathered from g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
