// Package metrics registers the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_cycles_total",
			Help: "Total number of evaluation cycles",
		},
		[]string{"status"}, // status: ok, fetch_failed
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricealert_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Alert metrics
	AlertsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_alerts_evaluated_total",
			Help: "Total number of alert evaluations",
		},
		[]string{"type", "status"}, // status: triggered, clear, not_yet, unavailable
	)

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_alerts_triggered_total",
			Help: "Total number of alerts whose triggered set changed to a non-empty set",
		},
		[]string{"type"},
	)

	AlertsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_alerts_deactivated_total",
			Help: "Total number of alerts deactivated after full coverage",
		},
		[]string{"type"},
	)

	EvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_evaluation_errors_total",
			Help: "Total number of per-alert evaluation or persistence errors",
		},
		[]string{"stage"}, // stage: evaluate, persist, notify
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricealert_active_alerts",
			Help: "Number of active alerts in the last cycle",
		},
	)

	HistoryKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricealert_history_keys",
			Help: "Number of price series held in the history buffer",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_notifications_total",
			Help: "Total number of notifications delivered",
		},
		[]string{"channel", "status"}, // status: success, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
