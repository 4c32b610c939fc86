package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hypewatch"

// Cycle outcomes recorded by the scheduler.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

var (
	// CyclesTotal counts task cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Scheduled task cycles by task and outcome.",
	}, []string{"task", "outcome"})

	// CycleDuration observes how long completed cycles took.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of scheduled task cycles.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"task"})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_failures_total",
		Help:      "Failed upstream fetches by source.",
	}, []string{"source"})

	AlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_delivered_total",
		Help:      "Alerts delivered to subscribers.",
	}, []string{"kind", "severity"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_suppressed_total",
		Help:      "Alerts withheld by cooldown.",
	}, []string{"kind"})

	AlertsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_skipped_total",
		Help:      "Subscriptions skipped before evaluation, by reason.",
	}, []string{"reason"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Failed gateway deliveries.",
	}, []string{"kind"})

	CooldownEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cooldown_entries",
		Help:      "Dedup keys currently tracked.",
	})

	WhaleHighWaterMark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "whale_high_water_mark_seconds",
		Help:      "Unix time of the newest processed whale transaction.",
	})
)
