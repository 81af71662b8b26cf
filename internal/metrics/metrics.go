// Package metrics exposes the core's prometheus collectors. Registered
// on the default registry and served by the dashboard router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts validate calls by outcome event type.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "validations_total",
		Help:      "Validation decisions by event type.",
	}, []string{"event_type"})

	// ThreatsDetected counts primary threats by kind and layer.
	ThreatsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "threats_detected_total",
		Help:      "Primary threat detections by kind and detection layer.",
	}, []string{"threat_kind", "layer"})

	// ValidationDuration observes end-to-end validate latency.
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bandaid",
		Name:      "validation_duration_seconds",
		Help:      "End-to-end validation pipeline latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// GuardTimeouts counts policy-classifier deadline expiries.
	GuardTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "guard_timeouts_total",
		Help:      "Policy classifier calls that hit the deadline.",
	})

	// LeakAlerts counts response-side data leak alerts by kind.
	LeakAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "leak_alerts_total",
		Help:      "Response-side data leak alerts by threat kind.",
	}, []string{"threat_kind"})

	// JournalErrors counts failed journal writes.
	JournalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "journal_errors_total",
		Help:      "Security event journal write failures.",
	})

	// LearnedPatterns counts absorb outcomes (new vs duplicate).
	LearnedPatterns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "learned_patterns_total",
		Help:      "Pattern learning outcomes.",
	}, []string{"outcome"})

	// BackgroundDropped counts background tasks dropped on overflow.
	BackgroundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandaid",
		Name:      "background_tasks_dropped_total",
		Help:      "Background work items dropped due to queue overflow.",
	}, []string{"queue"})
)
