package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway instrumentation. Everything is registered on the default
// registry and served by the admin API's /metrics endpoint.

var (
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "detections_total",
		Help:      "Completed detections by risk band.",
	}, []string{"band"})

	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "botwall",
		Name:      "detection_duration_ms",
		Help:      "Wall-clock time of the detection pipeline per request.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "actions_total",
		Help:      "Applied action decisions by kind.",
	}, []string{"kind"})

	EarlyExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "early_exits_total",
		Help:      "Wave-loop early exits by verdict.",
	}, []string{"verdict"})

	VerdictCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "verdict_cache_hits_total",
		Help:      "Detections served from the verdict cache.",
	})

	DetectorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "detector_failures_total",
		Help:      "Recoverable detector failures by detector name.",
	}, []string{"detector"})

	LearningDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "learning_dropped_total",
		Help:      "Learning tasks dropped because a signal-key queue was full.",
	}, []string{"queue"})

	MaskingFailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botwall",
		Name:      "masking_failopen_total",
		Help:      "Responses that passed through unmasked after a masking failure.",
	})

	TrackedSignatures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botwall",
		Name:      "tracked_signatures",
		Help:      "Signatures currently held in the behavioral tracker.",
	})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botwall",
		Name:      "event_subscribers",
		Help:      "Connected detection-event subscribers.",
	})
)

// ObserveDetection records the per-request counters in one call.
func ObserveDetection(band string, durationMs float64, fromCache bool) {
	DetectionsTotal.WithLabelValues(band).Inc()
	DetectionDuration.Observe(durationMs)
	if fromCache {
		VerdictCacheHitsTotal.Inc()
	}
}
