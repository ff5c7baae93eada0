// Package metrics exposes frame-loop counters through a prometheus registry.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proctor"

// Skip reasons.
const (
	SkipSourceNotReady   = "source_not_ready"
	SkipDuplicate        = "duplicate_timestamp"
	SkipDetectorNotReady = "detector_not_ready"
)

var trackingStates = []types.TrackingState{
	types.TrackingInitializing,
	types.TrackingReady,
	types.TrackingNotReady,
	types.TrackingNoFace,
	types.TrackingMultipleFaces,
	types.TrackingMonitoring,
}

type Recorder struct {
	Registry *prometheus.Registry

	framesAnalyzed prometheus.Counter
	framesSkipped  *prometheus.CounterVec
	detectErrors   prometheus.Counter
	detectLatency  prometheus.Histogram
	alerts         *prometheus.CounterVec
	tracking       *prometheus.GaugeVec
}

// New builds a Recorder on its own registry so parallel sessions and tests don't collide.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		framesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_analyzed_total",
			Help:      "Frames passed through detection and classification.",
		}),
		framesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Ticks that did not run detection, by reason.",
		}, []string{"reason"}),
		detectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_errors_total",
			Help:      "Detection calls that failed and were treated as no face.",
		}),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Latency of a single detection call.",
			Buckets:   []float64{.002, .005, .01, .016, .033, .05, .1, .25, .5},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Behavior alerts by kind and outcome (emitted or suppressed by cooldown).",
		}, []string{"kind", "outcome"}),
		tracking: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracking_state",
			Help:      "1 for the current tracking state, 0 otherwise.",
		}, []string{"state"}),
	}

	r.Registry.MustRegister(
		r.framesAnalyzed,
		r.framesSkipped,
		r.detectErrors,
		r.detectLatency,
		r.alerts,
		r.tracking,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) FrameAnalyzed(detect time.Duration) {
	if r == nil {
		return
	}
	r.framesAnalyzed.Inc()
	r.detectLatency.Observe(detect.Seconds())
}

func (r *Recorder) FrameSkipped(reason string) {
	if r == nil {
		return
	}
	r.framesSkipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) DetectFailed() {
	if r == nil {
		return
	}
	r.detectErrors.Inc()
}

func (r *Recorder) Alert(kind string, emitted bool) {
	if r == nil {
		return
	}
	outcome := "suppressed"
	if emitted {
		outcome = "emitted"
	}
	r.alerts.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) TrackingState(current types.TrackingState) {
	if r == nil {
		return
	}
	for _, s := range trackingStates {
		v := 0.0
		if s == current {
			v = 1
		}
		r.tracking.WithLabelValues(string(s)).Set(v)
	}
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
