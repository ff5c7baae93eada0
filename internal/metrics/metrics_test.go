package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Counts(t *testing.T) {
	r := New()

	r.FrameAnalyzed(5 * time.Millisecond)
	r.FrameAnalyzed(7 * time.Millisecond)
	r.FrameSkipped(SkipDuplicate)
	r.DetectFailed()
	r.Alert("gaze", true)
	r.Alert("gaze", false)
	r.Alert("gaze", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.framesAnalyzed))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.framesSkipped.WithLabelValues(SkipDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.detectErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alerts.WithLabelValues("gaze", "emitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.alerts.WithLabelValues("gaze", "suppressed")))
}

func TestRecorder_TrackingStateIsOneHot(t *testing.T) {
	r := New()
	r.TrackingState(types.TrackingNoFace)
	r.TrackingState(types.TrackingMonitoring)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.tracking.WithLabelValues(string(types.TrackingMonitoring))))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.tracking.WithLabelValues(string(types.TrackingNoFace))))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.FrameAnalyzed(time.Millisecond)
		r.FrameSkipped(SkipSourceNotReady)
		r.DetectFailed()
		r.Alert("noface", true)
		r.TrackingState(types.TrackingNoFace)
	})
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.Alert("multiface", true)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `proctor_alerts_total{kind="multiface",outcome="emitted"} 1`), body)
}
