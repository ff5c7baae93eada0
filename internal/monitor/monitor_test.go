package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/metrics"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSource struct {
	mu     sync.Mutex
	frame  types.Frame
	ready  bool
	closes atomic.Int32
}

func (s *fakeSource) set(ts time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = types.Frame{Seq: s.frame.Seq + 1, Timestamp: ts}
	s.ready = true
}

func (s *fakeSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) Current() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.ready
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeDetector struct {
	mu      sync.Mutex
	result  *types.DetectionResult
	err     error
	initErr error
	calls   atomic.Int32
	closes  atomic.Int32
}

func (d *fakeDetector) Initialize(context.Context) error { return d.initErr }

func (d *fakeDetector) Detect(types.Frame) (*types.DetectionResult, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result, d.err
}

func (d *fakeDetector) Close() error {
	d.closes.Add(1)
	return nil
}

func (d *fakeDetector) returns(res *types.DetectionResult, err error) {
	d.mu.Lock()
	d.result, d.err = res, err
	d.mu.Unlock()
}

type alertLog struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (l *alertLog) record(a types.Alert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
}

func (l *alertLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, a := range l.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// manualTicker hands the test control over when ticks happen.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newManualTicker() *manualTicker { return &manualTicker{ch: make(chan time.Time)} }

func (m *manualTicker) ticker(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() { m.stopped.Store(true) }
}

// --- fixtures ---

func mesh(noseX, irisX float64) types.FaceLandmarks {
	face := make(types.FaceLandmarks, analysis.NumMeshLandmarks)
	face[analysis.NoseTip] = types.Point{X: noseX, Y: 0.5}
	face[analysis.LeftEyeOuter] = types.Point{X: 0.4, Y: 0.4}
	face[analysis.RightEyeOuter] = types.Point{X: 0.6, Y: 0.4}
	face[analysis.Forehead] = types.Point{X: 0.5, Y: 0.2}
	face[analysis.Chin] = types.Point{X: 0.5, Y: 0.8}
	face[analysis.LeftEyeInner] = types.Point{X: 0.6, Y: 0.4}
	face[analysis.LeftIrisCenter] = types.Point{X: irisX, Y: 0.4}
	return face
}

func oneFace(noseX, irisX float64) *types.DetectionResult {
	return &types.DetectionResult{
		Faces:       []types.FaceLandmarks{mesh(noseX, irisX)},
		Blendshapes: []types.BlendshapeSet{{}},
	}
}

func twoFaces() *types.DetectionResult {
	return &types.DetectionResult{Faces: []types.FaceLandmarks{mesh(0.5, 0.5), mesh(0.5, 0.5)}}
}

func newTestController(det *fakeDetector, src *fakeSource, log *alertLog, opts ...Option) (*Controller, *ManualClock) {
	clock := NewManualClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(det, src, log.record, opts...), clock
}

// --- throttler ---

func TestThrottler_PerKindCooldown(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var log alertLog
	th := NewThrottler(DefaultCooldown, clock, log.record)

	assert.True(t, th.Emit(KindGaze, "away"))
	clock.Advance(1000 * time.Millisecond)
	assert.False(t, th.Emit(KindGaze, "away"))
	assert.Len(t, log.kinds(), 1)

	clock.Set(time.Unix(0, 0).Add(5001 * time.Millisecond))
	assert.True(t, th.Emit(KindGaze, "away"))
	assert.Len(t, log.kinds(), 2)
}

func TestThrottler_ExactCooldownIsSuppressed(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	th := NewThrottler(DefaultCooldown, clock, nil)

	th.Emit(KindNoFace, "x")
	clock.Advance(DefaultCooldown)
	assert.False(t, th.Emit(KindNoFace, "x"))
}

func TestThrottler_KindsAreIndependent(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var log alertLog
	th := NewThrottler(DefaultCooldown, clock, log.record)

	assert.True(t, th.Emit(KindGaze, "a"))
	assert.True(t, th.Emit(KindHeadPose, "b"))
	assert.Equal(t, []string{KindGaze, KindHeadPose}, log.kinds())

	ts, ok := th.LastFired(KindHeadPose)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), ts)
}

func TestThrottler_ForwardsTimestamp(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewManualClock(start)
	var got types.Alert
	th := NewThrottler(time.Second, clock, func(a types.Alert) { got = a })

	th.Emit(KindMultiFace, "two people")
	assert.Equal(t, types.Alert{Kind: KindMultiFace, Message: "two people", Timestamp: start}, got)
}

// --- tick ---

func TestTick_DeduplicatesByTimestamp(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.5, 0.5)}
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	src.set(40 * time.Millisecond)
	c.Tick()
	c.Tick()
	assert.Equal(t, int32(1), det.calls.Load())

	src.set(80 * time.Millisecond)
	c.Tick()
	assert.Equal(t, int32(2), det.calls.Load())

	st := c.Status()
	assert.Equal(t, uint64(2), st.FramesAnalyzed)
	assert.Equal(t, uint64(1), st.FramesSkipped)
}

func TestTick_SourceNotReadySkips(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.5, 0.5)}
	var log alertLog
	c, _ := newTestController(det, &fakeSource{}, &log)

	c.Tick()
	assert.Equal(t, int32(0), det.calls.Load())
	assert.Equal(t, types.TrackingInitializing, c.Status().Tracking)
}

func TestTick_DetectorNotReadyLeavesStateAlone(t *testing.T) {
	det := &fakeDetector{} // nil result, nil error
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	src.set(time.Millisecond)
	c.Tick()
	assert.Equal(t, int32(1), det.calls.Load())
	assert.Equal(t, types.TrackingInitializing, c.Status().Tracking)
	assert.Empty(t, log.kinds())

	// Same frame again: still at most one detect call.
	c.Tick()
	assert.Equal(t, int32(1), det.calls.Load())
}

func TestTick_SingleFaceMonitoring(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.53, 0.42)} // turned left, iris far to one side
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	src.set(time.Millisecond)
	c.Tick()

	st := c.Status()
	assert.Equal(t, types.TrackingMonitoring, st.Tracking)
	assert.Equal(t, types.HeadTurnedLeft, st.HeadPose)
	assert.Equal(t, types.GazeLookingAway, st.Gaze)
	assert.Equal(t, types.EmotionNeutral, st.Emotion)
	assert.ElementsMatch(t, []string{KindHeadPose, KindGaze}, log.kinds())
	assert.Equal(t, "ALERT: Head turned left", log.alerts[0].Message)
}

func TestTick_CenteredFocusedRaisesNothing(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.5, 0.5)}
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	src.set(time.Millisecond)
	c.Tick()

	st := c.Status()
	assert.Equal(t, types.HeadCentered, st.HeadPose)
	assert.Equal(t, types.GazeFocused, st.Gaze)
	assert.Empty(t, log.kinds())
}

func TestTick_NoFaceClearsStatuses(t *testing.T) {
	prior := []*types.DetectionResult{nil, oneFace(0.53, 0.42), twoFaces()}

	for _, p := range prior {
		det := &fakeDetector{}
		src := &fakeSource{}
		var log alertLog
		c, _ := newTestController(det, src, &log)

		if p != nil {
			det.returns(p, nil)
			src.set(time.Millisecond)
			c.Tick()
		}

		det.returns(&types.DetectionResult{}, nil)
		src.set(2 * time.Millisecond)
		c.Tick()

		st := c.Status()
		assert.Equal(t, types.TrackingNoFace, st.Tracking)
		assert.Equal(t, types.Cleared, st.HeadPose.String())
		assert.Equal(t, types.Cleared, st.Gaze.String())
		assert.Equal(t, types.Cleared, st.Emotion.String())
		assert.Contains(t, log.kinds(), KindNoFace)
	}
}

func TestTick_MultipleFacesKeepsStatuses(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.53, 0.5)}
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	src.set(time.Millisecond)
	c.Tick()

	det.returns(twoFaces(), nil)
	src.set(2 * time.Millisecond)
	c.Tick()

	st := c.Status()
	assert.Equal(t, types.TrackingMultipleFaces, st.Tracking)
	assert.Equal(t, types.HeadTurnedLeft, st.HeadPose, "sub-statuses are not updated")
	assert.Equal(t, []string{KindHeadPose, KindMultiFace}, log.kinds())
}

func TestTick_DetectErrorTreatedAsNoFace(t *testing.T) {
	det := &fakeDetector{err: errors.New("engine hiccup")}
	src := &fakeSource{}
	var log alertLog
	rec := metrics.New()
	c, _ := newTestController(det, src, &log, WithMetrics(rec))

	src.set(time.Millisecond)
	c.Tick()

	assert.Equal(t, types.TrackingNoFace, c.Status().Tracking)
	assert.Equal(t, []string{KindNoFace}, log.kinds())

	// Next frame recovers.
	det.returns(oneFace(0.5, 0.5), nil)
	src.set(2 * time.Millisecond)
	c.Tick()
	assert.Equal(t, types.TrackingMonitoring, c.Status().Tracking)
}

func TestTick_AlertsAreThrottledAcrossFrames(t *testing.T) {
	det := &fakeDetector{result: &types.DetectionResult{}}
	src := &fakeSource{}
	var log alertLog
	c, clock := newTestController(det, src, &log)

	for i := 1; i <= 10; i++ {
		src.set(time.Duration(i) * 33 * time.Millisecond)
		clock.Advance(33 * time.Millisecond)
		c.Tick()
	}
	assert.Equal(t, []string{KindNoFace}, log.kinds())

	clock.Advance(5 * time.Second)
	src.set(time.Hour)
	c.Tick()
	assert.Equal(t, []string{KindNoFace, KindNoFace}, log.kinds())
}

func TestTick_StatusListener(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.5, 0.5)}
	src := &fakeSource{}
	var log alertLog
	var seen []types.Status
	c, _ := newTestController(det, src, &log, WithStatusListener(func(s types.Status) { seen = append(seen, s) }))

	src.set(time.Millisecond)
	c.Tick()
	c.Tick() // duplicate, no status push

	require.Len(t, seen, 1)
	assert.Equal(t, types.TrackingMonitoring, seen[0].Tracking)
}

func TestTick_CustomThresholds(t *testing.T) {
	th := analysis.DefaultThresholds()
	th.HeadPose.Horizontal = 0.05

	det := &fakeDetector{result: oneFace(0.53, 0.5)}
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log, WithThresholds(th))

	src.set(time.Millisecond)
	c.Tick()
	assert.Equal(t, types.HeadCentered, c.Status().HeadPose)
}

// --- lifecycle ---

func TestStartStop(t *testing.T) {
	det := &fakeDetector{result: oneFace(0.5, 0.5)}
	src := &fakeSource{}
	var log alertLog
	mt := newManualTicker()
	c, _ := newTestController(det, src, &log, WithTicker(mt.ticker))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, types.TrackingReady, c.Status().Tracking)
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	src.set(time.Millisecond)
	mt.ch <- time.Now() // unbuffered: returns once the loop has taken the tick
	require.Eventually(t, func() bool { return det.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.Status().Tracking == types.TrackingMonitoring }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	assert.True(t, mt.stopped.Load())

	// No tick runs after Stop, even when called directly.
	src.set(2 * time.Millisecond)
	c.Tick()
	assert.Equal(t, int32(1), det.calls.Load())

	select {
	case mt.ch <- time.Now():
		t.Fatal("loop still consuming ticks after Stop")
	case <-time.After(20 * time.Millisecond):
	}

	// Teardown is idempotent.
	require.NoError(t, c.Stop())
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, int32(1), det.closes.Load())
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestStart_InitializationFailure(t *testing.T) {
	det := &fakeDetector{initErr: &detector.InitializationError{Err: errors.New("no network")}}
	src := &fakeSource{}
	var log alertLog
	mt := newManualTicker()
	c, _ := newTestController(det, src, &log, WithTicker(mt.ticker))

	err := c.Start(context.Background())
	var initErr *detector.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, types.TrackingNotReady, c.Status().Tracking)

	// Retry succeeds once the detector can load.
	det.initErr = nil
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, types.TrackingReady, c.Status().Tracking)
	require.NoError(t, c.Stop())
}

func TestStop_WithoutStartReleasesOnce(t *testing.T) {
	det := &fakeDetector{}
	src := &fakeSource{}
	var log alertLog
	c, _ := newTestController(det, src, &log)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, int32(1), det.closes.Load())
}

func TestRun_WithRealTicker(t *testing.T) {
	det := &fakeDetector{result: &types.DetectionResult{}}
	src := &fakeSource{}
	var log alertLog
	rec := metrics.New()
	c := New(det, src, log.record, WithInterval(time.Millisecond), WithMetrics(rec))

	src.set(time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Tracking == types.TrackingNoFace }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	// One frame, many ticks: exactly one detection.
	assert.Equal(t, int32(1), det.calls.Load())
	expected := `
# HELP proctor_frames_analyzed_total Frames passed through detection and classification.
# TYPE proctor_frames_analyzed_total counter
proctor_frames_analyzed_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(rec.Registry, strings.NewReader(expected), "proctor_frames_analyzed_total"))
}
