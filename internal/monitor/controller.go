// Package monitor runs the per-session behavioral monitoring loop.
//
// A Controller samples the video source on a fixed cadence, runs detection at
// most once per distinct frame timestamp, classifies the single visible face
// and raises throttled alerts. All loop state (cooldowns, last timestamp) is
// touched only from the loop goroutine; the status snapshot is the one value
// shared with readers and is guarded by a lock.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/metrics"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/video"
	"github.com/sirupsen/logrus"
)

// DefaultInterval approximates a 60Hz display refresh.
const DefaultInterval = 16 * time.Millisecond

// Alert kinds.
const (
	KindHeadPose  = "headpose"
	KindGaze      = "gaze"
	KindNoFace    = "noface"
	KindMultiFace = "multiface"
)

var headPoseMessages = map[types.HeadPose]string{
	types.HeadTurnedLeft:  "ALERT: Head turned left",
	types.HeadTurnedRight: "ALERT: Head turned right",
	types.HeadLookingDown: "ALERT: Looking down",
	types.HeadLookingUp:   "ALERT: Looking up",
}

const (
	gazeMessage      = "ALERT: Looking away from screen"
	noFaceMessage    = "WARNING: No face detected in frame."
	multiFaceMessage = "WARNING: Multiple people detected."
)

var (
	ErrAlreadyStarted = errors.New("monitoring already started")
	ErrStopped        = errors.New("monitoring stopped")
)

// Detector is the landmark engine as seen by the loop.
type Detector interface {
	Initialize(ctx context.Context) error
	// Detect returns (nil, nil) when no data is available this tick.
	Detect(frame types.Frame) (*types.DetectionResult, error)
	Close() error
}

// Controller is one monitoring session.
type Controller struct {
	det      Detector
	src      video.Source
	analyzer *analysis.Analyzer
	onAlert  AlertFunc
	onStatus func(types.Status)

	clock    Clock
	ticker   Ticker
	interval time.Duration
	cooldown time.Duration
	log      *logrus.Entry
	metrics  *metrics.Recorder

	// Loop-owned.
	throttler *Throttler
	lastTS    time.Duration
	hasLast   bool

	mu     sync.RWMutex
	status types.Status

	lifecycle   sync.Mutex
	running     bool
	stopped     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

type Option func(*Controller)

func WithClock(c Clock) Option { return func(m *Controller) { m.clock = c } }

func WithTicker(t Ticker) Option { return func(m *Controller) { m.ticker = t } }

func WithInterval(d time.Duration) Option {
	return func(m *Controller) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithCooldown(d time.Duration) Option { return func(m *Controller) { m.cooldown = d } }

func WithThresholds(t analysis.Thresholds) Option {
	return func(m *Controller) { m.analyzer = analysis.NewAnalyzer(t) }
}

func WithLogger(l *logrus.Entry) Option { return func(m *Controller) { m.log = l } }

func WithMetrics(r *metrics.Recorder) Option { return func(m *Controller) { m.metrics = r } }

// WithStatusListener is called from the loop after every analysed frame. It must not block.
func WithStatusListener(fn func(types.Status)) Option {
	return func(m *Controller) { m.onStatus = fn }
}

// New wires a session. det and src are owned by the Controller from here on:
// Stop closes both.
func New(det Detector, src video.Source, onAlert AlertFunc, opts ...Option) *Controller {
	c := &Controller{
		det:      det,
		src:      src,
		analyzer: analysis.NewAnalyzer(analysis.DefaultThresholds()),
		onAlert:  onAlert,
		clock:    SystemClock{},
		ticker:   systemTicker,
		interval: DefaultInterval,
		cooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.throttler = c.newThrottler()
	c.status = types.Status{Tracking: types.TrackingInitializing}
	return c
}

func (c *Controller) newThrottler() *Throttler {
	t := NewThrottler(c.cooldown, c.clock, c.onAlert)
	t.metrics = c.metrics
	return t
}

// Start initializes the detector and launches the sampling loop.
// On an initialization failure the tracking state becomes NotReady and Start may be called again.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopped.Load() {
		return ErrStopped
	}
	if c.running {
		return ErrAlreadyStarted
	}

	c.setTracking(types.TrackingInitializing)
	if err := c.det.Initialize(ctx); err != nil {
		c.setTracking(types.TrackingNotReady)
		c.log.WithError(err).Warn("detector not ready")
		return err
	}
	c.setTracking(types.TrackingReady)
	c.log.Info("detector ready, monitoring started")

	// Fresh cooldown registry per session.
	c.throttler = c.newThrottler()
	c.hasLast = false

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(loopCtx)
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ticks, stop := c.ticker(c.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			// A tick and a cancellation can be ready together; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			c.Tick()
		}
	}
}

// Stop ends the session. When it returns no further tick will run, and the
// source and detector have been closed exactly once.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	c.stopped.Store(true)
	if c.running {
		c.cancel()
		<-c.done
		c.running = false
	}
	c.lifecycle.Unlock()

	c.releaseOnce.Do(func() {
		c.throttler = nil
		c.releaseErr = errors.Join(c.src.Close(), c.det.Close())
		c.log.Info("monitoring stopped")
	})
	return c.releaseErr
}

// Status returns the latest snapshot. Safe for concurrent use.
func (c *Controller) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Tick runs one sampling step. The loop calls it on every interval; tests call it directly.
func (c *Controller) Tick() {
	if c.stopped.Load() {
		return
	}

	if !c.src.Ready() {
		c.skip(metrics.SkipSourceNotReady)
		return
	}
	frame, ok := c.src.Current()
	if !ok {
		c.skip(metrics.SkipSourceNotReady)
		return
	}
	if c.hasLast && frame.Timestamp == c.lastTS {
		c.skip(metrics.SkipDuplicate)
		return
	}
	// Consumed before detection so a slow or failing detector still runs once per frame.
	c.lastTS = frame.Timestamp
	c.hasLast = true

	began := time.Now()
	res, err := c.det.Detect(frame)
	elapsed := time.Since(began)

	switch {
	case err != nil:
		// No retry: the next frame self-corrects.
		c.metrics.DetectFailed()
		c.log.WithError(err).WithField("frame", frame.Seq).Debug("detection failed, treating as no face")
		res = &types.DetectionResult{}
	case res == nil:
		c.skip(metrics.SkipDetectorNotReady)
		return
	}

	c.metrics.FrameAnalyzed(elapsed)
	c.apply(res)
}

func (c *Controller) skip(reason string) {
	c.metrics.FrameSkipped(reason)
	c.mu.Lock()
	c.status.FramesSkipped++
	c.mu.Unlock()
}

type pendingAlert struct {
	kind, message string
}

// apply turns one detection result into a status update and alerts.
func (c *Controller) apply(res *types.DetectionResult) {
	c.mu.Lock()
	st := c.status
	st.FramesAnalyzed++
	st.UpdatedAt = c.clock.Now()

	var alerts []pendingAlert
	switch n := res.FaceCount(); {
	case n == 0:
		st.Tracking = types.TrackingNoFace
		st.ClearBehavior()
		alerts = append(alerts, pendingAlert{KindNoFace, noFaceMessage})

	case n > 1:
		st.Tracking = types.TrackingMultipleFaces
		alerts = append(alerts, pendingAlert{KindMultiFace, multiFaceMessage})

	default:
		st.Tracking = types.TrackingMonitoring
		r := c.analyzer.Analyze(res)
		st.HeadPose, st.Gaze, st.Emotion = r.HeadPose, r.Gaze, r.Emotion

		if msg, ok := headPoseMessages[r.HeadPose]; ok {
			alerts = append(alerts, pendingAlert{KindHeadPose, msg})
		}
		if r.Gaze == types.GazeLookingAway {
			alerts = append(alerts, pendingAlert{KindGaze, gazeMessage})
		}
	}

	prev := c.status.Tracking
	c.status = st
	c.mu.Unlock()

	if prev != st.Tracking {
		c.metrics.TrackingState(st.Tracking)
		c.log.WithFields(logrus.Fields{"from": prev, "to": st.Tracking}).Debug("tracking state changed")
	}

	for _, a := range alerts {
		c.throttler.Emit(a.kind, a.message)
	}
	if c.onStatus != nil {
		c.onStatus(st)
	}
}

func (c *Controller) setTracking(s types.TrackingState) {
	c.mu.Lock()
	c.status.Tracking = s
	c.status.UpdatedAt = c.clock.Now()
	c.mu.Unlock()
	c.metrics.TrackingState(s)
}
