package replay

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/metrics"
	"github.com/andresmejia3/proctor/internal/monitor"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/video"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Thresholds analysis.Thresholds
	Cooldown   time.Duration
	// Start anchors recorded timestamps to wall time. Defaults to the Unix epoch.
	Start   time.Time
	Log     *logrus.Entry
	Metrics *metrics.Recorder

	OnAlert  func(types.Alert)
	OnStatus func(types.Status)
	// OnFrame is called after each recorded frame has been processed.
	OnFrame func(done, total int)
}

type Summary struct {
	Frames   int
	Duration time.Duration
	Alerts   []types.Alert
	ByKind   map[string]int
	Final    types.Status
}

func never(time.Duration) (<-chan time.Time, func()) { return nil, func() {} }

// Run feeds every entry of s through a monitoring Controller, one tick per
// recorded frame, with cooldowns measured on the recorded timeline.
func Run(ctx context.Context, s *Session, opts Options) (*Summary, error) {
	if opts.Cooldown <= 0 {
		opts.Cooldown = monitor.DefaultCooldown
	}
	if opts.Thresholds == (analysis.Thresholds{}) {
		opts.Thresholds = analysis.DefaultThresholds()
	}
	if opts.Start.IsZero() {
		opts.Start = time.Unix(0, 0).UTC()
	}

	sum := &Summary{Duration: s.Duration(), ByKind: make(map[string]int)}
	clock := monitor.NewManualClock(opts.Start)
	player := NewPlayer(s)

	onAlert := func(a types.Alert) {
		sum.Alerts = append(sum.Alerts, a)
		sum.ByKind[a.Kind]++
		if opts.OnAlert != nil {
			opts.OnAlert(a)
		}
	}

	mopts := []monitor.Option{
		monitor.WithClock(clock),
		monitor.WithTicker(never),
		monitor.WithCooldown(opts.Cooldown),
		monitor.WithThresholds(opts.Thresholds),
		monitor.WithMetrics(opts.Metrics),
	}
	if opts.Log != nil {
		mopts = append(mopts, monitor.WithLogger(opts.Log))
	}
	if opts.OnStatus != nil {
		mopts = append(mopts, monitor.WithStatusListener(opts.OnStatus))
	}

	c := monitor.New(player, player, onAlert, mopts...)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	defer c.Stop()

	total := len(s.Entries)
	for {
		if err := ctx.Err(); err != nil {
			sum.Final = c.Status()
			return sum, err
		}
		e, err := player.Next()
		if errors.Is(err, video.ErrSourceEnded) {
			break
		}
		clock.Set(opts.Start.Add(time.Duration(e.TimestampMs) * time.Millisecond))
		c.Tick()
		sum.Frames++
		if opts.OnFrame != nil {
			opts.OnFrame(sum.Frames, total)
		}
	}

	sum.Final = c.Status()
	return sum, nil
}
