package monitor

import (
	"time"

	"github.com/andresmejia3/proctor/internal/metrics"
	"github.com/andresmejia3/proctor/internal/types"
)

// DefaultCooldown is the minimum gap between two alerts of the same kind.
const DefaultCooldown = 5 * time.Second

// AlertFunc receives every alert that survives throttling.
type AlertFunc func(types.Alert)

// Throttler applies a per-kind cooldown to alerts. Different kinds never block each other.
//
// It is owned by the frame loop and is not safe for concurrent use.
type Throttler struct {
	cooldown  time.Duration
	clock     Clock
	lastFired map[string]time.Time
	forward   AlertFunc
	metrics   *metrics.Recorder
}

func NewThrottler(cooldown time.Duration, clock Clock, forward AlertFunc) *Throttler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Throttler{
		cooldown:  cooldown,
		clock:     clock,
		lastFired: make(map[string]time.Time),
		forward:   forward,
	}
}

// Emit forwards the alert unless the same kind fired within the cooldown.
// It reports whether the alert was forwarded.
func (t *Throttler) Emit(kind, message string) bool {
	now := t.clock.Now()
	if last, fired := t.lastFired[kind]; fired && now.Sub(last) <= t.cooldown {
		t.metrics.Alert(kind, false)
		return false
	}

	t.lastFired[kind] = now
	t.metrics.Alert(kind, true)
	if t.forward != nil {
		t.forward(types.Alert{Kind: kind, Message: message, Timestamp: now})
	}
	return true
}

// LastFired returns when kind last fired.
func (t *Throttler) LastFired(kind string) (time.Time, bool) {
	ts, ok := t.lastFired[kind]
	return ts, ok
}
