// Package notify delivers monitoring alerts and status snapshots to the host:
// plain callbacks, structured logs, a websocket hub and the HTTP surface that serves it.
package notify

import (
	"sync"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/sirupsen/logrus"
)

// Sink receives alerts that survived throttling and status snapshots after
// every analysed frame. Both are called from the frame loop and must not block;
// wrap slow sinks with Async.
type Sink interface {
	Alert(types.Alert)
	Status(types.Status)
}

// MessageFunc adapts a host callback that only wants the alert text.
type MessageFunc func(message string)

func (f MessageFunc) Alert(a types.Alert) { f(a.Message) }
func (MessageFunc) Status(types.Status)   {}

// AlertFunc adapts a callback that wants the whole alert.
type AlertFunc func(types.Alert)

func (f AlertFunc) Alert(a types.Alert) { f(a) }
func (AlertFunc) Status(types.Status)   {}

type fanout []Sink

// Fanout delivers to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) Alert(a types.Alert) {
	for _, s := range f {
		s.Alert(a)
	}
}

func (f fanout) Status(st types.Status) {
	for _, s := range f {
		s.Status(st)
	}
}

// LogSink writes alerts as warnings and tracking transitions as info.
type LogSink struct {
	Log *logrus.Entry

	mu   sync.Mutex
	last types.TrackingState
}

func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{Log: log}
}

func (l *LogSink) Alert(a types.Alert) {
	l.Log.WithFields(logrus.Fields{
		"kind": a.Kind,
		"at":   a.Timestamp.Format("15:04:05.000"),
	}).Warn(a.Message)
}

func (l *LogSink) Status(st types.Status) {
	l.mu.Lock()
	changed := st.Tracking != l.last
	l.last = st.Tracking
	l.mu.Unlock()
	if !changed {
		return
	}
	l.Log.WithFields(logrus.Fields{
		"headpose": st.HeadPose.String(),
		"gaze":     st.Gaze.String(),
		"emotion":  st.Emotion.String(),
	}).Info(st.Tracking.Label())
}

type event struct {
	alert  *types.Alert
	status types.Status
}

// AsyncSink moves delivery off the frame loop onto its own goroutine.
// When the buffer is full status snapshots are dropped; alerts are never dropped.
type AsyncSink struct {
	next   Sink
	events chan event
	done   chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

func Async(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 128
	}
	a := &AsyncSink{
		next:   next,
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for ev := range a.events {
		if ev.alert != nil {
			a.next.Alert(*ev.alert)
		} else {
			a.next.Status(ev.status)
		}
	}
}

func (a *AsyncSink) Alert(al types.Alert) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	a.events <- event{alert: &al}
}

func (a *AsyncSink) Status(st types.Status) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- event{status: st}:
	default:
	}
}

// Close stops accepting events and waits until everything queued has been delivered.
func (a *AsyncSink) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	<-a.done
}
