// Package replay records detection results from a live session and plays them
// back through the monitoring loop without a camera or a landmark model.
//
// A recording is JSON Lines, one Entry per analysed frame, in frame order.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/monitor"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/video"
)

const maxLine = 16 * 1024 * 1024

// Entry is one recorded detection.
type Entry struct {
	Seq         uint64                 `json:"seq"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Result      *types.DetectionResult `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Recorder wraps a detector and appends every result it produces to a file.
// Ticks where the detector had nothing (nil, nil) are not recorded.
type Recorder struct {
	next monitor.Detector

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	n    int
	err  error
	once sync.Once
}

func NewRecorder(next monitor.Detector, path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Recorder{next: next, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (r *Recorder) Initialize(ctx context.Context) error {
	return r.next.Initialize(ctx)
}

func (r *Recorder) Detect(frame types.Frame) (*types.DetectionResult, error) {
	res, err := r.next.Detect(frame)
	if res == nil && err == nil {
		return nil, nil
	}

	e := Entry{Seq: frame.Seq, TimestampMs: frame.TimestampMs(), Result: res}
	if err != nil {
		e.Result = nil
		e.Error = err.Error()
	}

	r.mu.Lock()
	if r.err == nil {
		if r.err = r.enc.Encode(e); r.err == nil {
			r.n++
		}
	}
	r.mu.Unlock()

	return res, err
}

// Entries returns how many results have been written so far.
func (r *Recorder) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close closes the wrapped detector, then flushes and closes the file.
func (r *Recorder) Close() error {
	var errs []error
	r.once.Do(func() {
		errs = append(errs, r.next.Close())

		r.mu.Lock()
		defer r.mu.Unlock()
		errs = append(errs, r.err, r.w.Flush(), r.f.Close())
	})
	return errors.Join(errs...)
}

// Session is a loaded recording.
type Session struct {
	Path    string
	Entries []Entry
}

// Load reads a recording from disk.
func Load(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Read parses JSON Lines. Blank lines are skipped; anything else that does not parse is an error.
func Read(r io.Reader) (*Session, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	s := &Session{}
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(s.Entries); n > 0 && e.TimestampMs < s.Entries[n-1].TimestampMs {
			return nil, fmt.Errorf("line %d: timestamp %dms goes backwards", line, e.TimestampMs)
		}
		s.Entries = append(s.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Duration is the span between the first and last recorded frame.
func (s *Session) Duration() time.Duration {
	if len(s.Entries) < 2 {
		return 0
	}
	first, last := s.Entries[0].TimestampMs, s.Entries[len(s.Entries)-1].TimestampMs
	return time.Duration(last-first) * time.Millisecond
}

// Player serves a Session as both the frame source and the detector.
// Each Next publishes one recorded frame; Detect answers with its recorded result.
type Player struct {
	video.Slot

	mu      sync.Mutex
	entries []Entry
	next    int
	byTS    map[time.Duration]Entry
}

func NewPlayer(s *Session) *Player {
	return &Player{entries: s.Entries, byTS: make(map[time.Duration]Entry, len(s.Entries))}
}

// Next publishes the following entry. It returns video.ErrSourceEnded once the recording is exhausted.
func (p *Player) Next() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.entries) {
		return Entry{}, video.ErrSourceEnded
	}
	e := p.entries[p.next]
	p.next++

	frame := p.Publish(nil, time.Duration(e.TimestampMs)*time.Millisecond)
	p.byTS[frame.Timestamp] = e
	return e, nil
}

func (p *Player) Initialize(ctx context.Context) error { return ctx.Err() }

func (p *Player) Detect(frame types.Frame) (*types.DetectionResult, error) {
	p.mu.Lock()
	e, ok := p.byTS[frame.Timestamp]
	delete(p.byTS, frame.Timestamp)
	p.mu.Unlock()

	switch {
	case !ok:
		return nil, nil
	case e.Error != "":
		return nil, errors.New(e.Error)
	case e.Result == nil:
		return &types.DetectionResult{}, nil
	default:
		return e.Result, nil
	}
}
