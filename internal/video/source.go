// Package video provides frame sources for the monitoring loop.
//
// Sources keep only the latest frame. The loop polls Current() on its own
// cadence, so frames the loop never saw are dropped rather than queued.
package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// Source is what the frame loop reads from.
type Source interface {
	// Ready reports whether a readable frame is available.
	Ready() bool
	// Current returns the most recent frame. ok is false when Ready would be false.
	Current() (types.Frame, bool)
	// Close releases the underlying device or process. Safe to call more than once.
	Close() error
}

// Slot is a single-frame mailbox with strictly increasing timestamps.
// Writers overwrite; readers always see the newest frame.
type Slot struct {
	mu     sync.RWMutex
	frame  types.Frame
	has    bool
	closed bool
}

// Publish stores a frame. A timestamp that does not advance is bumped by 1µs,
// so every published frame is distinguishable from the previous one.
func (s *Slot) Publish(data []byte, at time.Duration) types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.has && at <= s.frame.Timestamp {
		at = s.frame.Timestamp + time.Microsecond
	}
	s.frame = types.Frame{Seq: s.frame.Seq + 1, Timestamp: at, Data: data}
	s.has = true
	return s.frame
}

func (s *Slot) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.has && !s.closed
}

func (s *Slot) Current() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.has || s.closed {
		return types.Frame{}, false
	}
	return s.frame, true
}

// Close marks the slot unreadable.
func (s *Slot) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FFmpegSource captures a camera or file through ffmpeg's MJPEG pipe.
type FFmpegSource struct {
	Slot

	opts utils.CaptureOptions
	log  *logrus.Entry

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func NewFFmpegSource(opts utils.CaptureOptions, log *logrus.Entry) *FFmpegSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FFmpegSource{
		opts: opts,
		log:  log.WithField("input", opts.Input),
		done: make(chan struct{}),
	}
}

// Start launches ffmpeg and begins filling the slot. It returns once the process is running.
func (s *FFmpegSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	ffmpeg := utils.NewFFmpegCaptureCmd(ctx, s.opts)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	s.cancel = cancel

	started := time.Now()
	go func() {
		defer close(s.done)
		defer s.Slot.Close()

		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, megabyte), 16*megabyte)
		scanner.Split(utils.SplitJpeg)

		for scanner.Scan() {
			// The scanner reuses its buffer; the slot needs an owned copy.
			buf := make([]byte, len(scanner.Bytes()))
			copy(buf, scanner.Bytes())
			s.Publish(buf, time.Since(started))
		}

		scanErr := scanner.Err()
		waitErr := ffmpeg.Wait()
		switch {
		case ctx.Err() != nil:
			// Stopped on purpose.
		case scanErr != nil:
			s.err = fmt.Errorf("frame scanner failed: %w", scanErr)
		case waitErr != nil:
			s.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, bytes.TrimSpace(stderrBuf.Bytes()))
		}
		if s.err != nil {
			s.log.WithError(s.err).Warn("capture ended")
		} else {
			s.log.Debug("capture ended")
		}
	}()

	return nil
}

// Done is closed when the capture process has exited (end of file or device loss).
func (s *FFmpegSource) Done() <-chan struct{} { return s.done }

// Err returns why capture ended, or nil for a clean end.
// Only meaningful after Done is closed.
func (s *FFmpegSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops ffmpeg and waits for the reader to drain. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.Slot.Close()
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
	})
	return nil
}

// ErrSourceEnded is reported by sources that ran out of frames.
var ErrSourceEnded = errors.New("video source ended")
