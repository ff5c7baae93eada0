package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils" // Using the SafeCommand wrapper
	"github.com/sirupsen/logrus"
)

// Reply status bytes written by the Python side.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxReplySize guards against a corrupt length header allocating gigabytes.
const maxReplySize = 64 * 1024 * 1024

// Config controls how the landmark engine process is launched.
type Config struct {
	Python       string
	Script       string
	Model        string // model asset path or URL, passed through to the engine
	MaxFaces     int
	ReadTimeout  time.Duration // per-frame reply budget
	StartTimeout time.Duration // model load budget (handshake)
	Log          *logrus.Entry
}

// handshakeTS is echoed by the engine's ready reply; real frames are never negative.
const handshakeTS int64 = -1

// PythonLandmarker drives a face-landmark engine running in a Python child process.
//
// Protocol (both directions): [uint32 length][payload], big endian.
// Request payload: [int64 timestamp ms][JPEG bytes].
// Reply payload:   [status byte][int64 timestamp ms][body]; status 0 carries JSON,
// status 1 carries [uint32 len][message]. The timestamp echoes the request.
// The child writes replies on FD 3 so its stdout/stderr stay free for logs.
//
// At most one request is in flight. A reply that misses ReadTimeout is collected
// and discarded before the next frame is sent. Not safe for concurrent use.
type PythonLandmarker struct {
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	streamOnce sync.Once
	readerOnce sync.Once
	replies    chan reply
	stop       chan struct{}
	pipeErr    error // set before replies is closed

	sent     bool
	lastTS   int64
	inflight bool

	closeOnce sync.Once
	closeErr  error
}

type reply struct {
	ts      int64
	status  byte
	payload []byte
}

type handshake struct {
	Ready   bool   `json:"ready"`
	Backend string `json:"backend"`
}

// NewPythonLandmarker starts the engine and blocks until it reports the model is loaded.
func NewPythonLandmarker(ctx context.Context, cfg Config) (*PythonLandmarker, error) {
	args := []string{"-u", cfg.Script, "--max-faces", strconv.Itoa(cfg.MaxFaces)}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("landmark engine failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	lm := &PythonLandmarker{
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}

	// The first reply is the handshake; model download and warm-up happen before it.
	rep, err := lm.await(handshakeTS, cfg.StartTimeout)
	var body []byte
	if err == nil {
		body, err = decodeReply(rep)
	}
	if err == nil {
		var hs handshake
		if jerr := json.Unmarshal(body, &hs); jerr != nil {
			err = fmt.Errorf("malformed handshake: %w", jerr)
		} else if !hs.Ready {
			err = errors.New("engine reported not ready")
		} else if cfg.Log != nil {
			cfg.Log.WithField("backend", hs.Backend).Info("landmark engine ready")
		}
	}
	if err != nil {
		lm.Close()
		if py.Stderr.Len() > 0 {
			return nil, fmt.Errorf("%w\n%s", err, py.Stderr.String())
		}
		return nil, err
	}
	return lm, nil
}

// NewLoader adapts the Python engine to the detector's lazy-load contract.
func NewLoader(cfg Config) detector.Loader {
	return func(ctx context.Context) (detector.Model, error) {
		return NewPythonLandmarker(ctx, cfg)
	}
}

// Detect implements detector.Model.
func (w *PythonLandmarker) Detect(frame types.Frame) (*types.DetectionResult, error) {
	return w.ProcessFrame(frame.Data, frame.TimestampMs())
}

// ProcessFrame sends one JPEG to the engine and decodes the landmarks it returns.
// The engine runs in video mode and needs strictly increasing timestamps, so a
// timestamp at or below the previous one is sent as previous+1.
func (w *PythonLandmarker) ProcessFrame(data []byte, timestampMs int64) (*types.DetectionResult, error) {
	if w.inflight {
		// The previous frame timed out; its reply must be consumed before another request.
		if _, err := w.await(w.lastTS, w.ReadTimeout); err != nil {
			return nil, fmt.Errorf("engine still busy with frame %dms: %w", w.lastTS, err)
		}
		w.inflight = false
	}

	if w.sent && timestampMs <= w.lastTS {
		timestampMs = w.lastTS + 1
	}
	if err := w.send(data, timestampMs); err != nil {
		return nil, err
	}
	w.sent, w.lastTS, w.inflight = true, timestampMs, true

	rep, err := w.await(timestampMs, w.ReadTimeout)
	if err != nil {
		return nil, err
	}
	w.inflight = false

	body, err := decodeReply(rep)
	if err != nil {
		return nil, err
	}
	var res types.DetectionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("malformed detection result: %w", err)
	}
	return &res, nil
}

func (w *PythonLandmarker) send(data []byte, timestampMs int64) error {
	// Protocol: [Length][Timestamp][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(8+len(data))); err != nil {
		return err
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, timestampMs); err != nil {
		return err
	}
	_, err := w.Stdin.Write(data)
	return err
}

func (w *PythonLandmarker) initStreams() {
	w.streamOnce.Do(func() {
		w.replies = make(chan reply, 1)
		w.stop = make(chan struct{})
	})
}

// await returns the reply for timestampMs, dropping replies to older requests.
func (w *PythonLandmarker) await(timestampMs int64, timeout time.Duration) (reply, error) {
	w.initStreams()
	w.readerOnce.Do(func() { go w.readLoop() })

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case rep, ok := <-w.replies:
			if !ok {
				return reply{}, w.pipeErr // This is where we catch an engine crash
			}
			if rep.ts < timestampMs {
				continue
			}
			if rep.ts > timestampMs {
				return reply{}, fmt.Errorf("reply for frame %dms arrived while waiting for %dms", rep.ts, timestampMs)
			}
			return rep, nil
		case <-expired:
			return reply{}, fmt.Errorf("worker read timed out after %s", timeout)
		}
	}
}

// readLoop reads whole replies off the data pipe until it fails. Reads never time
// out here, so a late reply cannot break the length framing.
func (w *PythonLandmarker) readLoop() {
	for {
		rep, err := readReply(w.DataPipe)
		if err != nil {
			w.pipeErr = err
			close(w.replies)
			return
		}
		select {
		case w.replies <- rep:
		case <-w.stop:
			return
		}
	}
}

// readReply reads one framed reply and splits off its status byte and timestamp.
func readReply(r io.Reader) (reply, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return reply{}, fmt.Errorf("landmark engine reply pipe closed: %w", err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen < 9 || respLen > maxReplySize {
		return reply{}, fmt.Errorf("invalid reply length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(r, respBody); err != nil {
		return reply{}, fmt.Errorf("truncated reply: %w", err)
	}

	return reply{
		status:  respBody[0],
		ts:      int64(binary.BigEndian.Uint64(respBody[1:9])),
		payload: respBody[9:],
	}, nil
}

func decodeReply(rep reply) ([]byte, error) {
	switch rep.status {
	case statusOK:
		return rep.payload, nil
	case statusError:
		r := bytes.NewReader(rep.payload)
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: unreadable message: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("python worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown reply status %d", rep.status)
	}
}

// Close shuts the engine down and reaps the process. Safe to call more than once.
func (w *PythonLandmarker) Close() error {
	w.closeOnce.Do(func() {
		w.initStreams()
		close(w.stop)
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.closeErr = w.Cmd.Wait()
		}
	})
	return w.closeErr
}
