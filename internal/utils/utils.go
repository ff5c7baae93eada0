package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 PROCTOR ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit. Only used where no cleanup is pending.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Capture ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureOptions describes where frames come from and how they are scaled.
type CaptureOptions struct {
	Input  string // device (/dev/video0) or file path
	Format string // ffmpeg input format (v4l2, avfoundation); empty lets ffmpeg probe
	FPS    int
	Width  int
	Height int
	// Realtime paces file inputs at their native rate (-re) so they behave like a camera.
	Realtime bool
}

// NewFFmpegCaptureCmd creates a decoder pipe that emits MJPEG frames on Stdout.
// -hide_banner and -loglevel error keep the stderr buffer small.
func NewFFmpegCaptureCmd(ctx context.Context, opts CaptureOptions) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if opts.Realtime {
		args = append(args, "-re")
	}
	if opts.Format != "" {
		args = append(args, "-f", opts.Format)
	}
	args = append(args, "-i", opts.Input)

	filter := ""
	if opts.FPS > 0 {
		filter = "fps=" + strconv.Itoa(opts.FPS)
	}
	if opts.Width > 0 && opts.Height > 0 {
		scale := fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height)
		if filter != "" {
			filter += ","
		}
		filter += scale
	}
	if filter != "" {
		args = append(args, "-vf", filter)
	}

	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// FmtDuration renders a duration as HH:MM:SS.
func FmtDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
