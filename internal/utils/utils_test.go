package utils

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpeg_BackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte{}, scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames split incorrectly: %X", got)
	}
}

func TestNewFFmpegCaptureCmd(t *testing.T) {
	cmd := NewFFmpegCaptureCmd(context.Background(), CaptureOptions{
		Input:  "/dev/video0",
		Format: "v4l2",
		FPS:    15,
		Width:  320,
		Height: 240,
	})
	args := strings.Join(cmd.Args, " ")

	for _, want := range []string{"-f v4l2", "-i /dev/video0", "-vf fps=15,scale=320:240", "-vcodec mjpeg -"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected args to contain %q, got %q", want, args)
		}
	}
	if strings.Contains(args, "-re") {
		t.Errorf("Did not expect -re for a device input: %q", args)
	}

	file := NewFFmpegCaptureCmd(context.Background(), CaptureOptions{Input: "interview.mp4", Realtime: true})
	fileArgs := strings.Join(file.Args, " ")
	if !strings.Contains(fileArgs, "-re -i interview.mp4") {
		t.Errorf("Expected realtime file input, got %q", fileArgs)
	}
	if strings.Contains(fileArgs, "-vf") {
		t.Errorf("Did not expect a filter without fps/size, got %q", fileArgs)
	}
}

func TestFmtDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{65 * time.Second, "00:01:05"},
		{3661 * time.Second, "01:01:01"},
	}

	for _, tt := range tests {
		if got := FmtDuration(tt.d); got != tt.want {
			t.Errorf("FmtDuration(%v) = %v, want %v", tt.d, got, tt.want)
		}
	}
}
