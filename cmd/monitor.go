package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/detector"
	"github.com/andresmejia3/proctor/internal/metrics"
	"github.com/andresmejia3/proctor/internal/monitor"
	"github.com/andresmejia3/proctor/internal/notify"
	"github.com/andresmejia3/proctor/internal/replay"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/andresmejia3/proctor/internal/video"
	"github.com/andresmejia3/proctor/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// MonitorOptions holds the flags that are not plain config keys.
type MonitorOptions struct {
	RecordPath string
	Persist    bool
	Label      string
	Quiet      bool
}

var monitorOpts MonitorOptions

var monitorCmd = &cobra.Command{
	Use:         "monitor",
	Short:       "Watch a camera or video and raise behavior alerts in real time",
	Annotations: map[string]string{annotationDB: dbOnPersist},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateMonitorFlags(Cfg, monitorOpts); err != nil {
			return err
		}
		return runMonitor(cmd.Context(), Cfg, monitorOpts)
	},
}

func init() {
	f := monitorCmd.Flags()
	f.StringP("input", "i", "", "Camera device (e.g. /dev/video0) or video file")
	f.String("format", "", "ffmpeg input format (v4l2, avfoundation); empty for files")
	f.Int("fps", 15, "Capture frame rate")
	f.Int("width", 320, "Capture width")
	f.Int("height", 240, "Capture height")
	f.String("listen", "", "Serve /ws, /status and /metrics on this address (e.g. :8090)")
	f.Duration("interval", monitor.DefaultInterval, "Frame loop tick interval")
	f.Duration("cooldown", monitor.DefaultCooldown, "Minimum gap between two alerts of the same kind")
	f.String("python", "python3", "Python interpreter for the landmark engine")
	f.String("script", "python/landmarker.py", "Landmark engine script")
	f.String("model", "", "Face landmarker model asset path or URL (defaults to the hosted MediaPipe model)")
	f.Int("max-faces", 3, "Maximum faces the engine reports (must be >= 2)")
	f.Duration("worker-timeout", 2*time.Second, "Per-frame reply budget for the landmark engine")

	f.StringVarP(&monitorOpts.RecordPath, "record", "r", "", "Write every detection result to this JSONL file for later replay")
	f.BoolVarP(&monitorOpts.Persist, "persist", "p", false, "Store the session and its alerts in PostgreSQL")
	f.StringVarP(&monitorOpts.Label, "label", "l", "", "Label for the persisted session")
	f.BoolVarP(&monitorOpts.Quiet, "quiet", "q", false, "Do not print alerts to stdout")

	rootCmd.AddCommand(monitorCmd)
}

// validateMonitorFlags ensures all CLI arguments are valid before starting heavy processes.
func validateMonitorFlags(cfg *config.Config, opts MonitorOptions) error {
	if cfg.Video.Input == "" {
		return errors.New("no input: pass --input or set video.input")
	}
	if cfg.Video.Format == "" {
		info, err := os.Stat(cfg.Video.Input)
		if err != nil {
			return fmt.Errorf("input %q: %w", cfg.Video.Input, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %q is a directory, expected a device or video file", cfg.Video.Input)
		}
	}
	if opts.Label != "" && !opts.Persist {
		return errors.New("--label only applies with --persist")
	}
	if opts.RecordPath != "" {
		if info, err := os.Stat(opts.RecordPath); err == nil && info.IsDir() {
			return fmt.Errorf("record path %q is a directory", opts.RecordPath)
		}
	}
	return nil
}

// isRegularFile reports whether input should be paced like a live camera.
func isRegularFile(input string) bool {
	info, err := os.Stat(input)
	return err == nil && info.Mode().IsRegular()
}

func runMonitor(ctx context.Context, cfg *config.Config, opts MonitorOptions) error {
	sessionID := uuid.NewString()
	sessLog := log.WithField("session", sessionID[:8])
	started := time.Now()

	fmt.Fprintf(os.Stderr, "🎥 Session %s on %s\n", sessionID[:8], cfg.Video.Input)

	// 1. Frame source
	src := video.NewFFmpegSource(utils.CaptureOptions{
		Input:    cfg.Video.Input,
		Format:   cfg.Video.Format,
		FPS:      cfg.Video.FPS,
		Width:    cfg.Video.Width,
		Height:   cfg.Video.Height,
		Realtime: isRegularFile(cfg.Video.Input),
	}, sessLog)
	if err := src.Start(ctx); err != nil {
		utils.ShowError("Failed to start capture", err, nil)
		return err
	}

	// 2. Detector, lazily loaded by the controller
	adapter := detector.NewAdapter(worker.NewLoader(worker.Config{
		Python:       cfg.Detector.Python,
		Script:       cfg.Detector.Script,
		Model:        cfg.Detector.Model,
		MaxFaces:     cfg.Detector.MaxFaces,
		ReadTimeout:  cfg.Detector.ReadTimeout,
		StartTimeout: cfg.Detector.StartTimeout,
		Log:          sessLog,
	}))
	var det monitor.Detector = adapter
	var recorder *replay.Recorder
	if opts.RecordPath != "" {
		var err error
		if recorder, err = replay.NewRecorder(adapter, opts.RecordPath); err != nil {
			src.Close()
			adapter.Close()
			return err
		}
		det = recorder
	}

	// 3. Sinks
	rec := metrics.New()
	var hub *notify.Hub
	if cfg.Server.Listen != "" {
		hub = notify.NewHub(sessLog)
	}

	var persisted *persistedSession
	if opts.Persist {
		if err := DB.CreateSession(ctx, sessionID, cfg.Video.Input, opts.Label, started); err != nil {
			src.Close()
			det.Close()
			return fmt.Errorf("failed to register session: %w", err)
		}
		dbSink := store.NewSessionSink(context.Background(), DB, sessionID, sessLog)
		persisted = &persistedSession{
			id:    sessionID,
			db:    DB,
			sink:  dbSink,
			async: notify.Async(dbSink, 256),
			log:   sessLog,
		}
	}

	counts := make(map[string]int)
	sinks := []notify.Sink{
		notify.NewLogSink(sessLog),
		// Alerts arrive on the loop goroutine only; counts is read after Stop.
		notify.AlertFunc(func(a types.Alert) { counts[a.Kind]++ }),
	}
	if !opts.Quiet {
		sinks = append(sinks, notify.AlertFunc(func(a types.Alert) {
			fmt.Printf("[%s] %s\n", a.Timestamp.Format("15:04:05"), a.Message)
		}))
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if persisted != nil {
		sinks = append(sinks, persisted.async)
	}
	sink := notify.Fanout(sinks...)

	ctrl := monitor.New(det, src, sink.Alert,
		monitor.WithStatusListener(sink.Status),
		monitor.WithInterval(cfg.Monitor.TickInterval),
		monitor.WithCooldown(cfg.Monitor.AlertCooldown),
		monitor.WithThresholds(cfg.Thresholds),
		monitor.WithLogger(sessLog),
		monitor.WithMetrics(rec),
	)

	// 4. Live surface
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	serveErr := make(chan error, 1)
	if hub != nil {
		srv := notify.NewServer(cfg.Server.Listen, hub, ctrl.Status, rec.Handler(), sessLog)
		go func() { serveErr <- srv.Serve(serveCtx) }()
	}

	// 5. Start: loads the model, then runs the loop until interrupted or the input ends
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	if err := startMonitoring(ctx, ctrl, persisted); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "✅ Monitoring Active. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n🛑 Stopping...")
	case <-src.Done():
		if runErr = src.Err(); runErr != nil {
			utils.ShowError("Capture ended unexpectedly", runErr, nil)
		} else {
			fmt.Fprintln(os.Stderr, "🏁 Input ended.")
		}
	case err := <-serveErr:
		runErr = fmt.Errorf("live surface: %w", err)
	}

	if err := ctrl.Stop(); err != nil {
		sessLog.WithError(err).Warn("shutdown reported errors")
	}
	final := ctrl.Status()
	stopServe()
	persisted.finish(final)

	printMonitorSummary(sessionID, time.Since(started), final, counts, recorder, persisted)
	return runErr
}

// sessionEnder is the part of the store that closes a persisted session.
type sessionEnder interface {
	EndSession(ctx context.Context, id string, final types.Status, endedAt time.Time) error
}

// persistedSession ties a session row to the sink writing its alerts.
type persistedSession struct {
	id    string
	db    sessionEnder
	sink  *store.SessionSink
	async *notify.AsyncSink
	log   *logrus.Entry
}

// finish flushes pending alert writes, then stamps the end time and final state.
// A nil session is a no-op.
func (p *persistedSession) finish(final types.Status) {
	if p == nil {
		return
	}
	p.async.Close()
	if err := p.db.EndSession(context.Background(), p.id, final, time.Now()); err != nil {
		p.log.WithError(err).Error("failed to finalize session")
	}
}

type controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() types.Status
}

// startMonitoring starts ctrl. If the detector cannot be loaded, everything is
// released and a persisted session is closed in its NotReady state.
func startMonitoring(ctx context.Context, ctrl controller, persisted *persistedSession) error {
	err := ctrl.Start(ctx)
	if err == nil {
		return nil
	}
	ctrl.Stop()
	persisted.finish(ctrl.Status())

	var initErr *detector.InitializationError
	if errors.As(err, &initErr) {
		utils.ShowError("Landmark engine failed to load", initErr.Err, nil)
	}
	return err
}

func printMonitorSummary(sessionID string, elapsed time.Duration, final types.Status, counts map[string]int, recorder *replay.Recorder, persisted *persistedSession) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SESSION SUMMARY %s\n", sessionID[:8])
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "⏱️  Duration:          %s\n", utils.FmtDuration(elapsed))
	fmt.Fprintf(os.Stderr, "🖼️  Frames Analyzed:   %d (skipped ticks: %d)\n", final.FramesAnalyzed, final.FramesSkipped)
	fmt.Fprintf(os.Stderr, "👁️  Last State:        %s\n", final.Tracking.Label())

	printAlertCounts(counts)

	if recorder != nil {
		fmt.Fprintf(os.Stderr, "💾 Recorded:          %d results\n", recorder.Entries())
	}
	if persisted != nil {
		if n := persisted.sink.Failed(); n > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %d alerts could not be saved\n", n)
		}
		fmt.Fprintf(os.Stderr, "🗄️  Saved as session %s\n", sessionID)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func printAlertCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Fprintf(os.Stderr, "🚨 Alerts:            none\n")
		return
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(os.Stderr, "🚨 %-18s %d\n", k+":", counts[k])
	}
}
