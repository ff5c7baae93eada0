package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/proctor/internal/replay"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <recording.jsonl>",
	Short: "Re-run a recorded session through the classifiers without a camera or model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		s, err := replay.Load(args[0])
		if err != nil {
			utils.ShowError("Failed to load recording", err, nil)
			return err
		}
		if len(s.Entries) == 0 {
			fmt.Println("❌ Recording is empty.")
			return nil
		}

		bar := progressbar.NewOptions(len(s.Entries),
			progressbar.OptionSetDescription("🔁 Replaying"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)

		start := time.Unix(0, 0).UTC()
		var alerts []types.Alert
		sum, err := replay.Run(cmd.Context(), s, replay.Options{
			Thresholds: Cfg.Thresholds,
			Cooldown:   Cfg.Monitor.AlertCooldown,
			Start:      start,
			Log:        log.WithField("recording", args[0]),
			OnAlert:    func(a types.Alert) { alerts = append(alerts, a) },
			OnFrame:    func(int, int) { bar.Add(1) },
		})
		bar.Finish()
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stderr)
		for _, a := range alerts {
			fmt.Printf("[%s] %s\n", utils.FmtDuration(a.Timestamp.Sub(start)), a.Message)
		}

		fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
		fmt.Fprintf(os.Stderr, "📊 REPLAY SUMMARY\n")
		fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
		fmt.Fprintf(os.Stderr, "⏱️  Recorded Span:     %s\n", utils.FmtDuration(sum.Duration))
		fmt.Fprintf(os.Stderr, "🖼️  Frames Replayed:   %d\n", sum.Frames)
		fmt.Fprintf(os.Stderr, "👁️  Last State:        %s\n", sum.Final.Tracking.Label())
		fmt.Fprintf(os.Stderr, "🙂 Last Behavior:     head %s, gaze %s, emotion %s\n", sum.Final.HeadPose, sum.Final.Gaze, sum.Final.Emotion)
		printAlertCounts(sum.ByKind)
		fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
		return nil
	},
}

func init() {
	replayCmd.Flags().Duration("cooldown", 5*time.Second, "Minimum gap between two alerts of the same kind")
	rootCmd.AddCommand(replayCmd)
}
