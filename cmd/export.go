package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var exportOutput string

// Report is the YAML document written by export.
type Report struct {
	Session     ReportSession       `yaml:"session"`
	AlertCounts map[string]int      `yaml:"alert_counts"`
	Alerts      []store.AlertRecord `yaml:"alerts"`
}

type ReportSession struct {
	ID             string     `yaml:"id"`
	Label          string     `yaml:"label,omitempty"`
	Source         string     `yaml:"source"`
	StartedAt      time.Time  `yaml:"started_at"`
	EndedAt        *time.Time `yaml:"ended_at,omitempty"`
	Duration       string     `yaml:"duration,omitempty"`
	FramesAnalyzed int64      `yaml:"frames_analyzed"`
	FramesSkipped  int64      `yaml:"frames_skipped"`
	LastState      string     `yaml:"last_state,omitempty"`
}

var exportCmd = &cobra.Command{
	Use:         "export <session_id>",
	Short:       "Export a session and its alerts as a YAML report",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationDB: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runExport(cmd.Context(), args[0], exportOutput)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write the report to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, id, output string) error {
	sess, err := lookupSession(ctx, id)
	if err != nil {
		return err
	}
	alerts, err := DB.GetSessionAlerts(ctx, sess.ID)
	if err != nil {
		utils.ShowError("Failed to load alerts", err, nil)
		return err
	}
	counts, err := DB.AlertCounts(ctx, sess.ID)
	if err != nil {
		utils.ShowError("Failed to count alerts", err, nil)
		return err
	}

	var out io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if err := writeReport(out, buildReport(sess, counts, alerts)); err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintf(os.Stderr, "📄 Report written to %s\n", output)
	}
	return nil
}

func buildReport(sess store.Session, counts map[string]int, alerts []store.AlertRecord) Report {
	r := Report{
		Session: ReportSession{
			ID:             sess.ID,
			Label:          sess.Label,
			Source:         sess.Source,
			StartedAt:      sess.StartedAt.UTC(),
			FramesAnalyzed: sess.FramesAnalyzed,
			FramesSkipped:  sess.FramesSkipped,
			LastState:      sess.FinalTracking,
		},
		AlertCounts: counts,
		Alerts:      alerts,
	}
	if sess.EndedAt != nil {
		ended := sess.EndedAt.UTC()
		r.Session.EndedAt = &ended
		r.Session.Duration = ended.Sub(r.Session.StartedAt).Round(time.Second).String()
	}
	if r.AlertCounts == nil {
		r.AlertCounts = map[string]int{}
	}
	if r.Alerts == nil {
		r.Alerts = []store.AlertRecord{}
	}
	return r
}

func writeReport(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}
