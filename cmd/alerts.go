package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var alertsKind string

var alertsCmd = &cobra.Command{
	Use:         "alerts <session_id>",
	Short:       "Show the alerts raised during a session",
	Long:        "Shows every persisted alert with the behavior status it fired under. The session id may be abbreviated to any unique prefix.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationDB: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAlerts(cmd.Context(), args[0], alertsKind, os.Stdout)
	},
}

func init() {
	alertsCmd.Flags().StringVarP(&alertsKind, "kind", "k", "", "Only show one alert kind (headpose, gaze, noface, multiface)")
	rootCmd.AddCommand(alertsCmd)
}

func lookupSession(ctx context.Context, id string) (store.Session, error) {
	s, err := DB.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("❌ No session matches %q.\n", id)
	}
	return s, err
}

func runAlerts(ctx context.Context, id, kind string, out io.Writer) error {
	sess, err := lookupSession(ctx, id)
	if err != nil {
		return err
	}

	alerts, err := DB.GetSessionAlerts(ctx, sess.ID)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	fmt.Fprintf(out, "🗂️  Session %s (%s) started %s\n", shortID(sess.ID), orDash(sess.Label), sess.StartedAt.Local().Format("2006-01-02 15:04:05"))
	writeAlerts(out, sess, filterAlerts(alerts, kind))
	return nil
}

func filterAlerts(alerts []store.AlertRecord, kind string) []store.AlertRecord {
	if kind == "" {
		return alerts
	}
	var out []store.AlertRecord
	for _, a := range alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func writeAlerts(out io.Writer, sess store.Session, alerts []store.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "✅ No alerts.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "AT\tKIND\tMESSAGE\tSTATE\tHEAD\tGAZE\tEMOTION")
	fmt.Fprintln(w, "--\t----\t-------\t-----\t----\t----\t-------")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			utils.FmtDuration(a.FiredAt.Sub(sess.StartedAt)),
			a.Kind, a.Message, a.Tracking, a.HeadPose, a.Gaze, a.Emotion)
	}
	w.Flush()
}
