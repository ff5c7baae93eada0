package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List persisted monitoring sessions, newest first",
	Annotations: map[string]string{annotationDB: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found in database.")
			return
		}
		writeSessions(os.Stdout, sessions)
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to show (0 for all)")
	rootCmd.AddCommand(sessionsCmd)
}

func writeSessions(out io.Writer, sessions []store.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSOURCE\tSTARTED\tDURATION\tFRAMES\tALERTS\tLAST STATE")
	fmt.Fprintln(w, "--\t-----\t------\t-------\t--------\t------\t------\t----------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(s.ID),
			orDash(s.Label),
			s.Source,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			sessionDuration(s),
			s.FramesAnalyzed,
			s.AlertCount,
			orDash(s.FinalTracking),
		)
	}
	w.Flush()
}

func sessionDuration(s store.Session) string {
	if s.EndedAt == nil {
		return "running"
	}
	return utils.FmtDuration(s.EndedAt.Sub(s.StartedAt).Round(time.Second))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "--"
	}
	return s
}
