package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetYes        bool
	resetRecordings string
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Sessions, Alerts, Recordings)",
	Long:        "Drops all persisted sessions and alerts. With --recordings, also deletes *.jsonl recordings in that directory.",
	Annotations: map[string]string{annotationDB: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		reader := bufio.NewReader(os.Stdin)

		if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("🗑️  Clearing Database...")
			if err := DB.Reset(cmd.Context()); err != nil {
				utils.Die("Failed to reset database", err, nil)
			}
		}

		if resetRecordings != "" {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete all recordings in %s?", resetRecordings)) {
				fmt.Println("🗑️  Clearing Recordings...")
				n := removeRecordings(resetRecordings)
				fmt.Printf("   removed %d files\n", n)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringVar(&resetRecordings, "recordings", "", "Also delete *.jsonl recordings in this directory")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeRecordings(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to list %s: %v\n", dir, err)
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
			continue
		}
		removed++
	}
	return removed
}
