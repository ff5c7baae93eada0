package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <session_id> <label>",
	Short:       "Attach a label to a persisted session",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{annotationDB: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id, label string) error {
	sess, err := lookupSession(ctx, id)
	if err != nil {
		return err
	}

	if err := DB.LabelSession(ctx, sess.ID, label); err != nil {
		utils.ShowError("Failed to label session", err, nil)
		return err
	}

	fmt.Printf("✅ Session %s labeled as '%s'\n", shortID(sess.ID), label)
	return nil
}
