package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/spf13/cobra"
)

var initConfigForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a config file with every default spelled out",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := "proctor.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !initConfigForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("✅ Wrote %s\n", path)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().BoolVarP(&initConfigForce, "force", "f", false, "Overwrite an existing file")
	rootCmd.AddCommand(initConfigCmd)
}
