package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Annotation values for annotationDB.
const (
	annotationDB = "proctor/db"
	dbRequired   = "required"
	dbOnPersist  = "persist"
)

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the resolved configuration for the running command
	Cfg *config.Config

	cfgFile string
	log     = logrus.NewEntry(logrus.StandardLogger())
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "proctor",
	Short:   "Real-time behavioral monitoring for interview practice",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := setupLogging(Cfg.Log); err != nil {
			return err
		}
		if Cfg.File != "" {
			log.WithField("file", Cfg.File).Debug("config loaded")
		}

		if !needsDB(cmd) {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDB()
	},
}

func needsDB(cmd *cobra.Command) bool {
	switch cmd.Annotations[annotationDB] {
	case dbRequired:
		return true
	case dbOnPersist:
		persist, _ := cmd.Flags().GetBool("persist")
		return persist
	}
	return false
}

func closeDB() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

func setupLogging(c config.Log) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		closeDB()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./proctor.yaml or ~/.config/proctor/proctor.yaml)")
	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string (default: POSTGRES_* env or postgres://localhost:5432/proctor)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}
