// Command faceenroll runs the face enrollment service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ayusman/faceenroll/internal/config"
	"github.com/ayusman/faceenroll/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// env is filled from .env files, the environment and the global flags.
	env config.Env
	log *logrus.Logger

	envFiles   []string
	logLevel   string
	tuningPath string
	dbPath     string
	pgURL      string
)

var rootCmd = &cobra.Command{
	Use:           "faceenroll",
	Short:         "Biometric face enrollment with head pose gating",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		env = config.FromEnv()

		if cmd.Flags().Changed("log-level") {
			env.Log.Level = logLevel
		}
		if tuningPath != "" {
			env.TuningPath = tuningPath
		}
		if dbPath != "" {
			env.DBPath = dbPath
		}
		if pgURL != "" {
			env.PostgresURL = pgURL
		}

		var err error
		log, err = logging.New(env.Log)
		return err
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default: .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&tuningPath, "tuning", "", "tuning JSON file (default: built-in values)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: ~/.faceenroll/faceenroll.db)")
	rootCmd.PersistentFlags().StringVar(&pgURL, "postgres", "", "PostgreSQL connection string; replaces SQLite when set")

	rootCmd.AddCommand(serveCmd, liveCmd)
}
