// Command logkeeper runs the log analysis and backup pipeline, plus
// one-shot operational commands that share its catalog and configuration.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/scheduler"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "logkeeper",
		Short:         "Log triage and backup-integrity pipeline",
		Long:          "logkeeper tails log files, matches them against alerting rules, rotates them under a policy and uploads sealed archives to object storage with verified integrity.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "logkeeper.yaml", "path to configuration file")

	rootCmd.AddCommand(
		newRunCmd(),
		newAnalyzeCmd(),
		newRotateNowCmd(),
		newBackupCmd(),
		newVerifyCmd(),
		newRestoreCmd(),
		newListBackupsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps stable error kinds to process exit codes: configuration
// problems exit 2, I/O problems 3, integrity failures 4, anything else 1.
func exitCode(err error) int {
	switch errkind.Classify(err) {
	case errkind.KindConfig:
		return 2
	case errkind.KindIO:
		return 3
	case errkind.KindIntegrity:
		return 4
	default:
		return 1
	}
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	return cfg, logger, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			logger.Info().Str("version", version).Msg("Starting logkeeper")

			ctx := context.Background()
			sched, err := scheduler.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return sched.Run(ctx)
		},
	}
}
