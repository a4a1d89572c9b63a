package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetops/logkeeper/internal/backup"
	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/match"
	"github.com/fleetops/logkeeper/internal/rotate"
	"github.com/fleetops/logkeeper/internal/source"
)

// openManager builds a backup manager against the shared catalog, for the
// one-shot commands.
func openManager(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*backup.Manager, error) {
	store, err := backup.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	catalog, err := backup.NewCatalog(cfg.Backup.CatalogPath)
	if err != nil {
		return nil, err
	}
	ledger, err := backup.NewLedger(cfg.Backup.LedgerPath)
	if err != nil {
		return nil, err
	}

	return backup.NewManager(backup.ManagerConfig{
		Store:       store,
		Catalog:     catalog,
		Ledger:      ledger,
		Prefix:      cfg.Storage.Prefix,
		Compression: cfg.Storage.Compression,
		MaxRetries:  cfg.Backup.MaxRetries,
		InitialWait: cfg.Backup.InitialWait,
		MaxWait:     cfg.Backup.MaxWait,
		Logger:      logger,
	})
}

// parseTime accepts RFC3339 or the log line timestamp layout.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", value)
	if err != nil {
		return time.Time{}, errkind.Newf(errkind.KindConfig, "unrecognized time %q, use RFC3339 or YYYY-MM-DD HH:MM:SS", value)
	}
	return t, nil
}

func newAnalyzeCmd() *cobra.Command {
	var sinceFlag, untilFlag string

	cmd := &cobra.Command{
		Use:   "analyze [file...]",
		Short: "One-shot pattern analysis over log files",
		Long:  "Reads the given files (default: the configured sources) start to finish, evaluates every record against the configured patterns and prints the matches as JSON lines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			since, err := parseTime(sinceFlag)
			if err != nil {
				return err
			}
			until, err := parseTime(untilFlag)
			if err != nil {
				return err
			}

			patterns, err := match.Compile(cfg.Patterns)
			if err != nil {
				return err
			}
			matcher := match.NewMatcher(patterns)

			files := args
			if len(files) == 0 {
				files = cfg.Sources.Files
			}

			enc := json.NewEncoder(os.Stdout)
			readable, matches := 0, 0
			for _, path := range files {
				records, err := source.ReadAll(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
					continue
				}
				readable++

				for _, record := range records {
					if !since.IsZero() && record.Timestamp.Before(since) {
						continue
					}
					if !until.IsZero() && record.Timestamp.After(until) {
						continue
					}
					for _, event := range matcher.Evaluate(record) {
						matches++
						if err := enc.Encode(event); err != nil {
							return err
						}
					}
				}
			}

			if readable == 0 {
				return errkind.Newf(errkind.KindIO, "none of %d files could be read", len(files))
			}
			logger.Info().Int("files", readable).Int("matches", matches).Msg("Analysis complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&sinceFlag, "since", "", "only consider records at or after this time")
	cmd.Flags().StringVar(&untilFlag, "until", "", "only consider records at or before this time")
	return cmd
}

func newRotateNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-now [file...]",
		Short: "Seal files immediately, regardless of thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			manager, err := openManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			policy := rotate.New(rotate.Config{
				MaxSize:    cfg.Rotation.MaxSize,
				MaxAge:     cfg.Rotation.MaxAge,
				ArchiveDir: cfg.Rotation.ArchiveDir,
			}, logger, nil, nil)

			files := args
			if len(files) == 0 {
				files = cfg.Sources.Files
			}

			var firstErr error
			for _, path := range files {
				unit, err := policy.Seal(path)
				if err != nil {
					logger.Failure(err, "Seal failed")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if err := manager.Accept(unit); err != nil {
					logger.WithUnit(unit.ID).Failure(err, "Failed to catalog sealed unit")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Printf("sealed %s -> unit %s (%d bytes)\n", path, unit.ID, unit.SizeBytes)
			}
			return firstErr
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [unit-id...]",
		Short: "Upload and verify pending archive units",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			manager, err := openManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			ids := args
			if len(ids) == 0 {
				for _, unit := range manager.Catalog().Pending() {
					ids = append(ids, unit.ID)
				}
			}
			if len(ids) == 0 {
				fmt.Println("nothing to back up")
				return nil
			}

			var firstErr error
			for _, id := range ids {
				if err := manager.Process(ctx, id); err != nil {
					logger.WithUnit(id).Failure(err, "Backup failed")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Printf("verified %s\n", id)
			}
			return firstErr
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <unit-id>...",
		Short: "Re-check archive units against their remote digests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			manager, err := openManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			var firstErr error
			for _, id := range args {
				if err := manager.Verify(ctx, id); err != nil {
					logger.WithUnit(id).Failure(err, "Verification failed")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Printf("verified %s\n", id)
			}
			return firstErr
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore <unit-id> <destination>",
		Short: "Restore a verified archive unit byte-exact to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			manager, err := openManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if err := manager.RestoreToFile(ctx, args[0], args[1], overwrite); err != nil {
				return err
			}
			fmt.Printf("restored %s -> %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace the destination file if it exists")
	return cmd
}

func newListBackupsCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "list-backups",
		Short: "List archive units and their backup state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			manager, err := openManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if remote {
				entries, err := manager.List(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("no remote objects")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSIZE\tLAST MODIFIED")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\n", e.Key, e.Size, e.LastModified.Format(time.RFC3339))
				}
				return w.Flush()
			}

			units := manager.Catalog().List()
			if len(units) == 0 {
				fmt.Println("no archive units")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tSOURCE\tCREATED\tSIZE\tSTATE\tLOCAL\tREMOTE KEY")
			for _, unit := range units {
				local := "present"
				if unit.LocalDeleted {
					local = "deleted"
				}
				remoteKey := unit.RemoteKey
				if unit.RemoteDeleted {
					remoteKey = "(deleted)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					unit.ID,
					unit.SourceFile,
					unit.CreatedAt.Format(time.RFC3339),
					unit.SizeBytes,
					unit.UploadState,
					local,
					remoteKey,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "list objects in the remote store instead of the catalog")
	return cmd
}
