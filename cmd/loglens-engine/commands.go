package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/loglens/internal/ingest"
	"github.com/miradorstack/loglens/internal/store"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Parse log files and append them to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, logFile, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var total ingest.Stats
			saved := 0
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				res, err := rt.service.Ingest(ctx, f)
				f.Close()
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				saved += res.Saved
				total.Full += res.Stats.Full
				total.Short += res.Stats.Short
				total.Fallback += res.Stats.Fallback
				total.Skipped += res.Stats.Skipped
				logger.Info("file ingested", slog.String("path", path), slog.Int("saved", res.Saved))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d records (%d full, %d short, %d fallback, %d skipped)\n",
				saved, total.Full, total.Short, total.Fallback, total.Skipped)
			return nil
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, logger, logFile, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			version, err := store.NewMigrator(st.DB(), st.Dialect()).Version(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			logger.Info("schema up to date", slog.String("driver", st.Dialect()), slog.Int("version", version))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, st.Dialect())
			return nil
		},
	}
}
