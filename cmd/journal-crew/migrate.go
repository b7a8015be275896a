package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/jobs"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	Long:  "Create the jobs table and its indexes in JOURNAL_DATABASE_URL. Safe to run repeatedly.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return err
		}
		setupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)

		if cfg.DatabaseURL == "" {
			return errors.New("JOURNAL_DATABASE_URL is not set")
		}

		store, err := jobs.NewPgStore(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		slog.Info("Schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
