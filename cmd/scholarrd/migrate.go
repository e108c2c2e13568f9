package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scholarr/ingestion/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Storage.DSN, cfg.Storage.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(context.Background(), db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migration complete")
	return nil
}
