package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/atmx/post-trade-engine/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply archive schema migrations",
	Long: `Apply the embedded schema migrations to the configured archive
(DATABASE_URL for PostgreSQL or SQLITE_PATH for SQLite) and exit.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		defer pool.Close()
		if err := store.MigratePool(pool); err != nil {
			return err
		}
		slog.Info("PostgreSQL schema up to date")
	case cfg.Storage.SQLitePath != "":
		// Opening applies the migrations.
		lite, err := store.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer lite.Close()
		slog.Info("SQLite schema up to date", "path", cfg.Storage.SQLitePath)
	default:
		return errors.New("migrate needs DATABASE_URL or SQLITE_PATH")
	}
	return nil
}
