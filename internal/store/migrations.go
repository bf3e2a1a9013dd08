package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	assets "github.com/haatos/simple-dispatch"
	"github.com/haatos/simple-dispatch/internal/settings"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

func migrationsFor(driver string) (goose.Dialect, string) {
	if driver == settings.DriverPostgres {
		return goose.DialectPostgres, "migrations/postgres"
	}
	return goose.DialectSQLite3, "migrations/sqlite"
}

// RunMigrations applies every pending migration for the given driver.
func RunMigrations(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) error {
	dialect, dir := migrationsFor(driver)
	fsys, err := fs.Sub(assets.MigrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("error creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("error running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}
