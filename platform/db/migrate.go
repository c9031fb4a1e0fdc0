// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"io/fs"

	"leadsegments_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending migrations found at the root of fsys.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, log *logger.Logger) error {
	// The *sql.DB borrows connections from pool; closing the pool releases them.
	sqlDB := stdlib.OpenDBFromPool(pool)

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}

	for _, res := range results {
		if log != nil {
			log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "durationMs", res.Duration.Milliseconds())
		}
	}

	return nil
}
