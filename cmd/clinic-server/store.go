package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/config"
	"github.com/hivcare/clinic/internal/domain/scheduling"
	"github.com/hivcare/clinic/internal/platform/db"
	"github.com/hivcare/clinic/internal/platform/gormdb"
	"github.com/hivcare/clinic/migrations"
)

// backend is an opened store together with its health check and cleanup.
type backend struct {
	store  scheduling.Store
	health echo.HandlerFunc
	close  func()
}

func gormConfig(cfg *config.Config) gormdb.Config {
	if cfg.StoreDriver == config.DriverSQLite {
		return gormdb.Config{Dialect: gormdb.DialectSQLite, DSN: cfg.SQLitePath}
	}
	return gormdb.Config{
		Dialect:      gormdb.DialectPostgres,
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: int(cfg.DBMaxConns),
		MaxIdleConns: int(cfg.DBMinConns),
	}
}

// openBackend connects the store selected by STORE_DRIVER. Gorm-backed
// stores always auto-migrate; the pgx store migrates only when asked.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger, autoMigrate bool) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		if autoMigrate {
			n, err := db.NewMigrator(pool, migrations.FS).Up(ctx, db.DefaultSchema)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		return &backend{
			store:  scheduling.NewStorePG(pool),
			health: db.HealthHandler(pool),
			close:  pool.Close,
		}, nil

	case config.DriverGormPostgres, config.DriverSQLite:
		gdb, err := gormdb.Open(gormConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		if err := scheduling.MigrateGorm(gdb); err != nil {
			gormdb.Close(gdb)
			return nil, err
		}
		return &backend{
			store:  scheduling.NewStoreGorm(gdb),
			health: gormdb.HealthHandler(gdb),
			close:  func() { gormdb.Close(gdb) },
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &backend{
			store: scheduling.NewMemoryStore().Store(),
			health: func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "driver": config.DriverMemory})
			},
			close: func() {},
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}
