package db

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/railzwaylabs/credits/internal/config"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Module = fx.Module("db",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewFromConfig opens the configured database and closes the pool on shutdown.
func NewFromConfig(p Params) (*gorm.DB, error) {
	conn, err := Open(p.Config.Database, p.Config.Observability.TracingEnabled)
	if err != nil {
		return nil, err
	}

	log := p.Log.Named("db")
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			log.Info("closing database pool")
			return sqlDB.Close()
		},
	})
	return conn, nil
}

// Open returns a gorm handle for the postgres or sqlite driver.
func Open(cfg config.DatabaseConfig, tracing bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if tracing {
		if err := conn.Use(otelgorm.NewPlugin()); err != nil {
			return nil, fmt.Errorf("install tracing plugin: %w", err)
		}
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return conn, nil
}

// IsPostgres reports whether the handle talks to postgres.
func IsPostgres(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres"
}
