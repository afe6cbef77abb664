package migration

import (
	"github.com/railzwaylabs/credits/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates on start. Processes other than `migrate` include it only
// when database.run_migrations is set.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		_, err := Run(conn, log.Named("migration"))
		return err
	}),
)

// AutoModule runs Module's migration only when the config asks for it.
var AutoModule = fx.Module("migrations.auto",
	fx.Invoke(func(cfg config.Config, conn *gorm.DB, log *zap.Logger) error {
		if !cfg.Database.RunMigrations {
			return nil
		}
		_, err := Run(conn, log.Named("migration"))
		return err
	}),
)
