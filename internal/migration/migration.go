package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result describes the schema after a migration run.
type Result struct {
	Version  uint
	Checksum string
}

// Models lists every table owned by the service in dependency order.
func Models() []any {
	return []any{
		&walletdomain.Wallet{},
		&ledgerdomain.LedgerTransaction{},
		&pricingdomain.Price{},
		&entitlementdomain.FeatureEntitlement{},
		&meteringdomain.UsageEvent{},
		&reservationdomain.Reservation{},
	}
}

// Run migrates conn. Postgres gets the embedded SQL migrations with their
// constraints and triggers; SQLite, used for tests and local runs, is
// created from the models.
func Run(conn *gorm.DB, log *zap.Logger) (Result, error) {
	if conn == nil {
		return Result{}, errors.New("migration database handle is required")
	}
	if !pkgdb.IsPostgres(conn) {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return Result{}, fmt.Errorf("auto migrate: %w", err)
		}
		log.Info("schema created from models", zap.String("dialect", conn.Dialector.Name()))
		return Result{}, nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return Result{}, err
	}
	res, err := RunMigrations(sqlDB)
	if err != nil {
		return Result{}, err
	}
	log.Info("migrations applied",
		zap.Uint("version", res.Version),
		zap.String("checksum", res.Checksum),
	)
	return res, nil
}

// RunMigrations applies all embedded migrations under an advisory lock and
// verifies the resulting version.
func RunMigrations(db *sql.DB) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	unlock, err := acquireAdvisoryLock(ctx, db)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = unlock(context.Background())
	}()

	latestVersion, err := LatestMigrationVersion()
	if err != nil {
		return Result{}, err
	}
	checksum, err := MigrationsChecksum()
	if err != nil {
		return Result{}, err
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return Result{}, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return Result{}, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "credits_schema_migrations"})
	if err != nil {
		return Result{}, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return Result{}, fmt.Errorf("create migrator: %w", err)
	}

	if _, err := ensureNotDirty(migrator); err != nil {
		return Result{}, err
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{}, fmt.Errorf("apply migrations: %w", err)
	}

	current, err := ensureNotDirty(migrator)
	if err != nil {
		return Result{}, err
	}
	if current != latestVersion {
		return Result{}, fmt.Errorf("schema version mismatch after migrate: got %d want %d", current, latestVersion)
	}
	return Result{Version: current, Checksum: checksum}, nil
}

func ensureNotDirty(migrator *migrate.Migrate) (uint, error) {
	version, dirty, err := migrator.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, nil
		}
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("database migrations are dirty at version %d", version)
	}
	return version, nil
}
