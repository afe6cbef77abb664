// Package testutil opens an isolated in-memory database with the full
// schema for service tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	"github.com/railzwaylabs/credits/internal/migration"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the default instant of the fixed test clock.
var Epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type Env struct {
	DB    *gorm.DB
	Node  *snowflake.Node
	Log   *zap.Logger
	Clock *clock.Fixed
	Cfg   config.Config
}

// New returns an Env backed by a private database. Every test gets its own
// file name so shared-cache connections never see another test's rows.
func New(t testing.TB) *Env {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// One connection serializes writers the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &Env{
		DB:    conn,
		Node:  node,
		Log:   zap.NewNop(),
		Clock: &clock.Fixed{At: Epoch},
		Cfg:   Config(),
	}
}

// Config is a valid configuration with test-friendly defaults.
func Config() config.Config {
	return config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"},
		Metering: config.MeteringConfig{
			MaxRetryCount:   3,
			InflightWindow:  30 * time.Second,
			QuotaTimezone:   "UTC",
			DefaultCurrency: "CREDIT",
		},
		Reservation:    config.ReservationConfig{DefaultTTL: 15 * time.Minute, SweepBatch: 10},
		Reconciliation: config.ReconciliationConfig{Enabled: true, Lookback: 24 * time.Hour, Batch: 10},
		Ledger:         config.LedgerConfig{PageSizeMax: 100},
	}
}

// Tenant returns a fresh tenant id and a context carrying it.
func (e *Env) Tenant() (snowflake.ID, context.Context) {
	id := e.Node.Generate()
	return id, tenantcontext.WithTenantID(context.Background(), id)
}
