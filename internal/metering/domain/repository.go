package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Claim identifies one processing attempt. Transitions out of pending are
// conditioned on it so a stale attempt can never finish an event that was
// re-claimed by a newer one.
type Claim struct {
	EventID    snowflake.ID
	RetryCount int
}

type ChargedUpdate struct {
	Claim
	WalletID            snowflake.ID
	LedgerTransactionID snowflake.ID
	Items               datatypes.JSON
	TotalCost           int64
	Currency            string
	At                  time.Time
}

type ReconcileQuery struct {
	Since   time.Time
	Until   time.Time
	AfterID snowflake.ID
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, e *UsageEvent) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*UsageEvent, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*UsageEvent, error)
	// Reclaim takes over a pending event whose previous claim went stale,
	// bumping retry_count. It reports false when another attempt won.
	Reclaim(ctx context.Context, db *gorm.DB, claim Claim, at time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, db *gorm.DB, claim Claim, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, claim Claim, reason string, at time.Time) (bool, error)
	MarkCharged(ctx context.Context, db *gorm.DB, upd ChargedUpdate) (bool, error)
	Void(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) (bool, error)
	// ListReconcilable returns charged standard events in the window that
	// have no adjustment yet, across tenants, ordered by id. An adjustment
	// that failed does not hide its event, so sweeps keep reporting it.
	ListReconcilable(ctx context.Context, db *gorm.DB, q ReconcileQuery) ([]*UsageEvent, error)
}
