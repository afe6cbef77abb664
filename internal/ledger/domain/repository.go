package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	Since *time.Time
	Until *time.Time
	Types []TransactionType
}

type Repository interface {
	// Apply validates op, moves the wallet row from the snapshot values to
	// the new ones and appends the ledger row. The snapshot in op.Wallet is
	// advanced on success so several operations can chain in one
	// transaction.
	Apply(ctx context.Context, db *gorm.DB, op ChargeOperation, id snowflake.ID, at time.Time) (*LedgerTransaction, error)
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*LedgerTransaction, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*LedgerTransaction, error)
	List(ctx context.Context, db *gorm.DB, walletID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*LedgerTransaction, error)
	ListAll(ctx context.Context, db *gorm.DB, walletID snowflake.ID, filter ListFilter) ([]*LedgerTransaction, error)
	Fold(ctx context.Context, db *gorm.DB, walletID snowflake.ID) (Fold, error)
}
