package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert creates the wallet unless one already exists for its scope key.
	// It reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, w *Wallet) (bool, error)
	FindByScope(ctx context.Context, db *gorm.DB, scopeKey string) (*Wallet, error)
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Wallet, error)
	// LockByID reads the wallet under an exclusive row lock held until the
	// surrounding transaction ends.
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Wallet, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, at time.Time) error
	ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]*Wallet, error)
}
