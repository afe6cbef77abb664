package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ConsumptionQuery struct {
	TenantID   snowflake.ID
	FeatureKey string
	From       time.Time
	To         time.Time
	// ExcludeEventID keeps the event being checked out of its own window.
	ExcludeEventID snowflake.ID
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, e *FeatureEntitlement) error
	FindByScope(ctx context.Context, db *gorm.DB, scopeKey string) (*FeatureEntitlement, error)
	// Consumed sums quantity of standard usage events in the window whose
	// status is neither failed nor voided.
	Consumed(ctx context.Context, db *gorm.DB, q ConsumptionQuery) (decimal.Decimal, error)
}
