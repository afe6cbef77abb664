package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Category      string
	IncludeGlobal bool
	ActiveOnly    bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, p *Price) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Price, error)
	// Resolve returns the tenant row if one applies at `at`, else the global
	// row, preferring the latest effective_from among candidates.
	Resolve(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key Key, at time.Time) (*Price, error)
	// ListScope returns active versions of key in exactly one scope.
	ListScope(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID, key Key) ([]*Price, error)
	CloseAt(ctx context.Context, db *gorm.DB, id snowflake.ID, to time.Time, at time.Time) error
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	List(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID, filter ListFilter) ([]*Price, error)
}
