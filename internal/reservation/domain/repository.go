package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CloseUpdate moves an active reservation to a terminal status.
type CloseUpdate struct {
	ID                  snowflake.ID
	Status              Status
	ActualCost          *int64
	ReleaseLedgerID     snowflake.ID
	SettledUsageEventID *snowflake.ID
	At                  time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, r *Reservation) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Reservation, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*Reservation, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	// Close reports false when the reservation was no longer active.
	Close(ctx context.Context, db *gorm.DB, upd CloseUpdate) (bool, error)
	// ListExpired returns active reservations of every tenant that expired
	// before the given time, oldest first.
	ListExpired(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Reservation, error)
}
