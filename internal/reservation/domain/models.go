package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusSettled  Status = "settled"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Reservation holds EstimatedCost against a wallet's reserved balance until
// it is settled, released or expired.
type Reservation struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID  `gorm:"not null;uniqueIndex:ux_reservations_tenant_idempotency,priority:1" json:"tenant_id"`
	WalletID            snowflake.ID  `gorm:"not null" json:"wallet_id"`
	UserID              *snowflake.ID `json:"user_id,omitempty"`
	FeatureKey          string        `gorm:"not null" json:"feature_key"`
	IdempotencyKey      string        `gorm:"not null;uniqueIndex:ux_reservations_tenant_idempotency,priority:2" json:"idempotency_key"`
	EstimatedCost       int64         `gorm:"not null" json:"estimated_cost"`
	ActualCost          *int64        `json:"actual_cost,omitempty"`
	Status              Status        `gorm:"not null;index:ix_reservations_expiry,priority:1" json:"status"`
	ExpiresAt           time.Time     `gorm:"not null;index:ix_reservations_expiry,priority:2" json:"expires_at"`
	ReserveLedgerID     *snowflake.ID `json:"reserve_ledger_id,omitempty"`
	ReleaseLedgerID     *snowflake.ID `json:"release_ledger_id,omitempty"`
	SettledUsageEventID *snowflake.ID `json:"settled_usage_event_id,omitempty"`
	ClosedAt            *time.Time    `json:"closed_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (Reservation) TableName() string { return "reservations" }

func (r *Reservation) IsActive() bool { return r.Status == StatusActive }
