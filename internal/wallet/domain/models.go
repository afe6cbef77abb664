package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// Wallet caches the balance of a tenant, or of one user inside a tenant.
// The ledger is authoritative; these columns are only ever written together
// with a ledger row.
type Wallet struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	UserID              *snowflake.ID `json:"user_id,omitempty"`
	ScopeKey            string        `gorm:"not null;uniqueIndex" json:"-"`
	Currency            string        `gorm:"not null" json:"currency"`
	Status              Status        `gorm:"not null;default:active" json:"status"`
	CurrentBalance      int64         `gorm:"not null;default:0" json:"current_balance"`
	ReservedBalance     int64         `gorm:"not null;default:0" json:"reserved_balance"`
	LowBalanceThreshold int64         `gorm:"not null;default:0" json:"low_balance_threshold"`
	OverdraftLimit      int64         `gorm:"not null;default:0" json:"overdraft_limit"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// ScopeKey is unique per (tenant, user). A tenant-level wallet uses user 0,
// so a NULL user id can never produce a second wallet.
func ScopeKey(tenantID snowflake.ID, userID *snowflake.ID) string {
	var user int64
	if userID != nil {
		user = userID.Int64()
	}
	return fmt.Sprintf("%d:%d", tenantID.Int64(), user)
}

// Available is what a debit or reservation may still consume.
func (w *Wallet) Available() int64 {
	return w.CurrentBalance - w.ReservedBalance + w.OverdraftLimit
}

func (w *Wallet) IsLowBalance() bool {
	return w.LowBalanceThreshold > 0 && w.CurrentBalance-w.ReservedBalance <= w.LowBalanceThreshold
}

func (w *Wallet) IsActive() bool { return w.Status == StatusActive }

func (w *Wallet) Balance() Balance {
	return Balance{
		WalletID:        w.ID,
		TenantID:        w.TenantID,
		UserID:          w.UserID,
		CurrentBalance:  w.CurrentBalance,
		ReservedBalance: w.ReservedBalance,
		Available:       w.Available(),
		Currency:        w.Currency,
		Status:          w.Status,
		LowBalance:      w.IsLowBalance(),
	}
}

// Balance is the read-only snapshot handed to collaborators.
type Balance struct {
	WalletID        snowflake.ID  `json:"wallet_id"`
	TenantID        snowflake.ID  `json:"tenant_id"`
	UserID          *snowflake.ID `json:"user_id,omitempty"`
	CurrentBalance  int64         `json:"current_balance"`
	ReservedBalance int64         `json:"reserved_balance"`
	Available       int64         `json:"available"`
	Currency        string        `json:"currency"`
	Status          Status        `json:"status"`
	LowBalance      bool          `json:"low_balance"`
}

// CanTransition reports whether a wallet may move from one status to another.
// Closed is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusSuspended || to == StatusClosed
	case StatusSuspended:
		return to == StatusActive || to == StatusClosed
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusActive, StatusSuspended, StatusClosed:
		return Status(raw), true
	}
	return "", false
}
