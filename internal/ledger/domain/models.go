package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TypeTopup       TransactionType = "topup"
	TypeDebit       TransactionType = "debit"
	TypeCredit      TransactionType = "credit"
	TypeAdjustment  TransactionType = "adjustment"
	TypeReservation TransactionType = "reservation"
	TypeRelease     TransactionType = "release"
)

// LedgerTransaction is one immutable balance-affecting row. Folding Amount and
// ReservedDelta over a wallet's rows in creation order reproduces the wallet's
// cached balances.
type LedgerTransaction struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID    `gorm:"not null;uniqueIndex:ux_ledger_tenant_idempotency,priority:1" json:"tenant_id"`
	WalletID        snowflake.ID    `gorm:"not null;index:ix_ledger_wallet_created,priority:1" json:"wallet_id"`
	TransactionType TransactionType `gorm:"not null" json:"transaction_type"`
	Amount          int64           `gorm:"not null" json:"amount"`
	BalanceBefore   int64           `gorm:"not null" json:"balance_before"`
	BalanceAfter    int64           `gorm:"not null" json:"balance_after"`
	ReservedDelta   int64           `gorm:"not null" json:"reserved_delta"`
	ReservedBefore  int64           `gorm:"not null" json:"reserved_before"`
	ReservedAfter   int64           `gorm:"not null" json:"reserved_after"`
	IdempotencyKey  string          `gorm:"not null;uniqueIndex:ux_ledger_tenant_idempotency,priority:2" json:"idempotency_key"`
	ReferenceType   string          `gorm:"not null" json:"reference_type,omitempty"`
	ReferenceID     string          `gorm:"not null" json:"reference_id,omitempty"`
	CreatedBy       string          `gorm:"not null" json:"created_by,omitempty"`
	Description     string          `gorm:"not null" json:"description,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;index:ix_ledger_wallet_created,priority:2" json:"created_at"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// Fold is the recomputed balance of a wallet from its ledger rows.
type Fold struct {
	Current  int64 `gorm:"column:current_sum" json:"current"`
	Reserved int64 `gorm:"column:reserved_sum" json:"reserved"`
	Rows     int64 `gorm:"column:row_count" json:"rows"`
}

// DriftReport compares a wallet's cached balance with its ledger fold.
type DriftReport struct {
	WalletID       snowflake.ID `json:"wallet_id"`
	TenantID       snowflake.ID `json:"tenant_id"`
	CachedCurrent  int64        `json:"cached_current"`
	CachedReserved int64        `json:"cached_reserved"`
	LedgerCurrent  int64        `json:"ledger_current"`
	LedgerReserved int64        `json:"ledger_reserved"`
	Rows           int64        `json:"rows"`
	CurrentDrift   int64        `json:"current_drift"`
	ReservedDrift  int64        `json:"reserved_drift"`
	CheckedAt      time.Time    `json:"checked_at"`
}

func (d DriftReport) HasDrift() bool {
	return d.CurrentDrift != 0 || d.ReservedDrift != 0
}
