package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusCharged Status = "charged"
	StatusVoided  Status = "voided"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCharged || s == StatusVoided || s == StatusFailed
}

type Kind string

const (
	KindStandard   Kind = "standard"
	KindAdjustment Kind = "adjustment"
	KindSettlement Kind = "settlement"
)

// Failure reasons recorded on failed events.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonFeatureDisabled     = "feature_disabled"
	ReasonWalletNotActive     = "wallet_not_active"
	ReasonRetryLimitExceeded  = "retry_limit_exceeded"
)

// UsageItem is one billable component of an event. Items submitted with a
// Cost are pre-priced; the rest are priced from the catalog.
type UsageItem struct {
	Category    string           `json:"category"`
	Provider    string           `json:"provider,omitempty"`
	Model       string           `json:"model,omitempty"`
	Unit        string           `json:"unit"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Cost        *int64           `json:"cost,omitempty"`
	Description string           `json:"description,omitempty"`
	Overage     bool             `json:"overage,omitempty"`
	PriceID     string           `json:"price_id,omitempty"`
}

func (i UsageItem) Priced() bool { return i.Cost != nil }

type UsageEvent struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_tenant_idempotency,priority:1" json:"tenant_id"`
	UserID              *snowflake.ID   `json:"user_id,omitempty"`
	WalletID            *snowflake.ID   `json:"wallet_id,omitempty"`
	FeatureKey          string          `gorm:"not null" json:"feature_key"`
	Kind                Kind            `gorm:"not null" json:"kind"`
	UsageItems          datatypes.JSON  `gorm:"not null" json:"usage_items"`
	Quantity            decimal.Decimal `gorm:"type:numeric;not null" json:"quantity"`
	TotalCost           int64           `gorm:"not null" json:"total_cost"`
	Currency            string          `gorm:"not null" json:"currency"`
	Status              Status          `gorm:"not null" json:"status"`
	FailureReason       string          `gorm:"not null" json:"failure_reason,omitempty"`
	IdempotencyKey      string          `gorm:"not null;uniqueIndex:ux_usage_tenant_idempotency,priority:2" json:"idempotency_key"`
	LedgerTransactionID *snowflake.ID   `json:"ledger_transaction_id,omitempty"`
	ReferenceEventID    *snowflake.ID   `gorm:"index" json:"reference_event_id,omitempty"`
	ReservationID       *snowflake.ID   `json:"reservation_id,omitempty"`
	RetryCount          int             `gorm:"not null" json:"retry_count"`
	ClaimedAt           *time.Time      `json:"claimed_at,omitempty"`
	OccurredAt          time.Time       `gorm:"not null" json:"occurred_at"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

func (e *UsageEvent) Items() ([]UsageItem, error) {
	if len(e.UsageItems) == 0 {
		return nil, nil
	}
	var items []UsageItem
	if err := json.Unmarshal(e.UsageItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func EncodeItems(items []UsageItem) (datatypes.JSON, error) {
	if items == nil {
		items = []UsageItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// TotalCost sums item costs. Unpriced items count as zero.
func TotalCost(items []UsageItem) int64 {
	var total int64
	for _, item := range items {
		if item.Cost != nil {
			total += *item.Cost
		}
	}
	return total
}
