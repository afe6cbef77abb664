package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SubmitRequest struct {
	UserID     *snowflake.ID `json:"user_id,omitempty"`
	FeatureKey string        `json:"feature_key"`
	Items      []UsageItem   `json:"items"`
	// Quantity is the amount counted against quota. Defaults to 1.
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Currency       string           `json:"currency,omitempty"`
}

// AdjustmentRequest charges a signed delta against the wallet of Original.
// A positive delta debits more, a negative delta credits back.
type AdjustmentRequest struct {
	Original       *UsageEvent
	Delta          int64
	Items          []UsageItem
	IdempotencyKey string
}

// SettlementCharge is the final charge of a reservation, written inside the
// reservation's wallet transaction.
type SettlementCharge struct {
	Wallet         *walletdomain.Wallet
	UserID         *snowflake.ID
	FeatureKey     string
	ReservationID  snowflake.ID
	Cost           int64
	IdempotencyKey string
	At             time.Time
}

// ReconcileSuffix marks the adjustment key reconciliation books for an
// event. Caller keys may not end with it.
const ReconcileSuffix = "-recon"

func ReconcileKey(eventID snowflake.ID) string { return eventID.String() + ReconcileSuffix }

type UsageEventResult struct {
	Event    *UsageEvent           `json:"event"`
	Items    []UsageItem           `json:"items"`
	Balance  *walletdomain.Balance `json:"balance,omitempty"`
	Replayed bool                  `json:"replayed"`
}

type Service interface {
	SubmitUsage(ctx context.Context, req SubmitRequest) (*UsageEventResult, error)
	SubmitAdjustment(ctx context.Context, req AdjustmentRequest) (*UsageEventResult, error)
	VoidUsage(ctx context.Context, usageEventID snowflake.ID) (*UsageEvent, error)
	GetUsageEvent(ctx context.Context, idempotencyKey string) (*UsageEvent, error)
	GetUsageEventByID(ctx context.Context, id snowflake.ID) (*UsageEvent, error)
	// PriceItems prices unpriced items for the tenant in ctx at `at`.
	PriceItems(ctx context.Context, items []UsageItem, at time.Time) ([]UsageItem, string, error)
	// ChargeSettlementTx records a charged settlement event and its debit in
	// tx against an already locked wallet. The reservation was admitted when
	// it was taken, so no entitlement check runs here.
	ChargeSettlementTx(ctx context.Context, tx *gorm.DB, req SettlementCharge) (*UsageEvent, *ledgerdomain.LedgerTransaction, error)
}

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrInvalidFeatureKey     = errors.New("invalid_feature_key")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidItems          = errors.New("invalid_usage_items")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrUsageEventNotFound    = errors.New("usage_event_not_found")
	ErrRequestInFlight       = errors.New("request_in_flight")
	ErrRetryLimitExceeded    = errors.New("retry_limit_exceeded")
	ErrInvalidTransition     = errors.New("invalid_usage_event_transition")
	ErrEventNotCharged       = errors.New("usage_event_not_charged")
	ErrEventFailed           = errors.New("usage_event_failed")
	ErrInsufficientBalance   = ledgerdomain.ErrInsufficientBalance
	ErrCurrencyMismatch      = walletdomain.ErrCurrencyMismatch
)
