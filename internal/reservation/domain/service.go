package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
)

type ReserveRequest struct {
	UserID         *snowflake.ID `json:"user_id,omitempty"`
	FeatureKey     string        `json:"feature_key"`
	EstimatedCost  int64         `json:"estimated_cost"`
	IdempotencyKey string        `json:"idempotency_key"`
	// TTL overrides reservation.default_ttl when positive.
	TTL time.Duration `json:"ttl"`
}

type ReserveResult struct {
	Reservation *Reservation          `json:"reservation"`
	Balance     *walletdomain.Balance `json:"balance,omitempty"`
	Replayed    bool                  `json:"replayed"`
}

type SettleResult struct {
	Reservation *Reservation               `json:"reservation"`
	Charge      *meteringdomain.UsageEvent `json:"charge,omitempty"`
	Balance     *walletdomain.Balance      `json:"balance,omitempty"`
	Replayed    bool                       `json:"replayed"`
}

type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	Settle(ctx context.Context, reservationID snowflake.ID, actualCost int64) (*SettleResult, error)
	Release(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	Get(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	// ReleaseExpired releases up to limit active reservations that expired
	// before the given time and returns how many it released.
	ReleaseExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrInvalidEstimate       = errors.New("invalid_estimated_cost")
	ErrInvalidActualCost     = errors.New("invalid_actual_cost")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrReservationClosed     = errors.New("reservation_closed")
	ErrInsufficientBalance   = ledgerdomain.ErrInsufficientBalance
)
