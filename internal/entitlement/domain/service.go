package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CheckRequest struct {
	FeatureKey     string          `json:"feature_key"`
	Quantity       decimal.Decimal `json:"quantity"`
	At             time.Time       `json:"at"`
	ExcludeEventID snowflake.ID    `json:"-"`
}

type UpsertRequest struct {
	Global        bool                `json:"global"`
	FeatureKey    string              `json:"feature_key"`
	Enabled       bool                `json:"enabled"`
	MonthlyQuota  decimal.NullDecimal `json:"monthly_quota"`
	DailyQuota    decimal.NullDecimal `json:"daily_quota"`
	AllowOverages bool                `json:"allow_overages"`
	OverageRate   decimal.NullDecimal `json:"overage_rate"`
}

type Service interface {
	// CheckAndReserveQuota evaluates the tenant in ctx. A non-allowed
	// decision is returned together with ErrQuotaExceeded or
	// ErrFeatureDisabled.
	CheckAndReserveQuota(ctx context.Context, req CheckRequest) (*Decision, error)
	// CheckTx is CheckAndReserveQuota reading through db.
	CheckTx(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, req CheckRequest) (*Decision, error)
	Upsert(ctx context.Context, req UpsertRequest) (*FeatureEntitlement, error)
	Get(ctx context.Context, featureKey string) (*FeatureEntitlement, error)
	Usage(ctx context.Context, featureKey string, at time.Time) (*UsageSummary, error)
}

var (
	ErrQuotaExceeded       = errors.New("quota_exceeded")
	ErrFeatureDisabled     = errors.New("feature_disabled")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidQuota        = errors.New("invalid_quota")
	ErrInvalidTenant       = errors.New("invalid_tenant")
)
