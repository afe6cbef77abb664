package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// FeatureEntitlement is the quota and overage policy of one feature, either
// for a tenant or as the platform default (TenantID nil). Nil quotas are
// unlimited.
type FeatureEntitlement struct {
	ID            snowflake.ID        `gorm:"primaryKey" json:"id"`
	TenantID      *snowflake.ID       `json:"tenant_id,omitempty"`
	ScopeKey      string              `gorm:"not null;uniqueIndex" json:"-"`
	FeatureKey    string              `gorm:"not null" json:"feature_key"`
	Enabled       bool                `gorm:"not null" json:"enabled"`
	MonthlyQuota  decimal.NullDecimal `gorm:"type:numeric" json:"monthly_quota"`
	DailyQuota    decimal.NullDecimal `gorm:"type:numeric" json:"daily_quota"`
	AllowOverages bool                `gorm:"not null" json:"allow_overages"`
	OverageRate   decimal.NullDecimal `gorm:"type:numeric" json:"overage_rate"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (FeatureEntitlement) TableName() string { return "feature_entitlements" }

func ScopeKey(tenantID *snowflake.ID, featureKey string) string {
	var tenant int64
	if tenantID != nil {
		tenant = tenantID.Int64()
	}
	return fmt.Sprintf("%d:%s", tenant, featureKey)
}

// Outcome of an entitlement check.
type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeQuotaExceeded   Outcome = "quota_exceeded"
	OutcomeFeatureDisabled Outcome = "feature_disabled"
)

// Decision explains an entitlement check. When Overage is positive the
// caller must price that part of the quantity at OverageRate (or at the
// standard price when OverageRate is not set).
type Decision struct {
	Outcome     Outcome             `json:"outcome"`
	Entitlement *FeatureEntitlement `json:"entitlement,omitempty"`
	Quantity    decimal.Decimal     `json:"quantity"`
	InQuota     decimal.Decimal     `json:"in_quota"`
	Overage     decimal.Decimal     `json:"overage"`
	OverageRate decimal.NullDecimal `json:"overage_rate"`
	DailyUsed   decimal.Decimal     `json:"daily_used"`
	MonthlyUsed decimal.Decimal     `json:"monthly_used"`
}

func (d *Decision) HasOverage() bool {
	return d != nil && d.Overage.IsPositive()
}

// OverageFraction is the share of the quantity that falls beyond quota.
func (d *Decision) OverageFraction() decimal.Decimal {
	if !d.HasOverage() || !d.Quantity.IsPositive() {
		return decimal.Zero
	}
	return d.Overage.Div(d.Quantity)
}

type UsageSummary struct {
	FeatureKey   string              `json:"feature_key"`
	DailyUsed    decimal.Decimal     `json:"daily_used"`
	MonthlyUsed  decimal.Decimal     `json:"monthly_used"`
	DailyQuota   decimal.NullDecimal `json:"daily_quota"`
	MonthlyQuota decimal.NullDecimal `json:"monthly_quota"`
	DayStart     time.Time           `json:"day_start"`
	MonthStart   time.Time           `json:"month_start"`
}
