package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Price is one version of a catalog entry. It applies at t when
// EffectiveFrom <= t < EffectiveTo (open-ended if EffectiveTo is nil).
// A nil TenantID marks the platform rate.
type Price struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID      *snowflake.ID   `gorm:"index" json:"tenant_id,omitempty"`
	Category      string          `gorm:"not null" json:"category"`
	Provider      string          `gorm:"not null" json:"provider"`
	Model         string          `gorm:"not null" json:"model"`
	Unit          string          `gorm:"not null" json:"unit"`
	UnitPrice     decimal.Decimal `gorm:"type:numeric;not null" json:"unit_price"`
	Currency      string          `gorm:"not null" json:"currency"`
	EffectiveFrom time.Time       `gorm:"not null" json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	IsActive      bool            `gorm:"not null" json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Price) TableName() string { return "pricing_catalog" }

func (p *Price) Key() Key {
	return Key{Category: p.Category, Provider: p.Provider, Model: p.Model, Unit: p.Unit}
}

// Key identifies a billable usage component.
type Key struct {
	Category string `json:"category"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Unit     string `json:"unit"`
}

func (k Key) Normalize() Key {
	return Key{
		Category: strings.ToLower(strings.TrimSpace(k.Category)),
		Provider: strings.ToLower(strings.TrimSpace(k.Provider)),
		Model:    strings.ToLower(strings.TrimSpace(k.Model)),
		Unit:     strings.ToLower(strings.TrimSpace(k.Unit)),
	}
}

func (k Key) Valid() bool {
	return k.Category != "" && k.Unit != ""
}

func (k Key) String() string {
	return k.Category + "/" + k.Provider + "/" + k.Model + "/" + k.Unit
}

// Resolved is the rate chosen for one key at one instant.
type Resolved struct {
	PriceID       snowflake.ID    `json:"price_id"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Currency      string          `json:"currency"`
	TenantScoped  bool            `json:"tenant_scoped"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

// Cost converts quantity x unit price into whole credits, rounding half away
// from zero.
func Cost(quantity, unitPrice decimal.Decimal) int64 {
	return quantity.Mul(unitPrice).Round(0).IntPart()
}
