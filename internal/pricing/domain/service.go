package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/config"
	"github.com/shopspring/decimal"
)

type ResolveRequest struct {
	Key Key       `json:"key"`
	At  time.Time `json:"at"`
}

type UpsertRequest struct {
	Key
	// Global writes a platform rate instead of an override for the tenant
	// in ctx.
	Global        bool            `json:"global"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Currency      string          `json:"currency"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

type ListRequest struct {
	Category      string `json:"category"`
	IncludeGlobal bool   `json:"include_global"`
	ActiveOnly    bool   `json:"active_only"`
}

type Service interface {
	Resolve(ctx context.Context, req ResolveRequest) (*Resolved, error)
	Upsert(ctx context.Context, req UpsertRequest) (*Price, error)
	List(ctx context.Context, req ListRequest) ([]*Price, error)
	Deactivate(ctx context.Context, id snowflake.ID) error
	SeedDefaults(ctx context.Context, seeds []config.PriceSeed) (int, error)
}

var (
	ErrPriceNotFound    = errors.New("price_not_found")
	ErrInvalidPriceKey  = errors.New("invalid_price_key")
	ErrInvalidUnitPrice = errors.New("invalid_unit_price")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrDuplicateVersion = errors.New("duplicate_price_version")
	ErrInvalidEffective = errors.New("invalid_effective_from")
)
