package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/railzwaylabs/credits/internal/config"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	"github.com/railzwaylabs/credits/internal/testutil"
	"github.com/railzwaylabs/credits/internal/testutil/stack"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokens = pricingdomain.Key{Category: "llm", Provider: "openai", Model: "gpt-4o", Unit: "input_tokens"}

func upsert(t *testing.T, svc pricingdomain.Service, ctx context.Context, global bool, price string, from time.Time) *pricingdomain.Price {
	t.Helper()
	p, err := svc.Upsert(ctx, pricingdomain.UpsertRequest{
		Key:           tokens,
		Global:        global,
		UnitPrice:     decimal.RequireFromString(price),
		Currency:      "credit",
		EffectiveFrom: from,
	})
	require.NoError(t, err)
	return p
}

func TestResolvePrefersTenantOverride(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	_, otherCtx := s.Tenant()
	from := testutil.Epoch.AddDate(0, 0, -1)

	upsert(t, s.Pricing, context.Background(), true, "0.002", from)
	override := upsert(t, s.Pricing, ctx, false, "0.001", from)

	got, err := s.Pricing.Resolve(ctx, pricingdomain.ResolveRequest{Key: tokens, At: testutil.Epoch})
	require.NoError(t, err)
	assert.Equal(t, override.ID, got.PriceID)
	assert.True(t, got.TenantScoped)
	assert.True(t, decimal.RequireFromString("0.001").Equal(got.UnitPrice))
	assert.Equal(t, "CREDIT", got.Currency)

	got, err = s.Pricing.Resolve(otherCtx, pricingdomain.ResolveRequest{Key: tokens, At: testutil.Epoch})
	require.NoError(t, err)
	assert.False(t, got.TenantScoped)
	assert.True(t, decimal.RequireFromString("0.002").Equal(got.UnitPrice))
}

func TestResolveHonorsEffectiveWindows(t *testing.T) {
	s := stack.New(t)
	ctx := context.Background()
	t0 := testutil.Epoch.AddDate(0, 0, -30)
	t1 := testutil.Epoch

	v1 := upsert(t, s.Pricing, ctx, true, "1", t0)
	v2 := upsert(t, s.Pricing, ctx, true, "2", t1)

	tests := []struct {
		name    string
		at      time.Time
		wantID  *pricingdomain.Price
		wantErr error
	}{
		{name: "before first version", at: t0.Add(-time.Second), wantErr: pricingdomain.ErrPriceNotFound},
		{name: "first version", at: t0, wantID: v1},
		{name: "just before cutover", at: t1.Add(-time.Second), wantID: v1},
		{name: "at cutover", at: t1, wantID: v2},
		{name: "open ended", at: t1.AddDate(1, 0, 0), wantID: v2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Pricing.Resolve(ctx, pricingdomain.ResolveRequest{Key: tokens, At: tt.at})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID.ID, got.PriceID)
		})
	}
}

func TestUpsertBackfillIsBoundedByLaterVersion(t *testing.T) {
	s := stack.New(t)
	ctx := context.Background()
	later := testutil.Epoch
	earlier := testutil.Epoch.AddDate(0, 0, -10)

	upsert(t, s.Pricing, ctx, true, "2", later)
	backfill := upsert(t, s.Pricing, ctx, true, "1", earlier)

	require.NotNil(t, backfill.EffectiveTo)
	assert.True(t, later.Equal(*backfill.EffectiveTo))

	_, err := s.Pricing.Upsert(ctx, pricingdomain.UpsertRequest{
		Key:           tokens,
		Global:        true,
		UnitPrice:     decimal.NewFromInt(3),
		Currency:      "CREDIT",
		EffectiveFrom: later,
	})
	assert.ErrorIs(t, err, pricingdomain.ErrDuplicateVersion)
}

func TestUpsertValidation(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()

	tests := []struct {
		name    string
		ctx     context.Context
		req     pricingdomain.UpsertRequest
		wantErr error
	}{
		{
			name:    "missing unit",
			ctx:     ctx,
			req:     pricingdomain.UpsertRequest{Key: pricingdomain.Key{Category: "llm"}, UnitPrice: decimal.NewFromInt(1), Currency: "CREDIT"},
			wantErr: pricingdomain.ErrInvalidPriceKey,
		},
		{
			name:    "negative price",
			ctx:     ctx,
			req:     pricingdomain.UpsertRequest{Key: tokens, UnitPrice: decimal.NewFromInt(-1), Currency: "CREDIT"},
			wantErr: pricingdomain.ErrInvalidUnitPrice,
		},
		{
			name:    "missing currency",
			ctx:     ctx,
			req:     pricingdomain.UpsertRequest{Key: tokens, UnitPrice: decimal.NewFromInt(1)},
			wantErr: pricingdomain.ErrInvalidCurrency,
		},
		{
			name:    "override without tenant",
			ctx:     context.Background(),
			req:     pricingdomain.UpsertRequest{Key: tokens, UnitPrice: decimal.NewFromInt(1), Currency: "CREDIT"},
			wantErr: pricingdomain.ErrInvalidTenant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Pricing.Upsert(tt.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDeactivateFallsBackToGlobal(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	_, otherCtx := s.Tenant()
	from := testutil.Epoch.AddDate(0, 0, -1)

	global := upsert(t, s.Pricing, context.Background(), true, "0.5", from)
	override := upsert(t, s.Pricing, ctx, false, "0.25", from)

	assert.ErrorIs(t, s.Pricing.Deactivate(otherCtx, override.ID), pricingdomain.ErrPriceNotFound)
	require.NoError(t, s.Pricing.Deactivate(ctx, override.ID))

	got, err := s.Pricing.Resolve(ctx, pricingdomain.ResolveRequest{Key: tokens, At: testutil.Epoch})
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.PriceID)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	s := stack.New(t)
	ctx := context.Background()
	seeds := []config.PriceSeed{
		{Category: "LLM", Provider: "openai", Model: "gpt-4o", Unit: "input_tokens", UnitPrice: "0.003", Currency: "CREDIT"},
		{Category: "storage", Unit: "gb_hours", UnitPrice: "1", Currency: "CREDIT"},
	}

	created, err := s.Pricing.SeedDefaults(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = s.Pricing.SeedDefaults(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	got, err := s.Pricing.Resolve(ctx, pricingdomain.ResolveRequest{Key: tokens, At: testutil.Epoch})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.003").Equal(got.UnitPrice))

	_, err = s.Pricing.SeedDefaults(ctx, []config.PriceSeed{{Category: "x", Unit: "y", UnitPrice: "abc"}})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidUnitPrice)
}

func TestListScopes(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	from := testutil.Epoch.AddDate(0, 0, -1)

	upsert(t, s.Pricing, context.Background(), true, "1", from)
	upsert(t, s.Pricing, ctx, false, "2", from)

	own, err := s.Pricing.List(ctx, pricingdomain.ListRequest{})
	require.NoError(t, err)
	assert.Len(t, own, 1)

	all, err := s.Pricing.List(ctx, pricingdomain.ListRequest{IncludeGlobal: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	global, err := s.Pricing.List(context.Background(), pricingdomain.ListRequest{})
	require.NoError(t, err)
	assert.Len(t, global, 1)
}
