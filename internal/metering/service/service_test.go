package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	"github.com/railzwaylabs/credits/internal/testutil"
	"github.com/railzwaylabs/credits/internal/testutil/stack"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputTokens(qty int64) meteringdomain.UsageItem {
	return meteringdomain.UsageItem{
		Category: "llm",
		Provider: "openai",
		Model:    "gpt-4o",
		Unit:     "input_tokens",
		Quantity: decimal.NewFromInt(qty),
	}
}

func chatRequest(key string, items ...meteringdomain.UsageItem) meteringdomain.SubmitRequest {
	return meteringdomain.SubmitRequest{
		FeatureKey:     "chat",
		Items:          items,
		IdempotencyKey: key,
		OccurredAt:     testutil.Epoch,
	}
}

func ledgerRows(t *testing.T, s *stack.Stack, tenantID snowflake.ID) []*ledgerdomain.LedgerTransaction {
	t.Helper()
	var rows []*ledgerdomain.LedgerTransaction
	require.NoError(t, s.DB.Where("tenant_id = ?", tenantID).Order("created_at ASC, id ASC").Find(&rows).Error)
	return rows
}

func pendingEvent(t *testing.T, s *stack.Stack, tenantID snowflake.ID, key string, retries int, claimedAt *time.Time) *meteringdomain.UsageEvent {
	t.Helper()
	items, err := meteringdomain.EncodeItems([]meteringdomain.UsageItem{inputTokens(150000)})
	require.NoError(t, err)
	ev := &meteringdomain.UsageEvent{
		ID:             s.Node.Generate(),
		TenantID:       tenantID,
		FeatureKey:     "chat",
		Kind:           meteringdomain.KindStandard,
		UsageItems:     items,
		Quantity:       decimal.NewFromInt(1),
		Status:         meteringdomain.StatusPending,
		IdempotencyKey: key,
		RetryCount:     retries,
		ClaimedAt:      claimedAt,
		OccurredAt:     testutil.Epoch,
		CreatedAt:      testutil.Epoch,
		UpdatedAt:      testutil.Epoch,
	}
	require.NoError(t, s.EventRepo.Insert(context.Background(), s.DB, ev))
	return ev
}

func TestSubmitUsageChargesAndReplays(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("req-1", inputTokens(150000)))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, meteringdomain.StatusCharged, res.Event.Status)
	assert.Equal(t, int64(120), res.Event.TotalCost)
	require.NotNil(t, res.Balance)
	assert.Equal(t, int64(380), res.Balance.CurrentBalance)
	require.Len(t, res.Items, 1)
	require.NotNil(t, res.Items[0].Cost)
	assert.Equal(t, int64(120), *res.Items[0].Cost)
	assert.NotEmpty(t, res.Items[0].PriceID)

	// Same key, different payload: the first outcome wins.
	replay, err := s.Metering.SubmitUsage(ctx, chatRequest("req-1", inputTokens(999999)))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Event.ID, replay.Event.ID)
	assert.Equal(t, int64(120), replay.Event.TotalCost)
	assert.Equal(t, int64(380), replay.Balance.CurrentBalance)

	rows := ledgerRows(t, s, tenantID)
	require.Len(t, rows, 2)
	debit := rows[1]
	assert.Equal(t, ledgerdomain.TypeDebit, debit.TransactionType)
	assert.Equal(t, int64(-120), debit.Amount)
	assert.Equal(t, "req-1", debit.IdempotencyKey)
	assert.Equal(t, "usage_event", debit.ReferenceType)
	assert.Equal(t, res.Event.ID.String(), debit.ReferenceID)
	require.NotNil(t, res.Event.LedgerTransactionID)
	assert.Equal(t, debit.ID, *res.Event.LedgerTransactionID)

	s.AssertNoDrift(t, ctx)
}

func TestSubmitUsagePrePricedItems(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	cost := int64(42)
	res, err := s.Metering.SubmitUsage(ctx, chatRequest("pre-priced", meteringdomain.UsageItem{
		Category: "tool",
		Unit:     "call",
		Quantity: decimal.NewFromInt(1),
		Cost:     &cost,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Event.TotalCost)
	assert.Equal(t, int64(58), res.Balance.CurrentBalance)
}

func TestSubmitUsageZeroCostStillRecordsDebit(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0")

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("free", inputTokens(10)))
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusCharged, res.Event.Status)
	assert.Equal(t, int64(0), res.Event.TotalCost)

	rows := ledgerRows(t, s, tenantID)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0].Amount)
}

func TestSubmitUsageInsufficientBalanceFailsEvent(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 50)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("too-big", inputTokens(150000)))
	assert.ErrorIs(t, err, meteringdomain.ErrInsufficientBalance)
	require.NotNil(t, res)
	assert.Equal(t, meteringdomain.StatusFailed, res.Event.Status)
	assert.Equal(t, meteringdomain.ReasonInsufficientBalance, res.Event.FailureReason)
	assert.Equal(t, int64(50), res.Balance.CurrentBalance)

	assert.Len(t, ledgerRows(t, s, tenantID), 1)

	stored, err := s.Metering.GetUsageEvent(ctx, "too-big")
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusFailed, stored.Status)

	// The failure is terminal for the key and replays with its cause.
	replay, err := s.Metering.SubmitUsage(ctx, chatRequest("too-big", inputTokens(1)))
	assert.ErrorIs(t, err, meteringdomain.ErrInsufficientBalance)
	require.NotNil(t, replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, meteringdomain.StatusFailed, replay.Event.Status)
	assert.Len(t, ledgerRows(t, s, tenantID), 1)
}

func TestSubmitUsageSuspendedWallet(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	walletID := s.Fund(t, ctx, 500).Balance.WalletID
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")
	_, err := s.Wallets.SetStatus(ctx, walletID, walletdomain.StatusSuspended)
	require.NoError(t, err)

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("suspended", inputTokens(1000)))
	assert.ErrorIs(t, err, walletdomain.ErrWalletNotActive)
	require.NotNil(t, res)
	assert.Equal(t, meteringdomain.ReasonWalletNotActive, res.Event.FailureReason)
}

func TestSubmitUsageMissingPriceLeavesEventPending(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 500)

	_, err := s.Metering.SubmitUsage(ctx, chatRequest("no-price", inputTokens(150000)))
	assert.ErrorIs(t, err, pricingdomain.ErrPriceNotFound)

	stored, err := s.Metering.GetUsageEvent(ctx, "no-price")
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusPending, stored.Status)
	assert.Nil(t, stored.ClaimedAt)

	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")
	res, err := s.Metering.SubmitUsage(ctx, chatRequest("no-price", inputTokens(150000)))
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusCharged, res.Event.Status)
	assert.Equal(t, 1, res.Event.RetryCount)
	assert.Equal(t, int64(380), res.Balance.CurrentBalance)
}

func TestSubmitUsageCurrencyMismatch(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	_, err := s.Wallets.EnsureWallet(ctx, walletdomain.EnsureRequest{Currency: "USD"})
	require.NoError(t, err)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	_, err = s.Metering.SubmitUsage(ctx, chatRequest("usd", inputTokens(1000)))
	assert.ErrorIs(t, err, meteringdomain.ErrCurrencyMismatch)

	stored, err := s.Metering.GetUsageEvent(ctx, "usd")
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusPending, stored.Status)
}

func TestSubmitUsageInFlightAndReclaim(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	claimed := testutil.Epoch
	pendingEvent(t, s, tenantID, "stuck", 0, &claimed)

	_, err := s.Metering.SubmitUsage(ctx, chatRequest("stuck", inputTokens(150000)))
	assert.ErrorIs(t, err, meteringdomain.ErrRequestInFlight)

	s.Clock.Advance(31 * time.Second)
	res, err := s.Metering.SubmitUsage(ctx, chatRequest("stuck", inputTokens(1)))
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusCharged, res.Event.Status)
	assert.Equal(t, 1, res.Event.RetryCount)
	// The stored items are charged, not the retried payload.
	assert.Equal(t, int64(120), res.Event.TotalCost)
}

func TestSubmitUsageRetryLimit(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)

	pendingEvent(t, s, tenantID, "exhausted", s.Cfg.Metering.MaxRetryCount, nil)

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("exhausted", inputTokens(1)))
	assert.ErrorIs(t, err, meteringdomain.ErrRetryLimitExceeded)
	require.NotNil(t, res)
	assert.Equal(t, meteringdomain.StatusFailed, res.Event.Status)
	assert.Equal(t, meteringdomain.ReasonRetryLimitExceeded, res.Event.FailureReason)

	assert.Len(t, ledgerRows(t, s, tenantID), 1)
}

func TestSubmitUsageConcurrentDuplicatesChargeOnce(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Metering.SubmitUsage(ctx, chatRequest("dup", inputTokens(150000)))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, meteringdomain.ErrRequestInFlight)
		}
	}

	rows := ledgerRows(t, s, tenantID)
	debits := 0
	for _, row := range rows {
		if row.IdempotencyKey == "dup" {
			debits++
		}
	}
	assert.Equal(t, 1, debits)
	assert.Equal(t, int64(380), s.Balance(t, ctx).CurrentBalance)
	s.AssertNoDrift(t, ctx)
}

func TestConcurrentChargesAndReservationsNeverOverdraw(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	walletID := s.Fund(t, ctx, 500).Balance.WalletID
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	const (
		callers     = 20
		chargeCost  = 120
		reserveCost = 70
	)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		charged  int
		reserved int
	)
	record := func(err error, n *int) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			*n++
			return
		}
		assert.ErrorIs(t, err, meteringdomain.ErrInsufficientBalance)
	}
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Metering.SubmitUsage(ctx, chatRequest(fmt.Sprintf("charge-%d", i), inputTokens(150000)))
			record(err, &charged)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{
				FeatureKey:     "voice",
				EstimatedCost:  reserveCost,
				IdempotencyKey: fmt.Sprintf("hold-%d", i),
			})
			record(err, &reserved)
		}(i)
	}
	wg.Wait()

	w, err := s.WalletRepo.FindByID(ctx, s.DB, tenantID, walletID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.GreaterOrEqual(t, w.CurrentBalance-w.ReservedBalance, -w.OverdraftLimit)
	assert.Equal(t, int64(500-charged*chargeCost), w.CurrentBalance)
	assert.Equal(t, int64(reserved*reserveCost), w.ReservedBalance)
	assert.Positive(t, charged+reserved)

	debits := 0
	for _, row := range ledgerRows(t, s, tenantID) {
		if row.TransactionType == ledgerdomain.TypeDebit {
			debits++
		}
	}
	assert.Equal(t, charged, debits)
	s.AssertNoDrift(t, ctx)
}

func TestSubmitUsageQuotaExceeded(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")
	_, err := s.Entitlement.Upsert(ctx, entitlementdomain.UpsertRequest{
		FeatureKey: "chat",
		Enabled:    true,
		DailyQuota: decimal.NewNullDecimal(decimal.NewFromInt(1)),
	})
	require.NoError(t, err)

	_, err = s.Metering.SubmitUsage(ctx, chatRequest("first", inputTokens(1000)))
	require.NoError(t, err)

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("second", inputTokens(1000)))
	assert.ErrorIs(t, err, entitlementdomain.ErrQuotaExceeded)
	require.NotNil(t, res)
	assert.Equal(t, meteringdomain.ReasonQuotaExceeded, res.Event.FailureReason)
	assert.Len(t, ledgerRows(t, s, tenantID), 2)
}

func TestSubmitUsageSplitsOverage(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "storage", "", "", "gb_hours", "1")
	_, err := s.Entitlement.Upsert(ctx, entitlementdomain.UpsertRequest{
		FeatureKey:    "storage",
		Enabled:       true,
		DailyQuota:    decimal.NewNullDecimal(decimal.NewFromInt(10)),
		AllowOverages: true,
		OverageRate:   decimal.NewNullDecimal(decimal.NewFromInt(2)),
	})
	require.NoError(t, err)

	qty := decimal.NewFromInt(12)
	res, err := s.Metering.SubmitUsage(ctx, meteringdomain.SubmitRequest{
		FeatureKey:     "storage",
		Quantity:       &qty,
		IdempotencyKey: "overage",
		OccurredAt:     testutil.Epoch,
		Items: []meteringdomain.UsageItem{{
			Category: "storage",
			Unit:     "gb_hours",
			Quantity: decimal.NewFromInt(12),
		}},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.False(t, res.Items[0].Overage)
	assert.Equal(t, int64(10), *res.Items[0].Cost)
	assert.True(t, res.Items[1].Overage)
	assert.Equal(t, int64(4), *res.Items[1].Cost)
	assert.Equal(t, int64(14), res.Event.TotalCost)
}

func TestSubmitUsageValidation(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	negative := int64(-1)
	negativeQty := decimal.NewFromInt(-1)

	tests := []struct {
		name    string
		ctx     context.Context
		req     meteringdomain.SubmitRequest
		wantErr error
	}{
		{name: "missing tenant", ctx: context.Background(), req: chatRequest("a", inputTokens(1)), wantErr: meteringdomain.ErrInvalidTenant},
		{name: "missing feature", ctx: ctx, req: meteringdomain.SubmitRequest{IdempotencyKey: "a", Items: []meteringdomain.UsageItem{inputTokens(1)}}, wantErr: meteringdomain.ErrInvalidFeatureKey},
		{name: "missing key", ctx: ctx, req: chatRequest(" ", inputTokens(1)), wantErr: meteringdomain.ErrInvalidIdempotencyKey},
		{name: "reserved prefix", ctx: ctx, req: chatRequest("topup:abc", inputTokens(1)), wantErr: meteringdomain.ErrInvalidIdempotencyKey},
		{name: "settlement prefix", ctx: ctx, req: chatRequest("settlement:abc", inputTokens(1)), wantErr: meteringdomain.ErrInvalidIdempotencyKey},
		{name: "reconciliation suffix", ctx: ctx, req: chatRequest("123-recon", inputTokens(1)), wantErr: meteringdomain.ErrInvalidIdempotencyKey},
		{name: "no items", ctx: ctx, req: chatRequest("a"), wantErr: meteringdomain.ErrInvalidItems},
		{name: "negative item quantity", ctx: ctx, req: chatRequest("a", inputTokens(-3)), wantErr: meteringdomain.ErrInvalidItems},
		{name: "negative cost", ctx: ctx, req: chatRequest("a", meteringdomain.UsageItem{Category: "x", Unit: "y", Cost: &negative}), wantErr: meteringdomain.ErrInvalidItems},
		{name: "unpriced item without unit", ctx: ctx, req: chatRequest("a", meteringdomain.UsageItem{Category: "llm"}), wantErr: meteringdomain.ErrInvalidItems},
		{
			name:    "negative quota quantity",
			ctx:     ctx,
			req:     meteringdomain.SubmitRequest{FeatureKey: "chat", IdempotencyKey: "a", Quantity: &negativeQty, Items: []meteringdomain.UsageItem{inputTokens(1)}},
			wantErr: meteringdomain.ErrInvalidQuantity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Metering.SubmitUsage(tt.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVoidUsage(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	pending := pendingEvent(t, s, tenantID, "to-void", 0, nil)
	voided, err := s.Metering.VoidUsage(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusVoided, voided.Status)

	again, err := s.Metering.VoidUsage(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.StatusVoided, again.Status)

	// A voided key is terminal and never charges.
	res, err := s.Metering.SubmitUsage(ctx, chatRequest("to-void", inputTokens(1)))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, meteringdomain.StatusVoided, res.Event.Status)
	assert.Equal(t, int64(500), s.Balance(t, ctx).CurrentBalance)

	charged, err := s.Metering.SubmitUsage(ctx, chatRequest("charged", inputTokens(1000)))
	require.NoError(t, err)
	_, err = s.Metering.VoidUsage(ctx, charged.Event.ID)
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidTransition)

	_, otherCtx := s.Tenant()
	_, err = s.Metering.VoidUsage(otherCtx, pending.ID)
	assert.ErrorIs(t, err, meteringdomain.ErrUsageEventNotFound)
}

func TestSubmitAdjustment(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	orig, err := s.Metering.SubmitUsage(ctx, chatRequest("orig", inputTokens(150000)))
	require.NoError(t, err)

	credit, err := s.Metering.SubmitAdjustment(ctx, meteringdomain.AdjustmentRequest{Original: orig.Event, Delta: -20})
	require.NoError(t, err)
	assert.Equal(t, meteringdomain.KindAdjustment, credit.Event.Kind)
	assert.Equal(t, meteringdomain.ReconcileKey(orig.Event.ID), credit.Event.IdempotencyKey)
	require.NotNil(t, credit.Event.ReferenceEventID)
	assert.Equal(t, orig.Event.ID, *credit.Event.ReferenceEventID)
	assert.Equal(t, int64(400), credit.Balance.CurrentBalance)

	replay, err := s.Metering.SubmitAdjustment(ctx, meteringdomain.AdjustmentRequest{Original: orig.Event, Delta: -20})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	rows := ledgerRows(t, s, tenantID)
	last := rows[len(rows)-1]
	assert.Equal(t, ledgerdomain.TypeAdjustment, last.TransactionType)
	assert.Equal(t, int64(20), last.Amount)

	_, err = s.Metering.SubmitAdjustment(ctx, meteringdomain.AdjustmentRequest{Original: orig.Event})
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidQuantity)

	// Adjustments never count against quota.
	summary, err := s.Entitlement.Usage(ctx, "chat", testutil.Epoch)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(summary.DailyUsed))

	s.AssertNoDrift(t, ctx)
}

func TestPriceItemsNeedsTenant(t *testing.T) {
	s := stack.New(t)
	_, _, err := s.Metering.PriceItems(context.Background(), []meteringdomain.UsageItem{inputTokens(1)}, testutil.Epoch)
	assert.True(t, errors.Is(err, meteringdomain.ErrInvalidTenant))
}
