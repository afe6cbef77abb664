package service_test

import (
	"testing"
	"time"

	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	"github.com/railzwaylabs/credits/internal/testutil/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveHoldsAvailability(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	res, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 80, IdempotencyKey: "job-1", FeatureKey: "Render"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, reservationdomain.StatusActive, res.Reservation.Status)
	assert.Equal(t, "render", res.Reservation.FeatureKey)
	assert.Equal(t, int64(100), res.Balance.CurrentBalance)
	assert.Equal(t, int64(80), res.Balance.ReservedBalance)
	assert.Equal(t, int64(20), res.Balance.Available)
	assert.True(t, s.Clock.At.Add(s.Cfg.Reservation.DefaultTTL).Equal(res.Reservation.ExpiresAt))

	_, err = s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 21, IdempotencyKey: "job-2"})
	assert.ErrorIs(t, err, reservationdomain.ErrInsufficientBalance)

	s.AssertNoDrift(t, ctx)
}

func TestReserveReplaysSameKey(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	req := reservationdomain.ReserveRequest{EstimatedCost: 40, IdempotencyKey: "job-1"}
	first, err := s.Reservation.Reserve(ctx, req)
	require.NoError(t, err)
	second, err := s.Reservation.Reserve(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Reservation.ID, second.Reservation.ID)
	assert.Equal(t, int64(40), s.Balance(t, ctx).ReservedBalance)

	row, err := s.LedgerRepo.FindByIdempotencyKey(ctx, s.DB, tenantID, ledgerdomain.ReservationKey("job-1"))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(40), row.ReservedDelta)
	assert.Equal(t, int64(0), row.Amount)
}

func TestReserveValidation(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()

	_, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, reservationdomain.ErrInvalidEstimate)

	_, err = s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 10, IdempotencyKey: " "})
	assert.ErrorIs(t, err, reservationdomain.ErrInvalidIdempotencyKey)
}

func TestSettleReleasesHoldAndChargesActual(t *testing.T) {
	s := stack.New(t)
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 380)

	reserved, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 200, IdempotencyKey: "render-7"})
	require.NoError(t, err)
	assert.Equal(t, int64(180), reserved.Balance.Available)

	settled, err := s.Reservation.Settle(ctx, reserved.Reservation.ID, 150)
	require.NoError(t, err)
	assert.False(t, settled.Replayed)
	assert.Equal(t, reservationdomain.StatusSettled, settled.Reservation.Status)
	require.NotNil(t, settled.Reservation.ActualCost)
	assert.Equal(t, int64(150), *settled.Reservation.ActualCost)
	assert.Equal(t, int64(230), settled.Balance.CurrentBalance)
	assert.Equal(t, int64(0), settled.Balance.ReservedBalance)

	require.NotNil(t, settled.Charge)
	assert.Equal(t, meteringdomain.KindSettlement, settled.Charge.Kind)
	assert.Equal(t, meteringdomain.StatusCharged, settled.Charge.Status)
	assert.Equal(t, ledgerdomain.SettlementKey("render-7"), settled.Charge.IdempotencyKey)

	release, err := s.LedgerRepo.FindByIdempotencyKey(ctx, s.DB, tenantID, ledgerdomain.ReleaseKey("render-7"))
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, int64(-200), release.ReservedDelta)

	debit, err := s.LedgerRepo.FindByIdempotencyKey(ctx, s.DB, tenantID, ledgerdomain.SettlementKey("render-7"))
	require.NoError(t, err)
	require.NotNil(t, debit)
	assert.Equal(t, int64(-150), debit.Amount)

	again, err := s.Reservation.Settle(ctx, reserved.Reservation.ID, 999)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.NotNil(t, again.Charge)
	assert.Equal(t, settled.Charge.ID, again.Charge.ID)
	assert.Equal(t, int64(230), again.Balance.CurrentBalance)

	s.AssertNoDrift(t, ctx)
}

func TestSettleAboveEstimate(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 500)

	reserved, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 100, IdempotencyKey: "k"})
	require.NoError(t, err)

	settled, err := s.Reservation.Settle(ctx, reserved.Reservation.ID, 180)
	require.NoError(t, err)
	assert.Equal(t, int64(320), settled.Balance.CurrentBalance)
	assert.Equal(t, int64(0), settled.Balance.ReservedBalance)
}

func TestSettleUncoveredKeepsReservationActive(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	reserved, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 80, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = s.Reservation.Settle(ctx, reserved.Reservation.ID, 150)
	assert.ErrorIs(t, err, reservationdomain.ErrInsufficientBalance)

	got, err := s.Reservation.Get(ctx, reserved.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusActive, got.Status)

	b := s.Balance(t, ctx)
	assert.Equal(t, int64(100), b.CurrentBalance)
	assert.Equal(t, int64(80), b.ReservedBalance)

	// A covered retry still settles.
	settled, err := s.Reservation.Settle(ctx, reserved.Reservation.ID, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(10), settled.Balance.CurrentBalance)
	s.AssertNoDrift(t, ctx)
}

func TestSettleZeroIsPureRelease(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	reserved, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 60, IdempotencyKey: "k"})
	require.NoError(t, err)

	settled, err := s.Reservation.Settle(ctx, reserved.Reservation.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, settled.Charge)
	assert.Nil(t, settled.Reservation.SettledUsageEventID)
	assert.Equal(t, int64(100), settled.Balance.CurrentBalance)
	assert.Equal(t, int64(0), settled.Balance.ReservedBalance)

	_, err = s.Reservation.Settle(ctx, reserved.Reservation.ID, -1)
	assert.ErrorIs(t, err, reservationdomain.ErrInvalidActualCost)
}

func TestRelease(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	reserved, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 60, IdempotencyKey: "k"})
	require.NoError(t, err)

	released, err := s.Reservation.Release(ctx, reserved.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusReleased, released.Status)
	assert.Equal(t, int64(0), s.Balance(t, ctx).ReservedBalance)

	again, err := s.Reservation.Release(ctx, reserved.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusReleased, again.Status)

	_, err = s.Reservation.Settle(ctx, reserved.Reservation.ID, 10)
	assert.ErrorIs(t, err, reservationdomain.ErrReservationClosed)

	settledRes, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 10, IdempotencyKey: "k2"})
	require.NoError(t, err)
	_, err = s.Reservation.Settle(ctx, settledRes.Reservation.ID, 5)
	require.NoError(t, err)
	_, err = s.Reservation.Release(ctx, settledRes.Reservation.ID)
	assert.ErrorIs(t, err, reservationdomain.ErrReservationClosed)

	_, otherCtx := s.Tenant()
	_, err = s.Reservation.Release(otherCtx, reserved.Reservation.ID)
	assert.ErrorIs(t, err, reservationdomain.ErrReservationNotFound)

	s.AssertNoDrift(t, ctx)
}

func TestReleaseExpired(t *testing.T) {
	s := stack.New(t)
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 100)

	short, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 30, IdempotencyKey: "short", TTL: time.Minute})
	require.NoError(t, err)
	long, err := s.Reservation.Reserve(ctx, reservationdomain.ReserveRequest{EstimatedCost: 20, IdempotencyKey: "long", TTL: time.Hour})
	require.NoError(t, err)

	s.Clock.Advance(2 * time.Minute)
	n, err := s.Reservation.ReleaseExpired(ctx, s.Clock.At, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Reservation.Get(ctx, short.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusExpired, got.Status)
	got, err = s.Reservation.Get(ctx, long.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatusActive, got.Status)
	assert.Equal(t, int64(20), s.Balance(t, ctx).ReservedBalance)

	n, err = s.Reservation.ReleaseExpired(ctx, s.Clock.At, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Reservation.Settle(ctx, short.Reservation.ID, 10)
	assert.ErrorIs(t, err, reservationdomain.ErrReservationClosed)

	s.AssertNoDrift(t, ctx)
}
