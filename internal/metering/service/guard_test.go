package service_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	meteringservice "github.com/railzwaylabs/credits/internal/metering/service"
	"github.com/railzwaylabs/credits/internal/testutil/stack"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisGuardAcquireRelease(t *testing.T) {
	_, client := newRedis(t)
	guard := meteringservice.NewRedisGuard(client, 0)
	ctx := context.Background()

	release, ok, err := guard.Acquire(ctx, 1, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = guard.Acquire(ctx, 1, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys are per tenant.
	_, ok, err = guard.Acquire(ctx, 2, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	release()
	_, ok, err = guard.Acquire(ctx, 1, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuardReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newRedis(t)
	guard := meteringservice.NewRedisGuard(client, 0)

	release, ok, err := guard.Acquire(context.Background(), 1, "k")
	require.NoError(t, err)
	require.True(t, ok)

	// Another attempt took the key after ours expired.
	require.NoError(t, mr.Set("credits:inflight:1:k", "someone-else"))
	release()

	got, err := mr.Get("credits:inflight:1:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestSubmitUsageRejectedWhileGuardHeld(t *testing.T) {
	_, client := newRedis(t)
	guard := meteringservice.NewRedisGuard(client, 0)
	s := stack.New(t, stack.WithGuard(guard))
	tenantID, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	release, ok, err := guard.Acquire(ctx, tenantID, "guarded")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Metering.SubmitUsage(ctx, chatRequest("guarded", inputTokens(150000)))
	assert.ErrorIs(t, err, meteringdomain.ErrRequestInFlight)

	release()
	res, err := s.Metering.SubmitUsage(ctx, chatRequest("guarded", inputTokens(150000)))
	require.NoError(t, err)
	assert.Equal(t, int64(380), res.Balance.CurrentBalance)

	// A finished key replays even while another caller holds the guard.
	_, ok, err = guard.Acquire(ctx, tenantID, "guarded")
	require.NoError(t, err)
	require.True(t, ok)
	replay, err := s.Metering.SubmitUsage(ctx, chatRequest("guarded", inputTokens(1)))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}

func TestSubmitUsageFailsOpenWhenRedisIsDown(t *testing.T) {
	mr, client := newRedis(t)
	s := stack.New(t, stack.WithGuard(meteringservice.NewRedisGuard(client, 0)))
	_, ctx := s.Tenant()
	s.Fund(t, ctx, 500)
	s.Price(t, "llm", "openai", "gpt-4o", "input_tokens", "0.0008")

	mr.Close()

	res, err := s.Metering.SubmitUsage(ctx, chatRequest("no-redis", inputTokens(150000)))
	require.NoError(t, err)
	assert.Equal(t, int64(380), res.Balance.CurrentBalance)
}
