package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestScopeKeyTreatsNilUserAsTenantWallet(t *testing.T) {
	user := snowflake.ID(0)
	assert.Equal(t, ScopeKey(9, nil), ScopeKey(9, &user))
	other := snowflake.ID(3)
	assert.NotEqual(t, ScopeKey(9, nil), ScopeKey(9, &other))
}

func TestWalletAvailableAndLowBalance(t *testing.T) {
	w := &Wallet{CurrentBalance: 100, ReservedBalance: 30, OverdraftLimit: 20, LowBalanceThreshold: 70}
	assert.Equal(t, int64(90), w.Available())
	assert.True(t, w.IsLowBalance())

	w.LowBalanceThreshold = 0
	assert.False(t, w.IsLowBalance())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusSuspended, true},
		{StatusActive, StatusClosed, true},
		{StatusSuspended, StatusActive, true},
		{StatusSuspended, StatusClosed, true},
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusSuspended, false},
		{StatusClosed, StatusClosed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
