package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, TranslateError(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, TranslateError(plain))

	tests := []struct {
		name string
		err  error
	}{
		{"pg lock not available", &pgconn.PgError{Code: "55P03"}},
		{"pg statement canceled", fmt.Errorf("lock wallet: %w", &pgconn.PgError{Code: "57014"})},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateError(tt.err)
			assert.ErrorIs(t, got, ErrLockTimeout)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	already := fmt.Errorf("x: %w", ErrLockTimeout)
	assert.Same(t, already, TranslateError(already))
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm duplicated", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"pg unique", &pgconn.PgError{Code: "23505"}, true},
		{"pg other", &pgconn.PgError{Code: "23503"}, false},
		{"sqlite", errors.New("UNIQUE constraint failed: usage_events.tenant_id, usage_events.idempotency_key"), true},
		{"other", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}
