package db

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var ErrLockTimeout = errors.New("lock_timeout")

const (
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
	pgUniqueViolation  = "23505"
)

// TranslateError maps driver contention errors to ErrLockTimeout and leaves
// everything else untouched.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if IsLockTimeout(err) && !errors.Is(err, ErrLockTimeout) {
		return errors.Join(ErrLockTimeout, err)
	}
	return err
}

func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable || pgErr.Code == pgQueryCanceled
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SetLockTimeout bounds how long a transaction waits for row locks. It only
// applies to postgres; sqlite serializes writers on its own.
func SetLockTimeout(tx *gorm.DB, timeout time.Duration) error {
	if timeout <= 0 || !IsPostgres(tx) {
		return nil
	}
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return tx.Exec("SELECT set_config('lock_timeout', ?, true)", strconv.FormatInt(ms, 10)+"ms").Error
}
