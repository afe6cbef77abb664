package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Derived from "credits.schema"; shared by every process that migrates the
// same database.
const advisoryLockKey int64 = 0x63726564_73636865

const advisoryLockPoll = 500 * time.Millisecond

type unlockFunc func(ctx context.Context) error

// acquireAdvisoryLock pins one pooled connection and waits on it until the
// session lock is granted or ctx ends. Advisory locks belong to the session,
// so unlock runs on the same connection before it is returned to the pool.
func acquireAdvisoryLock(ctx context.Context, db *sql.DB) (unlockFunc, error) {
	if db == nil {
		return nil, errors.New("advisory lock requires database handle")
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve connection for advisory lock: %w", err)
	}

	ticker := time.NewTicker(advisoryLockPoll)
	defer ticker.Stop()
	for {
		var locked bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&locked); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("acquire advisory lock: %w", err)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, fmt.Errorf("another migration holds the advisory lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	return func(unlockCtx context.Context) error {
		defer conn.Close()
		var released bool
		if err := conn.QueryRowContext(unlockCtx, "SELECT pg_advisory_unlock($1)", advisoryLockKey).Scan(&released); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		if !released {
			return errors.New("advisory lock was not held by this session")
		}
		return nil
	}, nil
}
