package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() meteringdomain.Repository {
	return &repo{}
}

const selectEvent = `SELECT id, tenant_id, user_id, wallet_id, feature_key, kind, usage_items, quantity,
 total_cost, currency, status, failure_reason, idempotency_key, ledger_transaction_id,
 reference_event_id, reservation_id, retry_count, claimed_at, occurred_at, created_at, updated_at
 FROM usage_events`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *meteringdomain.UsageEvent) error {
	return pkgdb.TranslateError(db.WithContext(ctx).Create(e).Error)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*meteringdomain.UsageEvent, error) {
	var e meteringdomain.UsageEvent
	err := db.WithContext(ctx).Raw(selectEvent+` WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&e).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*meteringdomain.UsageEvent, error) {
	var e meteringdomain.UsageEvent
	err := db.WithContext(ctx).Raw(selectEvent+` WHERE tenant_id = ? AND idempotency_key = ? LIMIT 1`, tenantID, key).Scan(&e).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) Reclaim(ctx context.Context, db *gorm.DB, claim meteringdomain.Claim, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_events SET claimed_at = ?, retry_count = retry_count + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?`,
		at,
		at,
		claim.EventID,
		meteringdomain.StatusPending,
		claim.RetryCount,
	)
	if result.Error != nil {
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ReleaseClaim(ctx context.Context, db *gorm.DB, claim meteringdomain.Claim, at time.Time) error {
	return pkgdb.TranslateError(db.WithContext(ctx).Exec(
		`UPDATE usage_events SET claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?`,
		at,
		claim.EventID,
		meteringdomain.StatusPending,
		claim.RetryCount,
	).Error)
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, claim meteringdomain.Claim, reason string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_events SET status = ?, failure_reason = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?`,
		meteringdomain.StatusFailed,
		reason,
		at,
		claim.EventID,
		meteringdomain.StatusPending,
		claim.RetryCount,
	)
	if result.Error != nil {
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCharged(ctx context.Context, db *gorm.DB, upd meteringdomain.ChargedUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_events SET status = ?, wallet_id = ?, ledger_transaction_id = ?, usage_items = ?,
		 total_cost = ?, currency = ?, failure_reason = '', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ?`,
		meteringdomain.StatusCharged,
		upd.WalletID,
		upd.LedgerTransactionID,
		upd.Items,
		upd.TotalCost,
		upd.Currency,
		upd.At,
		upd.EventID,
		meteringdomain.StatusPending,
		upd.RetryCount,
	)
	if result.Error != nil {
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Void(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_events SET status = ?, claimed_at = NULL, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		meteringdomain.StatusVoided,
		at,
		tenantID,
		id,
		meteringdomain.StatusPending,
	)
	if result.Error != nil {
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListReconcilable(ctx context.Context, db *gorm.DB, q meteringdomain.ReconcileQuery) ([]*meteringdomain.UsageEvent, error) {
	var items []*meteringdomain.UsageEvent
	err := db.WithContext(ctx).Raw(
		selectEvent+` e
		 WHERE e.status = ? AND e.kind = ? AND e.occurred_at >= ? AND e.occurred_at < ? AND e.id > ?
		 AND NOT EXISTS (
			SELECT 1 FROM usage_events a WHERE a.reference_event_id = e.id AND a.kind = ? AND a.status <> ?
		 )
		 ORDER BY e.id ASC
		 LIMIT ?`,
		meteringdomain.StatusCharged,
		meteringdomain.KindStandard,
		q.Since,
		q.Until,
		q.AfterID,
		meteringdomain.KindAdjustment,
		meteringdomain.StatusFailed,
		q.Limit,
	).Scan(&items).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}
