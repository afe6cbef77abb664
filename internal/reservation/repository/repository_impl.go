package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() reservationdomain.Repository {
	return &repo{}
}

const selectReservation = `SELECT id, tenant_id, wallet_id, user_id, feature_key, idempotency_key, estimated_cost,
 actual_cost, status, expires_at, reserve_ledger_id, release_ledger_id, settled_usage_event_id, closed_at,
 created_at, updated_at
 FROM reservations`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, res *reservationdomain.Reservation) error {
	return pkgdb.TranslateError(db.WithContext(ctx).Create(res).Error)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*reservationdomain.Reservation, error) {
	var res reservationdomain.Reservation
	err := db.WithContext(ctx).Raw(selectReservation+` WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&res).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if res.ID == 0 {
		return nil, nil
	}
	return &res, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*reservationdomain.Reservation, error) {
	var res reservationdomain.Reservation
	err := db.WithContext(ctx).Raw(selectReservation+` WHERE tenant_id = ? AND idempotency_key = ? LIMIT 1`, tenantID, key).Scan(&res).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if res.ID == 0 {
		return nil, nil
	}
	return &res, nil
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*reservationdomain.Reservation, error) {
	var res reservationdomain.Reservation
	result := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&res)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgdb.TranslateError(result.Error)
	}
	return &res, nil
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, upd reservationdomain.CloseUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE reservations
		 SET status = ?, actual_cost = ?, release_ledger_id = ?, settled_usage_event_id = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		upd.Status,
		upd.ActualCost,
		upd.ReleaseLedgerID,
		upd.SettledUsageEventID,
		upd.At,
		upd.At,
		upd.ID,
		reservationdomain.StatusActive,
	)
	if result.Error != nil {
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*reservationdomain.Reservation, error) {
	var items []*reservationdomain.Reservation
	err := db.WithContext(ctx).Raw(
		selectReservation+` WHERE status = ? AND expires_at < ? ORDER BY expires_at ASC, id ASC LIMIT ?`,
		reservationdomain.StatusActive,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}
