package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, w *walletdomain.Wallet) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "scope_key"}}, DoNothing: true}).
		Create(w)
	if result.Error != nil {
		if pkgdb.IsUniqueViolation(result.Error) {
			return false, nil
		}
		return false, pkgdb.TranslateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByScope(ctx context.Context, db *gorm.DB, scopeKey string) (*walletdomain.Wallet, error) {
	var w walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, user_id, scope_key, currency, status, current_balance, reserved_balance,
		 low_balance_threshold, overdraft_limit, created_at, updated_at
		 FROM wallets WHERE scope_key = ?`,
		scopeKey,
	).Scan(&w).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*walletdomain.Wallet, error) {
	var w walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, user_id, scope_key, currency, status, current_balance, reserved_balance,
		 low_balance_threshold, overdraft_limit, created_at, updated_at
		 FROM wallets WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&w).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*walletdomain.Wallet, error) {
	var w walletdomain.Wallet
	result := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&w)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgdb.TranslateError(result.Error)
	}
	return &w, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status walletdomain.Status, at time.Time) error {
	return pkgdb.TranslateError(db.WithContext(ctx).Exec(
		`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		at,
		id,
	).Error)
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]*walletdomain.Wallet, error) {
	var items []*walletdomain.Wallet
	err := db.WithContext(ctx).
		Model(&walletdomain.Wallet{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}
