package repository

import (
	"context"

	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, e *entitlementdomain.FeatureEntitlement) error {
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "monthly_quota", "daily_quota", "allow_overages", "overage_rate", "updated_at",
			}),
		}).
		Create(e).Error
	return pkgdb.TranslateError(err)
}

func (r *repo) FindByScope(ctx context.Context, db *gorm.DB, scopeKey string) (*entitlementdomain.FeatureEntitlement, error) {
	var e entitlementdomain.FeatureEntitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, scope_key, feature_key, enabled, monthly_quota, daily_quota,
		 allow_overages, overage_rate, created_at, updated_at
		 FROM feature_entitlements WHERE scope_key = ?`,
		scopeKey,
	).Scan(&e).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) Consumed(ctx context.Context, db *gorm.DB, q entitlementdomain.ConsumptionQuery) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) FROM usage_events
		 WHERE tenant_id = ? AND feature_key = ? AND kind = ?
		 AND status NOT IN (?, ?)
		 AND occurred_at >= ? AND occurred_at < ?
		 AND id <> ?`,
		q.TenantID,
		q.FeatureKey,
		"standard",
		"failed",
		"voided",
		q.From,
		q.To,
		q.ExcludeEventID,
	).Row().Scan(&total)
	if err != nil {
		return decimal.Zero, pkgdb.TranslateError(err)
	}
	return total, nil
}
