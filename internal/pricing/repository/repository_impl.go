package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() pricingdomain.Repository {
	return &repo{}
}

const selectPrice = `SELECT id, tenant_id, category, provider, model, unit, unit_price, currency,
 effective_from, effective_to, is_active, created_at, updated_at FROM pricing_catalog`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *pricingdomain.Price) error {
	return pkgdb.TranslateError(db.WithContext(ctx).Create(p).Error)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*pricingdomain.Price, error) {
	var p pricingdomain.Price
	err := db.WithContext(ctx).Raw(selectPrice+` WHERE id = ?`, id).Scan(&p).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key pricingdomain.Key, at time.Time) (*pricingdomain.Price, error) {
	var p pricingdomain.Price
	err := db.WithContext(ctx).Raw(
		selectPrice+`
		 WHERE category = ? AND provider = ? AND model = ? AND unit = ?
		 AND is_active = ?
		 AND effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)
		 AND (tenant_id = ? OR tenant_id IS NULL)
		 ORDER BY CASE WHEN tenant_id IS NULL THEN 1 ELSE 0 END ASC, effective_from DESC, id DESC
		 LIMIT 1`,
		key.Category,
		key.Provider,
		key.Model,
		key.Unit,
		true,
		at,
		at,
		tenantID,
	).Scan(&p).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) ListScope(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID, key pricingdomain.Key) ([]*pricingdomain.Price, error) {
	query := db.WithContext(ctx).
		Model(&pricingdomain.Price{}).
		Where("category = ? AND provider = ? AND model = ? AND unit = ? AND is_active = ?",
			key.Category, key.Provider, key.Model, key.Unit, true)
	query = scope(query, tenantID)

	var items []*pricingdomain.Price
	if err := query.Order("effective_from ASC, id ASC").Find(&items).Error; err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}

func (r *repo) CloseAt(ctx context.Context, db *gorm.DB, id snowflake.ID, to time.Time, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE pricing_catalog SET effective_to = ?, updated_at = ? WHERE id = ?`,
		to,
		at,
		id,
	)
	if result.Error != nil {
		return pkgdb.TranslateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return pricingdomain.ErrPriceNotFound
	}
	return nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE pricing_catalog SET is_active = ?, updated_at = ? WHERE id = ?`,
		false,
		at,
		id,
	)
	if result.Error != nil {
		return pkgdb.TranslateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return pricingdomain.ErrPriceNotFound
	}
	return nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID *snowflake.ID, filter pricingdomain.ListFilter) ([]*pricingdomain.Price, error) {
	query := db.WithContext(ctx).Model(&pricingdomain.Price{})

	switch {
	case tenantID == nil:
		query = query.Where("tenant_id IS NULL")
	case filter.IncludeGlobal:
		query = query.Where("(tenant_id = ? OR tenant_id IS NULL)", *tenantID)
	default:
		query = query.Where("tenant_id = ?", *tenantID)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	var items []*pricingdomain.Price
	err := query.Order("category ASC, provider ASC, model ASC, unit ASC, effective_from ASC").Find(&items).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}

func scope(query *gorm.DB, tenantID *snowflake.ID) *gorm.DB {
	if tenantID == nil {
		return query.Where("tenant_id IS NULL")
	}
	return query.Where("tenant_id = ?", *tenantID)
}

