package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"github.com/railzwaylabs/credits/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) Apply(ctx context.Context, db *gorm.DB, op ledgerdomain.ChargeOperation, id snowflake.ID, at time.Time) (*ledgerdomain.LedgerTransaction, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	row := op.Transaction(id, at)

	// Guarded on the snapshot so a caller that skipped the row lock cannot
	// overwrite a concurrent mutation.
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET current_balance = ?, reserved_balance = ?, updated_at = ?
		 WHERE id = ? AND current_balance = ? AND reserved_balance = ?`,
		row.BalanceAfter,
		row.ReservedAfter,
		at,
		row.WalletID,
		row.BalanceBefore,
		row.ReservedBefore,
	)
	if result.Error != nil {
		return nil, pkgdb.TranslateError(result.Error)
	}
	if result.RowsAffected != 1 {
		return nil, ledgerdomain.ErrStaleWallet
	}

	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		if pkgdb.IsUniqueViolation(err) {
			return nil, ledgerdomain.ErrDuplicateIdempotencyKey
		}
		return nil, pkgdb.TranslateError(err)
	}

	op.Wallet.CurrentBalance = row.BalanceAfter
	op.Wallet.ReservedBalance = row.ReservedAfter
	op.Wallet.UpdatedAt = at
	return row, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*ledgerdomain.LedgerTransaction, error) {
	var row ledgerdomain.LedgerTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, wallet_id, transaction_type, amount, balance_before, balance_after,
		 reserved_delta, reserved_before, reserved_after, idempotency_key, reference_type, reference_id,
		 created_by, description, created_at
		 FROM ledger_transactions WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*ledgerdomain.LedgerTransaction, error) {
	var row ledgerdomain.LedgerTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, wallet_id, transaction_type, amount, balance_before, balance_after,
		 reserved_delta, reserved_before, reserved_after, idempotency_key, reference_type, reference_id,
		 created_by, description, created_at
		 FROM ledger_transactions WHERE tenant_id = ? AND idempotency_key = ? LIMIT 1`,
		tenantID,
		key,
	).Scan(&row).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, walletID snowflake.ID, filter ledgerdomain.ListFilter, page pagination.Pagination) ([]*ledgerdomain.LedgerTransaction, error) {
	query := applyFilter(db.WithContext(ctx).Model(&ledgerdomain.LedgerTransaction{}).Where("wallet_id = ?", walletID), filter)

	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, err
	}
	if cursor != nil {
		createdAt, err := cursor.CreatedAtTime()
		if err != nil {
			return nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		query = query.Where("(created_at > ?) OR (created_at = ? AND id > ?)", createdAt, createdAt, cursorID)
	}

	query = query.Order("created_at ASC, id ASC")
	if page.PageSize > 0 {
		query = query.Limit(page.PageSize + 1)
	}

	var items []*ledgerdomain.LedgerTransaction
	if err := query.Find(&items).Error; err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB, walletID snowflake.ID, filter ledgerdomain.ListFilter) ([]*ledgerdomain.LedgerTransaction, error) {
	var items []*ledgerdomain.LedgerTransaction
	err := applyFilter(db.WithContext(ctx).Model(&ledgerdomain.LedgerTransaction{}).Where("wallet_id = ?", walletID), filter).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, pkgdb.TranslateError(err)
	}
	return items, nil
}

func (r *repo) Fold(ctx context.Context, db *gorm.DB, walletID snowflake.ID) (ledgerdomain.Fold, error) {
	var fold ledgerdomain.Fold
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS current_sum, COALESCE(SUM(reserved_delta), 0) AS reserved_sum, COUNT(*) AS row_count
		 FROM ledger_transactions WHERE wallet_id = ?`,
		walletID,
	).Scan(&fold).Error
	if err != nil {
		return ledgerdomain.Fold{}, pkgdb.TranslateError(err)
	}
	return fold, nil
}

func applyFilter(query *gorm.DB, filter ledgerdomain.ListFilter) *gorm.DB {
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if len(filter.Types) > 0 {
		query = query.Where("transaction_type IN ?", filter.Types)
	}
	return query
}
