package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/pkg/db/pagination"
)

type ListRequest struct {
	WalletID  snowflake.ID `json:"wallet_id"`
	Since     *time.Time   `json:"since,omitempty"`
	Until     *time.Time   `json:"until,omitempty"`
	PageToken string       `json:"page_token"`
	PageSize  int          `json:"page_size"`
}

type ListResponse struct {
	pagination.PageInfo
	Transactions []*LedgerTransaction `json:"transactions"`
}

type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

type ExportRequest struct {
	WalletID snowflake.ID
	Since    *time.Time
	Until    *time.Time
	Format   ExportFormat
}

type ExportResult struct {
	Data     []byte
	Checksum string
	Format   ExportFormat
	Count    int
}

type Service interface {
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Export(ctx context.Context, req ExportRequest) (*ExportResult, error)
	CheckDrift(ctx context.Context, walletID snowflake.ID) (*DriftReport, error)
	// CheckAllDrift scans every wallet regardless of tenant. It reports and
	// never corrects.
	CheckAllDrift(ctx context.Context) ([]DriftReport, error)
}

var (
	ErrInsufficientBalance     = errors.New("insufficient_balance")
	ErrInvalidOperation        = errors.New("invalid_ledger_operation")
	ErrReservedUnderflow       = errors.New("reserved_balance_underflow")
	ErrStaleWallet             = errors.New("stale_wallet_snapshot")
	ErrDuplicateIdempotencyKey = errors.New("duplicate_idempotency_key")
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidWallet           = errors.New("invalid_wallet")
	ErrInvalidExportFormat     = errors.New("invalid_export_format")
	ErrInvalidRange            = errors.New("invalid_range")
)
