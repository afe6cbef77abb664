package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type EnsureRequest struct {
	UserID              *snowflake.ID `json:"user_id,omitempty"`
	Currency            string        `json:"currency"`
	LowBalanceThreshold int64         `json:"low_balance_threshold"`
	OverdraftLimit      int64         `json:"overdraft_limit"`
}

type FundRequest struct {
	UserID         *snowflake.ID `json:"user_id,omitempty"`
	Currency       string        `json:"currency"`
	Amount         int64         `json:"amount"`
	IdempotencyKey string        `json:"idempotency_key"`
	ReferenceType  string        `json:"reference_type"`
	ReferenceID    string        `json:"reference_id"`
	CreatedBy      string        `json:"created_by"`
	Description    string        `json:"description"`
}

type FundResult struct {
	Balance       Balance      `json:"balance"`
	TransactionID snowflake.ID `json:"transaction_id"`
	Replayed      bool         `json:"replayed"`
}

type Service interface {
	EnsureWallet(ctx context.Context, req EnsureRequest) (*Wallet, error)
	GetBalance(ctx context.Context, userID *snowflake.ID) (*Balance, error)
	GetWallet(ctx context.Context, walletID snowflake.ID) (*Wallet, error)
	TopUp(ctx context.Context, req FundRequest) (*FundResult, error)
	Grant(ctx context.Context, req FundRequest) (*FundResult, error)
	SetStatus(ctx context.Context, walletID snowflake.ID, status Status) (*Wallet, error)
}

var (
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidCurrency         = errors.New("invalid_currency")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey   = errors.New("invalid_idempotency_key")
	ErrInvalidStatus           = errors.New("invalid_wallet_status")
	ErrInvalidStatusTransition = errors.New("invalid_wallet_status_transition")
	ErrWalletNotFound          = errors.New("wallet_not_found")
	ErrWalletNotActive         = errors.New("wallet_not_active")
	ErrCurrencyMismatch        = errors.New("currency_mismatch")
)
