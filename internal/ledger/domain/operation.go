package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
)

// ChargeOperation is the only way to change a wallet balance. It pairs the
// wallet snapshot read under lock with the signed movement, and applying it
// writes the wallet update and the ledger row in the same transaction.
type ChargeOperation struct {
	Wallet         *walletdomain.Wallet
	Type           TransactionType
	Amount         int64
	ReservedDelta  int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    string
	CreatedBy      string
	Description    string
}

// Validate checks sign rules per type and that the wallet stays inside its
// policy afterwards. An operation that does not reduce availability is never
// rejected for balance reasons, so releases and credit-backs always go
// through.
func (op ChargeOperation) Validate() error {
	w := op.Wallet
	if w == nil || w.ID == 0 {
		return fmt.Errorf("%w: wallet snapshot required", ErrInvalidOperation)
	}
	if strings.TrimSpace(op.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidOperation)
	}

	switch op.Type {
	case TypeTopup, TypeCredit:
		if op.Amount <= 0 || op.ReservedDelta != 0 {
			return fmt.Errorf("%w: %s requires a positive amount", ErrInvalidOperation, op.Type)
		}
	case TypeDebit:
		if op.Amount > 0 || op.ReservedDelta != 0 {
			return fmt.Errorf("%w: debit amount must not be positive", ErrInvalidOperation)
		}
	case TypeReservation:
		if op.Amount != 0 || op.ReservedDelta <= 0 {
			return fmt.Errorf("%w: reservation moves only the reserved balance upwards", ErrInvalidOperation)
		}
	case TypeRelease:
		if op.Amount != 0 || op.ReservedDelta >= 0 {
			return fmt.Errorf("%w: release moves only the reserved balance downwards", ErrInvalidOperation)
		}
	case TypeAdjustment:
		if op.ReservedDelta != 0 {
			return fmt.Errorf("%w: adjustment cannot move reserved balance", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}

	if (op.Type == TypeDebit || op.Type == TypeReservation) && !w.IsActive() {
		return walletdomain.ErrWalletNotActive
	}

	reservedAfter := w.ReservedBalance + op.ReservedDelta
	if reservedAfter < 0 {
		return ErrReservedUnderflow
	}

	availableBefore := w.Available()
	availableAfter := w.CurrentBalance + op.Amount - reservedAfter + w.OverdraftLimit
	if availableAfter < availableBefore {
		if !w.IsActive() {
			return walletdomain.ErrWalletNotActive
		}
		if availableAfter < 0 {
			return ErrInsufficientBalance
		}
	} else if w.Status == walletdomain.StatusClosed && (op.Type == TypeTopup || op.Type == TypeCredit) {
		return walletdomain.ErrWalletNotActive
	}
	return nil
}

// Transaction builds the ledger row the operation produces, without touching
// the wallet.
func (op ChargeOperation) Transaction(id snowflake.ID, at time.Time) *LedgerTransaction {
	w := op.Wallet
	return &LedgerTransaction{
		ID:              id,
		TenantID:        w.TenantID,
		WalletID:        w.ID,
		TransactionType: op.Type,
		Amount:          op.Amount,
		BalanceBefore:   w.CurrentBalance,
		BalanceAfter:    w.CurrentBalance + op.Amount,
		ReservedDelta:   op.ReservedDelta,
		ReservedBefore:  w.ReservedBalance,
		ReservedAfter:   w.ReservedBalance + op.ReservedDelta,
		IdempotencyKey:  op.IdempotencyKey,
		ReferenceType:   op.ReferenceType,
		ReferenceID:     op.ReferenceID,
		CreatedBy:       op.CreatedBy,
		Description:     op.Description,
		CreatedAt:       at,
	}
}

// Idempotency key prefixes keep non-debit rows from colliding with the usage
// event keys that debit rows reuse verbatim.
func TopupKey(key string) string       { return "topup:" + key }
func CreditKey(key string) string      { return "credit:" + key }
func ReservationKey(key string) string { return "reservation:" + key }
func ReleaseKey(key string) string     { return "release:" + key }
func SettlementKey(key string) string  { return "settlement:" + key }
