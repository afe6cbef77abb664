package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       walletdomain.Repository
	LedgerRepo ledgerdomain.Repository
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	genID           *snowflake.Node
	repo            walletdomain.Repository
	ledgerRepo      ledgerdomain.Repository
	defaultCurrency string
	lockTimeout     time.Duration
}

func NewService(p ServiceParam) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	currency := p.Config.Metering.DefaultCurrency
	if currency == "" {
		currency = "CREDIT"
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("wallet.service"),
		clock:           c,
		genID:           p.GenID,
		repo:            p.Repo,
		ledgerRepo:      p.LedgerRepo,
		defaultCurrency: currency,
		lockTimeout:     p.Config.Database.LockTimeout,
	}
}

// EnsureWallet returns the wallet for the tenant in ctx and req.UserID,
// creating it on first use.
func (s *Service) EnsureWallet(ctx context.Context, req walletdomain.EnsureRequest) (*walletdomain.Wallet, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, walletdomain.ErrInvalidTenant
	}
	return s.EnsureWalletTx(ctx, s.db, tenantID, req)
}

// EnsureWalletTx is EnsureWallet bound to a caller transaction.
func (s *Service) EnsureWalletTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, req walletdomain.EnsureRequest) (*walletdomain.Wallet, error) {
	if tenantID == 0 {
		return nil, walletdomain.ErrInvalidTenant
	}
	if req.UserID != nil && *req.UserID == 0 {
		req.UserID = nil
	}
	if req.LowBalanceThreshold < 0 || req.OverdraftLimit < 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	currency := s.normalizeCurrency(req.Currency)

	scopeKey := walletdomain.ScopeKey(tenantID, req.UserID)
	existing, err := s.repo.FindByScope(ctx, tx, scopeKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if req.Currency != "" && existing.Currency != currency {
			return nil, walletdomain.ErrCurrencyMismatch
		}
		return existing, nil
	}

	now := s.clock.Now(ctx)
	w := &walletdomain.Wallet{
		ID:                  s.genID.Generate(),
		TenantID:            tenantID,
		UserID:              req.UserID,
		ScopeKey:            scopeKey,
		Currency:            currency,
		Status:              walletdomain.StatusActive,
		LowBalanceThreshold: req.LowBalanceThreshold,
		OverdraftLimit:      req.OverdraftLimit,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	inserted, err := s.repo.Insert(ctx, tx, w)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("wallet created",
			zap.String("tenant_id", tenantID.String()),
			zap.String("wallet_id", w.ID.String()),
			zap.String("currency", currency),
		)
		return w, nil
	}

	// Lost the insert race; the winner's row is the wallet.
	existing, err = s.repo.FindByScope(ctx, tx, scopeKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return existing, nil
}

func (s *Service) GetBalance(ctx context.Context, userID *snowflake.ID) (*walletdomain.Balance, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, walletdomain.ErrInvalidTenant
	}
	if userID != nil && *userID == 0 {
		userID = nil
	}
	w, err := s.repo.FindByScope(ctx, s.db, walletdomain.ScopeKey(tenantID, userID))
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	balance := w.Balance()
	return &balance, nil
}

func (s *Service) GetWallet(ctx context.Context, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, walletdomain.ErrInvalidTenant
	}
	w, err := s.repo.FindByID(ctx, s.db, tenantID, walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return w, nil
}

func (s *Service) TopUp(ctx context.Context, req walletdomain.FundRequest) (*walletdomain.FundResult, error) {
	return s.fund(ctx, req, ledgerdomain.TypeTopup, ledgerdomain.TopupKey(req.IdempotencyKey))
}

func (s *Service) Grant(ctx context.Context, req walletdomain.FundRequest) (*walletdomain.FundResult, error) {
	return s.fund(ctx, req, ledgerdomain.TypeCredit, ledgerdomain.CreditKey(req.IdempotencyKey))
}

func (s *Service) fund(ctx context.Context, req walletdomain.FundRequest, txType ledgerdomain.TransactionType, ledgerKey string) (*walletdomain.FundResult, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, walletdomain.ErrInvalidTenant
	}
	if req.Amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, walletdomain.ErrInvalidIdempotencyKey
	}

	var result *walletdomain.FundResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pkgdb.SetLockTimeout(tx, s.lockTimeout); err != nil {
			return err
		}

		prior, err := s.ledgerRepo.FindByIdempotencyKey(ctx, tx, tenantID, ledgerKey)
		if err != nil {
			return err
		}
		if prior != nil {
			result, err = s.replay(ctx, tx, prior)
			return err
		}

		w, err := s.EnsureWalletTx(ctx, tx, tenantID, walletdomain.EnsureRequest{
			UserID:   req.UserID,
			Currency: req.Currency,
		})
		if err != nil {
			return err
		}
		locked, err := s.repo.LockByID(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return walletdomain.ErrWalletNotFound
		}

		createdBy := req.CreatedBy
		if createdBy == "" {
			createdBy = "system"
		}
		row, err := s.ledgerRepo.Apply(ctx, tx, ledgerdomain.ChargeOperation{
			Wallet:         locked,
			Type:           txType,
			Amount:         req.Amount,
			IdempotencyKey: ledgerKey,
			ReferenceType:  req.ReferenceType,
			ReferenceID:    req.ReferenceID,
			CreatedBy:      createdBy,
			Description:    req.Description,
		}, s.genID.Generate(), s.clock.Now(ctx))
		if err != nil {
			return err
		}

		result = &walletdomain.FundResult{
			Balance:       locked.Balance(),
			TransactionID: row.ID,
		}
		return nil
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateIdempotencyKey) {
		prior, findErr := s.ledgerRepo.FindByIdempotencyKey(ctx, s.db, tenantID, ledgerKey)
		if findErr != nil {
			return nil, findErr
		}
		if prior != nil {
			return s.replay(ctx, s.db, prior)
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("wallet funded",
		zap.String("tenant_id", tenantID.String()),
		zap.String("wallet_id", result.Balance.WalletID.String()),
		zap.String("type", string(txType)),
		zap.Int64("amount", req.Amount),
	)
	return result, nil
}

func (s *Service) replay(ctx context.Context, db *gorm.DB, prior *ledgerdomain.LedgerTransaction) (*walletdomain.FundResult, error) {
	w, err := s.repo.FindByID(ctx, db, prior.TenantID, prior.WalletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return &walletdomain.FundResult{
		Balance:       w.Balance(),
		TransactionID: prior.ID,
		Replayed:      true,
	}, nil
}

func (s *Service) SetStatus(ctx context.Context, walletID snowflake.ID, status walletdomain.Status) (*walletdomain.Wallet, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, walletdomain.ErrInvalidTenant
	}
	if _, valid := walletdomain.ParseStatus(string(status)); !valid {
		return nil, walletdomain.ErrInvalidStatus
	}

	var out *walletdomain.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.FindByID(ctx, tx, tenantID, walletID)
		if err != nil {
			return err
		}
		if w == nil {
			return walletdomain.ErrWalletNotFound
		}
		locked, err := s.repo.LockByID(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return walletdomain.ErrWalletNotFound
		}
		if !walletdomain.CanTransition(locked.Status, status) {
			return walletdomain.ErrInvalidStatusTransition
		}
		if locked.Status == status {
			out = locked
			return nil
		}
		now := s.clock.Now(ctx)
		if err := s.repo.UpdateStatus(ctx, tx, locked.ID, status, now); err != nil {
			return err
		}
		s.log.Info("wallet status changed",
			zap.String("wallet_id", locked.ID.String()),
			zap.String("from", string(locked.Status)),
			zap.String("to", string(status)),
		)
		locked.Status = status
		locked.UpdatedAt = now
		out = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) normalizeCurrency(raw string) string {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		return s.defaultCurrency
	}
	return currency
}
