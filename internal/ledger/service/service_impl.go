package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	"github.com/railzwaylabs/credits/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const driftScanBatch = 200

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Metrics    *observability.Metrics `optional:"true"`
	Repo       ledgerdomain.Repository
	WalletRepo walletdomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	metrics    *observability.Metrics
	repo       ledgerdomain.Repository
	walletRepo walletdomain.Repository
	maxPage    int
}

func NewService(p ServiceParam) ledgerdomain.Service {
	maxPage := p.Config.Ledger.PageSizeMax
	if maxPage <= 0 {
		maxPage = 500
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		clock:      c,
		metrics:    p.Metrics,
		repo:       p.Repo,
		walletRepo: p.WalletRepo,
		maxPage:    maxPage,
	}
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	wallet, err := s.tenantWallet(ctx, req.WalletID)
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}
	if req.Since != nil && req.Until != nil && !req.Until.After(*req.Since) {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidRange
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	} else if pageSize > s.maxPage {
		pageSize = s.maxPage
	}

	items, err := s.repo.List(ctx, s.db, wallet.ID, ledgerdomain.ListFilter{
		Since: req.Since,
		Until: req.Until,
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *ledgerdomain.LedgerTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	out := ledgerdomain.ListResponse{Transactions: items}
	if pageInfo != nil {
		out.PageInfo = *pageInfo
	}
	return out, nil
}

func (s *Service) CheckDrift(ctx context.Context, walletID snowflake.ID) (*ledgerdomain.DriftReport, error) {
	wallet, err := s.tenantWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	report, err := s.drift(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if report.HasDrift() {
		s.logDrift(*report)
	}
	return report, nil
}

func (s *Service) CheckAllDrift(ctx context.Context) ([]ledgerdomain.DriftReport, error) {
	var (
		drifted         []ledgerdomain.DriftReport
		after           snowflake.ID
		currentDrifted  int
		reservedDrifted int
		scanned         int
	)
	for {
		wallets, err := s.walletRepo.ListAfter(ctx, s.db, after, driftScanBatch)
		if err != nil {
			return nil, err
		}
		if len(wallets) == 0 {
			break
		}
		for _, w := range wallets {
			report, err := s.drift(ctx, w)
			if err != nil {
				return nil, err
			}
			scanned++
			if !report.HasDrift() {
				continue
			}
			if report.CurrentDrift != 0 {
				currentDrifted++
			}
			if report.ReservedDrift != 0 {
				reservedDrifted++
			}
			s.logDrift(*report)
			drifted = append(drifted, *report)
		}
		after = wallets[len(wallets)-1].ID
	}

	s.metrics.LedgerDrift(currentDrifted, reservedDrifted)
	s.log.Info("ledger drift check completed",
		zap.Int("wallets", scanned),
		zap.Int("drifted", len(drifted)),
	)
	return drifted, nil
}

func (s *Service) drift(ctx context.Context, w *walletdomain.Wallet) (*ledgerdomain.DriftReport, error) {
	var report *ledgerdomain.DriftReport
	// Read the wallet and its fold from one snapshot so in-flight charges
	// do not show up as drift.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := s.walletRepo.FindByID(ctx, tx, w.TenantID, w.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return walletdomain.ErrWalletNotFound
		}
		fold, err := s.repo.Fold(ctx, tx, fresh.ID)
		if err != nil {
			return err
		}
		report = &ledgerdomain.DriftReport{
			WalletID:       fresh.ID,
			TenantID:       fresh.TenantID,
			CachedCurrent:  fresh.CurrentBalance,
			CachedReserved: fresh.ReservedBalance,
			LedgerCurrent:  fold.Current,
			LedgerReserved: fold.Reserved,
			Rows:           fold.Rows,
			CurrentDrift:   fresh.CurrentBalance - fold.Current,
			ReservedDrift:  fresh.ReservedBalance - fold.Reserved,
			CheckedAt:      s.clock.Now(ctx),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Service) logDrift(r ledgerdomain.DriftReport) {
	s.log.Error("wallet balance drifted from ledger",
		zap.String("wallet_id", r.WalletID.String()),
		zap.String("tenant_id", r.TenantID.String()),
		zap.Int64("cached_current", r.CachedCurrent),
		zap.Int64("ledger_current", r.LedgerCurrent),
		zap.Int64("cached_reserved", r.CachedReserved),
		zap.Int64("ledger_reserved", r.LedgerReserved),
	)
}

func (s *Service) tenantWallet(ctx context.Context, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if walletID == 0 {
		return nil, ledgerdomain.ErrInvalidWallet
	}
	wallet, err := s.walletRepo.FindByID(ctx, s.db, tenantID, walletID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return wallet, nil
}
