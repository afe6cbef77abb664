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
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	walletservice "github.com/railzwaylabs/credits/internal/wallet/service"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	createdBy     = "reservation"
	referenceType = "reservation"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	GenID      *snowflake.Node
	Metrics    *observability.Metrics `optional:"true"`
	Repo       reservationdomain.Repository
	WalletRepo walletdomain.Repository
	LedgerRepo ledgerdomain.Repository
	Wallets    *walletservice.Service
	Metering   meteringdomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	metrics    *observability.Metrics
	repo       reservationdomain.Repository
	walletRepo walletdomain.Repository
	ledgerRepo ledgerdomain.Repository
	wallets    *walletservice.Service
	metering   meteringdomain.Service

	defaultTTL  time.Duration
	lockTimeout time.Duration
}

func NewService(p ServiceParam) reservationdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	ttl := p.Config.Reservation.DefaultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reservation.service"),
		clock:       c,
		genID:       p.GenID,
		metrics:     p.Metrics,
		repo:        p.Repo,
		walletRepo:  p.WalletRepo,
		ledgerRepo:  p.LedgerRepo,
		wallets:     p.Wallets,
		metering:    p.Metering,
		defaultTTL:  ttl,
		lockTimeout: p.Config.Database.LockTimeout,
	}
}

func (s *Service) Reserve(ctx context.Context, req reservationdomain.ReserveRequest) (*reservationdomain.ReserveResult, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, reservationdomain.ErrInvalidTenant
	}
	if req.EstimatedCost <= 0 {
		return nil, reservationdomain.ErrInvalidEstimate
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, reservationdomain.ErrInvalidIdempotencyKey
	}
	userID := req.UserID
	if userID != nil && *userID == 0 {
		userID = nil
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ctx, span := observability.Tracer().Start(ctx, "reservation.Reserve", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.Int64("estimated_cost", req.EstimatedCost),
	))
	defer span.End()

	if prior, err := s.repo.FindByIdempotencyKey(ctx, s.db, tenantID, key); err != nil {
		return nil, err
	} else if prior != nil {
		return s.replayReserve(ctx, prior)
	}

	var result *reservationdomain.ReserveResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pkgdb.SetLockTimeout(tx, s.lockTimeout); err != nil {
			return err
		}
		w, err := s.wallets.EnsureWalletTx(ctx, tx, tenantID, walletdomain.EnsureRequest{UserID: userID})
		if err != nil {
			return err
		}
		locked, err := s.walletRepo.LockByID(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return walletdomain.ErrWalletNotFound
		}

		now := s.clock.Now(ctx)
		res := &reservationdomain.Reservation{
			ID:             s.genID.Generate(),
			TenantID:       tenantID,
			WalletID:       locked.ID,
			UserID:         userID,
			FeatureKey:     strings.ToLower(strings.TrimSpace(req.FeatureKey)),
			IdempotencyKey: key,
			EstimatedCost:  req.EstimatedCost,
			Status:         reservationdomain.StatusActive,
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		row, err := s.ledgerRepo.Apply(ctx, tx, ledgerdomain.ChargeOperation{
			Wallet:         locked,
			Type:           ledgerdomain.TypeReservation,
			ReservedDelta:  req.EstimatedCost,
			IdempotencyKey: ledgerdomain.ReservationKey(key),
			ReferenceType:  referenceType,
			ReferenceID:    res.ID.String(),
			CreatedBy:      createdBy,
			Description:    res.FeatureKey,
		}, s.genID.Generate(), now)
		if err != nil {
			return err
		}
		ledgerID := row.ID
		res.ReserveLedgerID = &ledgerID
		if err := s.repo.Insert(ctx, tx, res); err != nil {
			return err
		}

		balance := locked.Balance()
		result = &reservationdomain.ReserveResult{Reservation: res, Balance: &balance}
		return nil
	})
	if err != nil {
		if pkgdb.IsUniqueViolation(err) || errors.Is(err, ledgerdomain.ErrDuplicateIdempotencyKey) {
			prior, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, tenantID, key)
			if findErr == nil && prior != nil {
				return s.replayReserve(ctx, prior)
			}
		}
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
			s.log.Info("reservation rejected", zap.String("tenant_id", tenantID.String()), zap.Int64("estimated_cost", req.EstimatedCost))
		}
		return nil, err
	}

	s.metrics.Reservation("reserved")
	s.log.Info("reservation created",
		zap.String("reservation_id", result.Reservation.ID.String()),
		zap.String("wallet_id", result.Reservation.WalletID.String()),
		zap.Int64("estimated_cost", req.EstimatedCost),
	)
	return result, nil
}

// Settle releases the full hold and debits actualCost in the same wallet
// transaction. An uncovered charge rolls everything back and the
// reservation stays active.
func (s *Service) Settle(ctx context.Context, reservationID snowflake.ID, actualCost int64) (*reservationdomain.SettleResult, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, reservationdomain.ErrInvalidTenant
	}
	if actualCost < 0 {
		return nil, reservationdomain.ErrInvalidActualCost
	}

	ctx, span := observability.Tracer().Start(ctx, "reservation.Settle", trace.WithAttributes(
		attribute.String("reservation_id", reservationID.String()),
		attribute.Int64("actual_cost", actualCost),
	))
	defer span.End()

	var (
		result *reservationdomain.SettleResult
		prior  *reservationdomain.Reservation
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, locked, err := s.lockPair(ctx, tx, tenantID, reservationID)
		if err != nil {
			return err
		}
		if res.Status == reservationdomain.StatusSettled {
			prior = res
			return nil
		}
		if !res.IsActive() {
			return reservationdomain.ErrReservationClosed
		}

		now := s.clock.Now(ctx)
		release, err := s.release(ctx, tx, res, locked, now)
		if err != nil {
			return err
		}

		var charge *meteringdomain.UsageEvent
		var chargeID *snowflake.ID
		if actualCost > 0 {
			charge, _, err = s.metering.ChargeSettlementTx(ctx, tx, meteringdomain.SettlementCharge{
				Wallet:         locked,
				UserID:         res.UserID,
				FeatureKey:     res.FeatureKey,
				ReservationID:  res.ID,
				Cost:           actualCost,
				IdempotencyKey: ledgerdomain.SettlementKey(res.IdempotencyKey),
				At:             now,
			})
			if err != nil {
				return err
			}
			id := charge.ID
			chargeID = &id
		}

		cost := actualCost
		closed, err := s.repo.Close(ctx, tx, reservationdomain.CloseUpdate{
			ID:                  res.ID,
			Status:              reservationdomain.StatusSettled,
			ActualCost:          &cost,
			ReleaseLedgerID:     release.ID,
			SettledUsageEventID: chargeID,
			At:                  now,
		})
		if err != nil {
			return err
		}
		if !closed {
			return reservationdomain.ErrReservationClosed
		}

		releaseID := release.ID
		res.Status = reservationdomain.StatusSettled
		res.ActualCost = &cost
		res.ReleaseLedgerID = &releaseID
		res.SettledUsageEventID = chargeID
		res.ClosedAt = &now
		res.UpdatedAt = now
		balance := locked.Balance()
		result = &reservationdomain.SettleResult{Reservation: res, Charge: charge, Balance: &balance}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
			s.log.Warn("settlement rejected, reservation kept active",
				zap.String("reservation_id", reservationID.String()),
				zap.Int64("actual_cost", actualCost),
			)
		}
		return nil, err
	}
	if prior != nil {
		return s.replaySettle(ctx, prior)
	}

	s.metrics.Reservation("settled")
	s.log.Info("reservation settled",
		zap.String("reservation_id", reservationID.String()),
		zap.Int64("estimated_cost", result.Reservation.EstimatedCost),
		zap.Int64("actual_cost", actualCost),
	)
	return result, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (*reservationdomain.Reservation, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, reservationdomain.ErrInvalidTenant
	}
	res, released, err := s.close(ctx, tenantID, reservationID, reservationdomain.StatusReleased, time.Time{})
	if err != nil {
		return nil, err
	}
	if released {
		s.metrics.Reservation("released")
		s.log.Info("reservation released", zap.String("reservation_id", reservationID.String()))
	}
	return res, nil
}

func (s *Service) Get(ctx context.Context, reservationID snowflake.ID) (*reservationdomain.Reservation, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, reservationdomain.ErrInvalidTenant
	}
	res, err := s.repo.FindByID(ctx, s.db, tenantID, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, reservationdomain.ErrReservationNotFound
	}
	return res, nil
}

func (s *Service) ReleaseExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := s.repo.ListExpired(ctx, s.db, before, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, item := range expired {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		tenantCtx := tenantcontext.WithTenantID(ctx, item.TenantID)
		_, ok, err := s.close(tenantCtx, item.TenantID, item.ID, reservationdomain.StatusExpired, before)
		if err != nil {
			s.metrics.Reservation("expire_failed")
			s.log.Warn("failed to expire reservation",
				zap.String("reservation_id", item.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			released++
			s.metrics.Reservation("expired")
		}
	}
	if released > 0 {
		s.log.Info("expired reservations released", zap.Int("count", released))
	}
	return released, nil
}

// close releases an active reservation into status. A zero cutoff skips
// the expiry re-check. It reports whether this call did the release;
// closing an already released or expired reservation is a no-op.
func (s *Service) close(ctx context.Context, tenantID, reservationID snowflake.ID, status reservationdomain.Status, cutoff time.Time) (*reservationdomain.Reservation, bool, error) {
	var (
		out  *reservationdomain.Reservation
		done bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, locked, err := s.lockPair(ctx, tx, tenantID, reservationID)
		if err != nil {
			return err
		}
		out = res
		switch res.Status {
		case reservationdomain.StatusActive:
		case reservationdomain.StatusReleased, reservationdomain.StatusExpired:
			return nil
		default:
			if status == reservationdomain.StatusExpired {
				return nil
			}
			return reservationdomain.ErrReservationClosed
		}
		if !cutoff.IsZero() && !res.ExpiresAt.Before(cutoff) {
			return nil
		}

		now := s.clock.Now(ctx)
		row, err := s.release(ctx, tx, res, locked, now)
		if err != nil {
			return err
		}
		closed, err := s.repo.Close(ctx, tx, reservationdomain.CloseUpdate{
			ID:              res.ID,
			Status:          status,
			ReleaseLedgerID: row.ID,
			At:              now,
		})
		if err != nil {
			return err
		}
		if !closed {
			return reservationdomain.ErrReservationClosed
		}
		releaseID := row.ID
		res.Status = status
		res.ReleaseLedgerID = &releaseID
		res.ClosedAt = &now
		res.UpdatedAt = now
		done = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, done, nil
}

// lockPair locks the wallet before the reservation so every balance path
// takes locks in the same order.
func (s *Service) lockPair(ctx context.Context, tx *gorm.DB, tenantID, reservationID snowflake.ID) (*reservationdomain.Reservation, *walletdomain.Wallet, error) {
	if err := pkgdb.SetLockTimeout(tx, s.lockTimeout); err != nil {
		return nil, nil, err
	}
	snapshot, err := s.repo.FindByID(ctx, tx, tenantID, reservationID)
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil {
		return nil, nil, reservationdomain.ErrReservationNotFound
	}
	locked, err := s.walletRepo.LockByID(ctx, tx, snapshot.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if locked == nil {
		return nil, nil, walletdomain.ErrWalletNotFound
	}
	res, err := s.repo.LockByID(ctx, tx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, reservationdomain.ErrReservationNotFound
	}
	return res, locked, nil
}

func (s *Service) release(ctx context.Context, tx *gorm.DB, res *reservationdomain.Reservation, locked *walletdomain.Wallet, at time.Time) (*ledgerdomain.LedgerTransaction, error) {
	return s.ledgerRepo.Apply(ctx, tx, ledgerdomain.ChargeOperation{
		Wallet:         locked,
		Type:           ledgerdomain.TypeRelease,
		ReservedDelta:  -res.EstimatedCost,
		IdempotencyKey: ledgerdomain.ReleaseKey(res.IdempotencyKey),
		ReferenceType:  referenceType,
		ReferenceID:    res.ID.String(),
		CreatedBy:      createdBy,
		Description:    res.FeatureKey,
	}, s.genID.Generate(), at)
}

func (s *Service) replayReserve(ctx context.Context, res *reservationdomain.Reservation) (*reservationdomain.ReserveResult, error) {
	balance, err := s.balance(ctx, res)
	if err != nil {
		return nil, err
	}
	return &reservationdomain.ReserveResult{Reservation: res, Balance: balance, Replayed: true}, nil
}

func (s *Service) replaySettle(ctx context.Context, res *reservationdomain.Reservation) (*reservationdomain.SettleResult, error) {
	result := &reservationdomain.SettleResult{Reservation: res, Replayed: true}
	if res.SettledUsageEventID != nil {
		charge, err := s.metering.GetUsageEventByID(tenantcontext.WithTenantID(ctx, res.TenantID), *res.SettledUsageEventID)
		if err != nil {
			return nil, err
		}
		result.Charge = charge
	}
	balance, err := s.balance(ctx, res)
	if err != nil {
		return nil, err
	}
	result.Balance = balance
	return result, nil
}

func (s *Service) balance(ctx context.Context, res *reservationdomain.Reservation) (*walletdomain.Balance, error) {
	w, err := s.walletRepo.FindByID(ctx, s.db, res.TenantID, res.WalletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	b := w.Balance()
	return &b, nil
}
