package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	walletdomain "github.com/railzwaylabs/credits/internal/wallet/domain"
	walletservice "github.com/railzwaylabs/credits/internal/wallet/service"
	pkgdb "github.com/railzwaylabs/credits/pkg/db"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	createdBy         = "metering"
	referenceType     = "usage_event"
	maxIdempotencyLen = 255
)

var reservedKeyPrefixes = []string{"topup:", "credit:", "reservation:", "release:", "settlement:"}

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Config       config.Config
	Clock        clock.Clock
	GenID        *snowflake.Node
	Metrics      *observability.Metrics `optional:"true"`
	Redis        *redis.Client          `optional:"true"`
	Guard        InflightGuard          `optional:"true"`
	Repo         meteringdomain.Repository
	WalletRepo   walletdomain.Repository
	LedgerRepo   ledgerdomain.Repository
	Wallets      *walletservice.Service
	Pricing      pricingdomain.Service
	Entitlements entitlementdomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	metrics      *observability.Metrics
	guard        InflightGuard
	repo         meteringdomain.Repository
	walletRepo   walletdomain.Repository
	ledgerRepo   ledgerdomain.Repository
	wallets      *walletservice.Service
	pricing      pricingdomain.Service
	entitlements entitlementdomain.Service

	maxRetry       int
	inflightWindow time.Duration
	lockTimeout    time.Duration
}

func NewService(p ServiceParam) *Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	guard := p.Guard
	if guard == nil && p.Redis != nil {
		guard = NewRedisGuard(p.Redis, p.Config.Redis.InflightTTL)
	}
	maxRetry := p.Config.Metering.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}
	window := p.Config.Metering.InflightWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("metering.service"),
		clock:          c,
		genID:          p.GenID,
		metrics:        p.Metrics,
		guard:          guard,
		repo:           p.Repo,
		walletRepo:     p.WalletRepo,
		ledgerRepo:     p.LedgerRepo,
		wallets:        p.Wallets,
		pricing:        p.Pricing,
		entitlements:   p.Entitlements,
		maxRetry:       maxRetry,
		inflightWindow: window,
		lockTimeout:    p.Config.Database.LockTimeout,
	}
}

type submission struct {
	tenantID         snowflake.ID
	userID           *snowflake.ID
	walletID         *snowflake.ID
	featureKey       string
	kind             meteringdomain.Kind
	items            []meteringdomain.UsageItem
	quantity         decimal.Decimal
	key              string
	occurredAt       time.Time
	currency         string
	referenceEventID *snowflake.ID
	// delta is the signed total of an adjustment; adjustments skip
	// entitlement and pricing.
	delta *int64
}

func (s *Service) SubmitUsage(ctx context.Context, req meteringdomain.SubmitRequest) (*meteringdomain.UsageEventResult, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, meteringdomain.ErrInvalidTenant
	}

	ctx, span := observability.Tracer().Start(ctx, "metering.SubmitUsage", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("feature_key", req.FeatureKey),
	))
	defer span.End()

	sub, err := s.newSubmission(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, sub)
}

// SubmitAdjustment books a signed correction for a charged event. It skips
// the entitlement check: the quantity was admitted with the original event
// and adjustments never count toward quota.
func (s *Service) SubmitAdjustment(ctx context.Context, req meteringdomain.AdjustmentRequest) (*meteringdomain.UsageEventResult, error) {
	orig := req.Original
	if orig == nil {
		return nil, meteringdomain.ErrUsageEventNotFound
	}
	if orig.Status != meteringdomain.StatusCharged || orig.WalletID == nil {
		return nil, meteringdomain.ErrEventNotCharged
	}
	if req.Delta == 0 {
		return nil, meteringdomain.ErrInvalidQuantity
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = meteringdomain.ReconcileKey(orig.ID)
	}

	ctx = tenantcontext.WithTenantID(ctx, orig.TenantID)
	delta := req.Delta
	origID := orig.ID
	return s.submit(ctx, submission{
		tenantID:         orig.TenantID,
		userID:           orig.UserID,
		walletID:         orig.WalletID,
		featureKey:       orig.FeatureKey,
		kind:             meteringdomain.KindAdjustment,
		items:            req.Items,
		quantity:         decimal.Zero,
		key:              key,
		occurredAt:       s.clock.Now(ctx),
		currency:         orig.Currency,
		referenceEventID: &origID,
		delta:            &delta,
	})
}

func (s *Service) submit(ctx context.Context, sub submission) (*meteringdomain.UsageEventResult, error) {
	if s.guard != nil {
		release, acquired, err := s.guard.Acquire(ctx, sub.tenantID, sub.key)
		switch {
		case err != nil:
			// The database claim still protects us; keep going without the guard.
			s.log.Warn("inflight guard unavailable", zap.Error(err))
		case !acquired:
			prior, err := s.repo.FindByIdempotencyKey(ctx, s.db, sub.tenantID, sub.key)
			if err != nil {
				return nil, err
			}
			if prior != nil && prior.Status.Terminal() {
				return s.replay(ctx, prior)
			}
			s.metrics.UsageEvent(sub.featureKey, "in_flight")
			return nil, meteringdomain.ErrRequestInFlight
		default:
			defer release()
		}
	}

	ev, claim, prior, err := s.claim(ctx, sub)
	if err != nil {
		if errors.Is(err, meteringdomain.ErrRequestInFlight) {
			s.metrics.UsageEvent(sub.featureKey, "in_flight")
		}
		return prior, err
	}
	if prior != nil {
		return prior, nil
	}
	return s.process(ctx, ev, claim)
}

// claim returns either the event to process under a fresh claim, or the
// prior result when the key already reached a terminal state.
func (s *Service) claim(ctx context.Context, sub submission) (*meteringdomain.UsageEvent, meteringdomain.Claim, *meteringdomain.UsageEventResult, error) {
	now := s.clock.Now(ctx)

	existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, sub.tenantID, sub.key)
	if err != nil {
		return nil, meteringdomain.Claim{}, nil, err
	}
	if existing == nil {
		ev, err := s.newEvent(sub, now)
		if err != nil {
			return nil, meteringdomain.Claim{}, nil, err
		}
		err = s.repo.Insert(ctx, s.db, ev)
		if err == nil {
			return ev, meteringdomain.Claim{EventID: ev.ID}, nil, nil
		}
		if !pkgdb.IsUniqueViolation(err) {
			return nil, meteringdomain.Claim{}, nil, err
		}
		existing, err = s.repo.FindByIdempotencyKey(ctx, s.db, sub.tenantID, sub.key)
		if err != nil {
			return nil, meteringdomain.Claim{}, nil, err
		}
		if existing == nil {
			return nil, meteringdomain.Claim{}, nil, meteringdomain.ErrRequestInFlight
		}
	}
	return s.resume(ctx, existing, now)
}

func (s *Service) resume(ctx context.Context, ev *meteringdomain.UsageEvent, now time.Time) (*meteringdomain.UsageEvent, meteringdomain.Claim, *meteringdomain.UsageEventResult, error) {
	if ev.Status.Terminal() {
		res, err := s.replay(ctx, ev)
		return nil, meteringdomain.Claim{}, res, err
	}
	if ev.ClaimedAt != nil && now.Sub(*ev.ClaimedAt) < s.inflightWindow {
		return nil, meteringdomain.Claim{}, nil, meteringdomain.ErrRequestInFlight
	}

	claim := meteringdomain.Claim{EventID: ev.ID, RetryCount: ev.RetryCount}
	if ev.RetryCount >= s.maxRetry {
		ok, err := s.repo.MarkFailed(ctx, s.db, claim, meteringdomain.ReasonRetryLimitExceeded, now)
		if err != nil {
			return nil, meteringdomain.Claim{}, nil, err
		}
		if !ok {
			return nil, meteringdomain.Claim{}, nil, meteringdomain.ErrRequestInFlight
		}
		ev.Status = meteringdomain.StatusFailed
		ev.FailureReason = meteringdomain.ReasonRetryLimitExceeded
		ev.ClaimedAt = nil
		s.log.Warn("usage event failed after retries",
			zap.String("usage_event_id", ev.ID.String()),
			zap.Int("retry_count", ev.RetryCount),
		)
		s.metrics.UsageEvent(ev.FeatureKey, "failed")
		res, err := s.snapshot(ctx, ev)
		if err != nil {
			return nil, meteringdomain.Claim{}, nil, err
		}
		return nil, meteringdomain.Claim{}, res, meteringdomain.ErrRetryLimitExceeded
	}

	ok, err := s.repo.Reclaim(ctx, s.db, claim, now)
	if err != nil {
		return nil, meteringdomain.Claim{}, nil, err
	}
	if !ok {
		return nil, meteringdomain.Claim{}, nil, meteringdomain.ErrRequestInFlight
	}
	ev.RetryCount++
	ev.ClaimedAt = &now
	s.log.Info("reclaimed abandoned usage event",
		zap.String("usage_event_id", ev.ID.String()),
		zap.Int("retry_count", ev.RetryCount),
	)
	return ev, meteringdomain.Claim{EventID: ev.ID, RetryCount: ev.RetryCount}, nil, nil
}

// process runs entitlement and pricing outside any lock, then debits the
// wallet and closes the event in one transaction.
func (s *Service) process(ctx context.Context, ev *meteringdomain.UsageEvent, claim meteringdomain.Claim) (*meteringdomain.UsageEventResult, error) {
	items, err := ev.Items()
	if err != nil {
		s.abandon(ctx, claim)
		return nil, err
	}

	var (
		total         int64
		priceCurrency string
	)
	if ev.Kind == meteringdomain.KindAdjustment {
		// Adjustments carry their delta and bypass entitlements.
		total = ev.TotalCost
	} else {
		decision, err := s.entitlements.CheckTx(ctx, s.db, ev.TenantID, entitlementdomain.CheckRequest{
			FeatureKey:     ev.FeatureKey,
			Quantity:       ev.Quantity,
			At:             ev.OccurredAt,
			ExcludeEventID: ev.ID,
		})
		switch {
		case errors.Is(err, entitlementdomain.ErrQuotaExceeded):
			return s.fail(ctx, ev, claim, items, meteringdomain.ReasonQuotaExceeded, err)
		case errors.Is(err, entitlementdomain.ErrFeatureDisabled):
			return s.fail(ctx, ev, claim, items, meteringdomain.ReasonFeatureDisabled, err)
		case err != nil:
			s.abandon(ctx, claim)
			return nil, err
		}

		items, priceCurrency, err = s.price(ctx, ev.TenantID, items, ev.OccurredAt, decision)
		if err != nil {
			if errors.Is(err, pricingdomain.ErrPriceNotFound) {
				s.log.Error("usage event left pending: price missing",
					zap.String("usage_event_id", ev.ID.String()),
					zap.String("feature_key", ev.FeatureKey),
				)
			}
			s.abandon(ctx, claim)
			return nil, err
		}
		total = meteringdomain.TotalCost(items)
	}

	encoded, err := meteringdomain.EncodeItems(items)
	if err != nil {
		s.abandon(ctx, claim)
		return nil, err
	}

	var (
		result     *meteringdomain.UsageEventResult
		outcome    error
		crossedLow bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pkgdb.SetLockTimeout(tx, s.lockTimeout); err != nil {
			return err
		}
		wallet, err := s.walletFor(ctx, tx, ev, priceCurrency)
		if err != nil {
			return err
		}
		locked, err := s.walletRepo.LockByID(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return walletdomain.ErrWalletNotFound
		}
		if priceCurrency != "" && locked.Currency != priceCurrency {
			return meteringdomain.ErrCurrencyMismatch
		}

		txType := ledgerdomain.TypeDebit
		if ev.Kind == meteringdomain.KindAdjustment {
			txType = ledgerdomain.TypeAdjustment
		}
		wasLow := locked.IsLowBalance()
		now := s.clock.Now(ctx)

		row, err := s.ledgerRepo.Apply(ctx, tx, ledgerdomain.ChargeOperation{
			Wallet:         locked,
			Type:           txType,
			Amount:         -total,
			IdempotencyKey: ev.IdempotencyKey,
			ReferenceType:  referenceType,
			ReferenceID:    ev.ID.String(),
			CreatedBy:      createdBy,
			Description:    ev.FeatureKey,
		}, s.genID.Generate(), now)
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) || errors.Is(err, walletdomain.ErrWalletNotActive) {
			reason := meteringdomain.ReasonInsufficientBalance
			if errors.Is(err, walletdomain.ErrWalletNotActive) {
				reason = meteringdomain.ReasonWalletNotActive
			}
			ok, markErr := s.repo.MarkFailed(ctx, tx, claim, reason, now)
			if markErr != nil {
				return markErr
			}
			if !ok {
				return meteringdomain.ErrRequestInFlight
			}
			ev.Status = meteringdomain.StatusFailed
			ev.FailureReason = reason
			ev.ClaimedAt = nil
			ev.UpdatedAt = now
			balance := locked.Balance()
			result = &meteringdomain.UsageEventResult{Event: ev, Items: items, Balance: &balance}
			outcome = err
			return nil
		}
		if err != nil {
			return err
		}

		ok, err := s.repo.MarkCharged(ctx, tx, meteringdomain.ChargedUpdate{
			Claim:               claim,
			WalletID:            locked.ID,
			LedgerTransactionID: row.ID,
			Items:               encoded,
			TotalCost:           total,
			Currency:            locked.Currency,
			At:                  now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Voided or re-claimed while we were working; undo the debit.
			return meteringdomain.ErrRequestInFlight
		}

		walletID := locked.ID
		ledgerID := row.ID
		ev.Status = meteringdomain.StatusCharged
		ev.WalletID = &walletID
		ev.LedgerTransactionID = &ledgerID
		ev.UsageItems = encoded
		ev.TotalCost = total
		ev.Currency = locked.Currency
		ev.FailureReason = ""
		ev.ClaimedAt = nil
		ev.UpdatedAt = now

		crossedLow = !wasLow && locked.IsLowBalance()
		balance := locked.Balance()
		result = &meteringdomain.UsageEventResult{Event: ev, Items: items, Balance: &balance}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateIdempotencyKey) {
			if prior, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, ev.TenantID, ev.IdempotencyKey); findErr == nil && prior != nil && prior.Status.Terminal() {
				return s.replay(ctx, prior)
			}
		}
		if !errors.Is(err, meteringdomain.ErrRequestInFlight) {
			s.abandon(ctx, claim)
		}
		s.log.Warn("usage charge aborted",
			zap.String("usage_event_id", ev.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	if outcome != nil {
		s.metrics.UsageEvent(ev.FeatureKey, "failed")
		s.log.Warn("usage event failed",
			zap.String("usage_event_id", ev.ID.String()),
			zap.String("tenant_id", ev.TenantID.String()),
			zap.String("reason", ev.FailureReason),
			zap.Int64("total_cost", total),
		)
		return result, outcome
	}

	s.metrics.UsageEvent(ev.FeatureKey, "charged")
	s.metrics.Charged(ev.FeatureKey, total)
	if crossedLow {
		s.log.Warn("wallet balance below threshold",
			zap.String("wallet_id", result.Balance.WalletID.String()),
			zap.Int64("current_balance", result.Balance.CurrentBalance),
			zap.Int64("reserved_balance", result.Balance.ReservedBalance),
		)
	}
	return result, nil
}

// ChargeSettlementTx is not gated by entitlements; the hold it settles was
// admitted by Reserve.
func (s *Service) ChargeSettlementTx(ctx context.Context, tx *gorm.DB, req meteringdomain.SettlementCharge) (*meteringdomain.UsageEvent, *ledgerdomain.LedgerTransaction, error) {
	w := req.Wallet
	if w == nil {
		return nil, nil, walletdomain.ErrWalletNotFound
	}
	if req.Cost <= 0 {
		return nil, nil, meteringdomain.ErrInvalidQuantity
	}

	cost := req.Cost
	items := []meteringdomain.UsageItem{{
		Category:    "reservation",
		Unit:        "credit",
		Quantity:    decimal.NewFromInt(cost),
		Cost:        &cost,
		Description: "reservation settlement",
	}}
	encoded, err := meteringdomain.EncodeItems(items)
	if err != nil {
		return nil, nil, err
	}

	reservationID := req.ReservationID
	at := req.At
	ev := &meteringdomain.UsageEvent{
		ID:             s.genID.Generate(),
		TenantID:       w.TenantID,
		UserID:         req.UserID,
		FeatureKey:     req.FeatureKey,
		Kind:           meteringdomain.KindSettlement,
		UsageItems:     encoded,
		Quantity:       decimal.Zero,
		Currency:       w.Currency,
		Status:         meteringdomain.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		ReservationID:  &reservationID,
		ClaimedAt:      &at,
		OccurredAt:     at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := s.repo.Insert(ctx, tx, ev); err != nil {
		return nil, nil, err
	}

	row, err := s.ledgerRepo.Apply(ctx, tx, ledgerdomain.ChargeOperation{
		Wallet:         w,
		Type:           ledgerdomain.TypeDebit,
		Amount:         -cost,
		IdempotencyKey: ev.IdempotencyKey,
		ReferenceType:  referenceType,
		ReferenceID:    ev.ID.String(),
		CreatedBy:      createdBy,
		Description:    req.FeatureKey,
	}, s.genID.Generate(), at)
	if err != nil {
		return nil, nil, err
	}

	ok, err := s.repo.MarkCharged(ctx, tx, meteringdomain.ChargedUpdate{
		Claim:               meteringdomain.Claim{EventID: ev.ID},
		WalletID:            w.ID,
		LedgerTransactionID: row.ID,
		Items:               encoded,
		TotalCost:           cost,
		Currency:            w.Currency,
		At:                  at,
	})
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, meteringdomain.ErrRequestInFlight
	}

	walletID := w.ID
	ledgerID := row.ID
	ev.Status = meteringdomain.StatusCharged
	ev.WalletID = &walletID
	ev.LedgerTransactionID = &ledgerID
	ev.TotalCost = cost
	ev.ClaimedAt = nil
	s.metrics.Charged(req.FeatureKey, cost)
	return ev, row, nil
}

func (s *Service) VoidUsage(ctx context.Context, usageEventID snowflake.ID) (*meteringdomain.UsageEvent, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, meteringdomain.ErrInvalidTenant
	}

	voided, err := s.repo.Void(ctx, s.db, tenantID, usageEventID, s.clock.Now(ctx))
	if err != nil {
		return nil, err
	}
	ev, err := s.repo.FindByID(ctx, s.db, tenantID, usageEventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, meteringdomain.ErrUsageEventNotFound
	}
	if !voided && ev.Status != meteringdomain.StatusVoided {
		return nil, meteringdomain.ErrInvalidTransition
	}
	if voided {
		s.metrics.UsageEvent(ev.FeatureKey, "voided")
		s.log.Info("usage event voided", zap.String("usage_event_id", ev.ID.String()))
	}
	return ev, nil
}

func (s *Service) GetUsageEvent(ctx context.Context, idempotencyKey string) (*meteringdomain.UsageEvent, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, meteringdomain.ErrInvalidTenant
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, meteringdomain.ErrInvalidIdempotencyKey
	}
	ev, err := s.repo.FindByIdempotencyKey(ctx, s.db, tenantID, key)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, meteringdomain.ErrUsageEventNotFound
	}
	return ev, nil
}

func (s *Service) GetUsageEventByID(ctx context.Context, id snowflake.ID) (*meteringdomain.UsageEvent, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, meteringdomain.ErrInvalidTenant
	}
	ev, err := s.repo.FindByID(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, meteringdomain.ErrUsageEventNotFound
	}
	return ev, nil
}

func (s *Service) PriceItems(ctx context.Context, items []meteringdomain.UsageItem, at time.Time) ([]meteringdomain.UsageItem, string, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, "", meteringdomain.ErrInvalidTenant
	}
	return s.price(ctx, tenantID, items, at, nil)
}

// price fills unit price and cost of unpriced items. With an overage
// decision, the share of each resolver-priced item beyond quota becomes a
// separate overage item at the overage rate.
func (s *Service) price(ctx context.Context, tenantID snowflake.ID, items []meteringdomain.UsageItem, at time.Time, decision *entitlementdomain.Decision) ([]meteringdomain.UsageItem, string, error) {
	ctx = tenantcontext.WithTenantID(ctx, tenantID)

	fraction := decimal.Zero
	var overageRate decimal.NullDecimal
	if decision != nil && decision.HasOverage() {
		fraction = decision.OverageFraction()
		overageRate = decision.OverageRate
	}

	var currency string
	out := make([]meteringdomain.UsageItem, 0, len(items)+1)
	for _, item := range items {
		if item.Priced() {
			out = append(out, item)
			continue
		}
		if item.Overage && item.UnitPrice != nil {
			out = append(out, pricedItem(item, item.Quantity, *item.UnitPrice, item.PriceID, true))
			continue
		}

		resolved, err := s.pricing.Resolve(ctx, pricingdomain.ResolveRequest{
			Key: pricingdomain.Key{
				Category: item.Category,
				Provider: item.Provider,
				Model:    item.Model,
				Unit:     item.Unit,
			},
			At: at,
		})
		if err != nil {
			return nil, "", err
		}
		if currency == "" {
			currency = resolved.Currency
		} else if currency != resolved.Currency {
			return nil, "", meteringdomain.ErrCurrencyMismatch
		}

		priceID := resolved.PriceID.String()
		if fraction.IsPositive() && overageRate.Valid {
			overQty := item.Quantity.Mul(fraction)
			inQty := item.Quantity.Sub(overQty)
			if inQty.IsPositive() {
				out = append(out, pricedItem(item, inQty, resolved.UnitPrice, priceID, false))
			}
			out = append(out, pricedItem(item, overQty, overageRate.Decimal, priceID, true))
			continue
		}
		out = append(out, pricedItem(item, item.Quantity, resolved.UnitPrice, priceID, false))
	}
	return out, currency, nil
}

func pricedItem(item meteringdomain.UsageItem, qty, unitPrice decimal.Decimal, priceID string, overage bool) meteringdomain.UsageItem {
	cost := pricingdomain.Cost(qty, unitPrice)
	price := unitPrice
	item.Quantity = qty
	item.UnitPrice = &price
	item.Cost = &cost
	item.PriceID = priceID
	item.Overage = overage
	if overage && item.Description == "" {
		item.Description = "overage"
	}
	return item
}

func (s *Service) walletFor(ctx context.Context, tx *gorm.DB, ev *meteringdomain.UsageEvent, priceCurrency string) (*walletdomain.Wallet, error) {
	if ev.WalletID != nil {
		w, err := s.walletRepo.FindByID(ctx, tx, ev.TenantID, *ev.WalletID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, walletdomain.ErrWalletNotFound
		}
		return w, nil
	}
	currency := ev.Currency
	if currency == "" {
		currency = priceCurrency
	}
	return s.wallets.EnsureWalletTx(ctx, tx, ev.TenantID, walletdomain.EnsureRequest{
		UserID:   ev.UserID,
		Currency: currency,
	})
}

func (s *Service) fail(ctx context.Context, ev *meteringdomain.UsageEvent, claim meteringdomain.Claim, items []meteringdomain.UsageItem, reason string, cause error) (*meteringdomain.UsageEventResult, error) {
	now := s.clock.Now(ctx)
	ok, err := s.repo.MarkFailed(ctx, s.db, claim, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, meteringdomain.ErrRequestInFlight
	}
	ev.Status = meteringdomain.StatusFailed
	ev.FailureReason = reason
	ev.ClaimedAt = nil
	ev.UpdatedAt = now
	s.metrics.UsageEvent(ev.FeatureKey, "failed")
	s.log.Warn("usage event rejected",
		zap.String("usage_event_id", ev.ID.String()),
		zap.String("feature_key", ev.FeatureKey),
		zap.String("reason", reason),
	)
	return &meteringdomain.UsageEventResult{Event: ev, Items: items}, cause
}

// abandon drops the claim so the caller may retry right away instead of
// waiting out the in-flight window.
func (s *Service) abandon(ctx context.Context, claim meteringdomain.Claim) {
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.ReleaseClaim(ctx, s.db, claim, s.clock.Now(ctx)); err != nil {
		s.log.Warn("failed to release usage claim",
			zap.String("usage_event_id", claim.EventID.String()),
			zap.Error(err),
		)
	}
}

// replay answers a repeated key with the stored outcome. A failed event
// comes back with the error it first failed with so callers never read a
// replayed failure as a charge.
func (s *Service) replay(ctx context.Context, ev *meteringdomain.UsageEvent) (*meteringdomain.UsageEventResult, error) {
	res, err := s.snapshot(ctx, ev)
	if err != nil {
		return nil, err
	}
	res.Replayed = true
	s.metrics.UsageEvent(ev.FeatureKey, "replayed")
	if ev.Status == meteringdomain.StatusFailed {
		return res, failureError(ev.FailureReason)
	}
	return res, nil
}

func failureError(reason string) error {
	switch reason {
	case meteringdomain.ReasonInsufficientBalance:
		return meteringdomain.ErrInsufficientBalance
	case meteringdomain.ReasonQuotaExceeded:
		return entitlementdomain.ErrQuotaExceeded
	case meteringdomain.ReasonFeatureDisabled:
		return entitlementdomain.ErrFeatureDisabled
	case meteringdomain.ReasonWalletNotActive:
		return walletdomain.ErrWalletNotActive
	case meteringdomain.ReasonRetryLimitExceeded:
		return meteringdomain.ErrRetryLimitExceeded
	default:
		return meteringdomain.ErrEventFailed
	}
}

func (s *Service) snapshot(ctx context.Context, ev *meteringdomain.UsageEvent) (*meteringdomain.UsageEventResult, error) {
	items, err := ev.Items()
	if err != nil {
		return nil, err
	}
	res := &meteringdomain.UsageEventResult{Event: ev, Items: items}
	if ev.WalletID != nil {
		w, err := s.walletRepo.FindByID(ctx, s.db, ev.TenantID, *ev.WalletID)
		if err != nil {
			return nil, err
		}
		if w != nil {
			balance := w.Balance()
			res.Balance = &balance
		}
	}
	return res, nil
}

func (s *Service) newSubmission(ctx context.Context, tenantID snowflake.ID, req meteringdomain.SubmitRequest) (submission, error) {
	featureKey := strings.ToLower(strings.TrimSpace(req.FeatureKey))
	if featureKey == "" {
		return submission{}, meteringdomain.ErrInvalidFeatureKey
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || len(key) > maxIdempotencyLen {
		return submission{}, meteringdomain.ErrInvalidIdempotencyKey
	}
	for _, prefix := range reservedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return submission{}, meteringdomain.ErrInvalidIdempotencyKey
		}
	}
	if strings.HasSuffix(key, meteringdomain.ReconcileSuffix) {
		return submission{}, meteringdomain.ErrInvalidIdempotencyKey
	}
	if len(req.Items) == 0 {
		return submission{}, meteringdomain.ErrInvalidItems
	}

	items := make([]meteringdomain.UsageItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity.IsNegative() {
			return submission{}, meteringdomain.ErrInvalidItems
		}
		if item.Cost != nil {
			if *item.Cost < 0 {
				return submission{}, meteringdomain.ErrInvalidItems
			}
		} else {
			k := pricingdomain.Key{Category: item.Category, Provider: item.Provider, Model: item.Model, Unit: item.Unit}.Normalize()
			if !k.Valid() {
				return submission{}, meteringdomain.ErrInvalidItems
			}
			item.Category, item.Provider, item.Model, item.Unit = k.Category, k.Provider, k.Model, k.Unit
		}
		item.Overage = false
		item.PriceID = ""
		items = append(items, item)
	}

	quantity := decimal.NewFromInt(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if quantity.IsNegative() {
		return submission{}, meteringdomain.ErrInvalidQuantity
	}

	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() {
		occurredAt = s.clock.Now(ctx)
	}

	userID := req.UserID
	if userID != nil && *userID == 0 {
		userID = nil
	}

	return submission{
		tenantID:   tenantID,
		userID:     userID,
		featureKey: featureKey,
		kind:       meteringdomain.KindStandard,
		items:      items,
		quantity:   quantity,
		key:        key,
		occurredAt: occurredAt,
		currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
	}, nil
}

func (s *Service) newEvent(sub submission, now time.Time) (*meteringdomain.UsageEvent, error) {
	encoded, err := meteringdomain.EncodeItems(sub.items)
	if err != nil {
		return nil, err
	}
	ev := &meteringdomain.UsageEvent{
		ID:               s.genID.Generate(),
		TenantID:         sub.tenantID,
		UserID:           sub.userID,
		WalletID:         sub.walletID,
		FeatureKey:       sub.featureKey,
		Kind:             sub.kind,
		UsageItems:       encoded,
		Quantity:         sub.quantity,
		Currency:         sub.currency,
		Status:           meteringdomain.StatusPending,
		IdempotencyKey:   sub.key,
		ReferenceEventID: sub.referenceEventID,
		ClaimedAt:        &now,
		OccurredAt:       sub.occurredAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if sub.delta != nil {
		ev.TotalCost = *sub.delta
	} else {
		ev.TotalCost = meteringdomain.TotalCost(sub.items)
	}
	return ev, nil
}
