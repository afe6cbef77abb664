package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	entitlementdomain "github.com/railzwaylabs/credits/internal/entitlement/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	Clock  clock.Clock
	GenID  *snowflake.Node
	Repo   entitlementdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	repo     entitlementdomain.Repository
	location *time.Location
	require  bool
}

func NewService(p ServiceParam) entitlementdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("entitlement.service"),
		clock:    c,
		genID:    p.GenID,
		repo:     p.Repo,
		location: p.Config.Metering.QuotaLocation(),
		require:  p.Config.Metering.RequireEntitlement,
	}
}

func (s *Service) CheckAndReserveQuota(ctx context.Context, req entitlementdomain.CheckRequest) (*entitlementdomain.Decision, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, entitlementdomain.ErrInvalidTenant
	}
	return s.CheckTx(ctx, s.db, tenantID, req)
}

func (s *Service) CheckTx(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, req entitlementdomain.CheckRequest) (*entitlementdomain.Decision, error) {
	featureKey := normalizeFeature(req.FeatureKey)
	if featureKey == "" {
		return nil, entitlementdomain.ErrInvalidFeatureKey
	}
	if req.Quantity.IsNegative() {
		return nil, entitlementdomain.ErrInvalidQuantity
	}
	at := req.At
	if at.IsZero() {
		at = s.clock.Now(ctx)
	}

	ent, err := s.effective(ctx, db, tenantID, featureKey)
	if err != nil {
		return nil, err
	}

	decision := &entitlementdomain.Decision{
		Outcome:     entitlementdomain.OutcomeAllowed,
		Entitlement: ent,
		Quantity:    req.Quantity,
		InQuota:     req.Quantity,
	}
	if ent == nil {
		if s.require {
			decision.Outcome = entitlementdomain.OutcomeFeatureDisabled
			return decision, entitlementdomain.ErrFeatureDisabled
		}
		return decision, nil
	}
	if !ent.Enabled {
		decision.Outcome = entitlementdomain.OutcomeFeatureDisabled
		return decision, entitlementdomain.ErrFeatureDisabled
	}
	decision.OverageRate = ent.OverageRate

	if !ent.DailyQuota.Valid && !ent.MonthlyQuota.Valid {
		return decision, nil
	}

	day, month := s.windows(at)
	remaining := req.Quantity

	if ent.DailyQuota.Valid {
		used, err := s.repo.Consumed(ctx, db, entitlementdomain.ConsumptionQuery{
			TenantID:       tenantID,
			FeatureKey:     featureKey,
			From:           day.from,
			To:             day.to,
			ExcludeEventID: req.ExcludeEventID,
		})
		if err != nil {
			return nil, err
		}
		decision.DailyUsed = used
		remaining = decimal.Min(remaining, headroom(ent.DailyQuota.Decimal, used))
	}
	if ent.MonthlyQuota.Valid {
		used, err := s.repo.Consumed(ctx, db, entitlementdomain.ConsumptionQuery{
			TenantID:       tenantID,
			FeatureKey:     featureKey,
			From:           month.from,
			To:             month.to,
			ExcludeEventID: req.ExcludeEventID,
		})
		if err != nil {
			return nil, err
		}
		decision.MonthlyUsed = used
		remaining = decimal.Min(remaining, headroom(ent.MonthlyQuota.Decimal, used))
	}

	decision.InQuota = remaining
	decision.Overage = req.Quantity.Sub(remaining)
	if decision.Overage.IsPositive() && !ent.AllowOverages {
		decision.Outcome = entitlementdomain.OutcomeQuotaExceeded
		s.log.Warn("quota exceeded",
			zap.String("tenant_id", tenantID.String()),
			zap.String("feature_key", featureKey),
			zap.String("quantity", req.Quantity.String()),
			zap.String("daily_used", decision.DailyUsed.String()),
			zap.String("monthly_used", decision.MonthlyUsed.String()),
		)
		return decision, entitlementdomain.ErrQuotaExceeded
	}
	return decision, nil
}

func (s *Service) Upsert(ctx context.Context, req entitlementdomain.UpsertRequest) (*entitlementdomain.FeatureEntitlement, error) {
	featureKey := normalizeFeature(req.FeatureKey)
	if featureKey == "" {
		return nil, entitlementdomain.ErrInvalidFeatureKey
	}
	for _, q := range []decimal.NullDecimal{req.MonthlyQuota, req.DailyQuota, req.OverageRate} {
		if q.Valid && q.Decimal.IsNegative() {
			return nil, entitlementdomain.ErrInvalidQuota
		}
	}

	var tenantID *snowflake.ID
	if !req.Global {
		id, ok := tenantcontext.TenantIDFromContext(ctx)
		if !ok {
			return nil, entitlementdomain.ErrInvalidTenant
		}
		tenantID = &id
	}

	now := s.clock.Now(ctx)
	scopeKey := entitlementdomain.ScopeKey(tenantID, featureKey)
	ent := &entitlementdomain.FeatureEntitlement{
		ID:            s.genID.Generate(),
		TenantID:      tenantID,
		ScopeKey:      scopeKey,
		FeatureKey:    featureKey,
		Enabled:       req.Enabled,
		MonthlyQuota:  req.MonthlyQuota,
		DailyQuota:    req.DailyQuota,
		AllowOverages: req.AllowOverages,
		OverageRate:   req.OverageRate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Upsert(ctx, s.db, ent); err != nil {
		return nil, err
	}

	stored, err := s.repo.FindByScope(ctx, s.db, scopeKey)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, entitlementdomain.ErrEntitlementNotFound
	}
	s.log.Info("entitlement updated",
		zap.String("scope_key", scopeKey),
		zap.Bool("enabled", stored.Enabled),
		zap.Bool("allow_overages", stored.AllowOverages),
	)
	return stored, nil
}

func (s *Service) Get(ctx context.Context, featureKey string) (*entitlementdomain.FeatureEntitlement, error) {
	featureKey = normalizeFeature(featureKey)
	if featureKey == "" {
		return nil, entitlementdomain.ErrInvalidFeatureKey
	}
	tenantID, _ := tenantcontext.TenantIDFromContext(ctx)
	ent, err := s.effective(ctx, s.db, tenantID, featureKey)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, entitlementdomain.ErrEntitlementNotFound
	}
	return ent, nil
}

func (s *Service) Usage(ctx context.Context, featureKey string, at time.Time) (*entitlementdomain.UsageSummary, error) {
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok {
		return nil, entitlementdomain.ErrInvalidTenant
	}
	featureKey = normalizeFeature(featureKey)
	if featureKey == "" {
		return nil, entitlementdomain.ErrInvalidFeatureKey
	}
	if at.IsZero() {
		at = s.clock.Now(ctx)
	}

	day, month := s.windows(at)
	daily, err := s.repo.Consumed(ctx, s.db, entitlementdomain.ConsumptionQuery{
		TenantID:   tenantID,
		FeatureKey: featureKey,
		From:       day.from,
		To:         day.to,
	})
	if err != nil {
		return nil, err
	}
	monthly, err := s.repo.Consumed(ctx, s.db, entitlementdomain.ConsumptionQuery{
		TenantID:   tenantID,
		FeatureKey: featureKey,
		From:       month.from,
		To:         month.to,
	})
	if err != nil {
		return nil, err
	}

	summary := &entitlementdomain.UsageSummary{
		FeatureKey:  featureKey,
		DailyUsed:   daily,
		MonthlyUsed: monthly,
		DayStart:    day.from,
		MonthStart:  month.from,
	}
	ent, err := s.effective(ctx, s.db, tenantID, featureKey)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		summary.DailyQuota = ent.DailyQuota
		summary.MonthlyQuota = ent.MonthlyQuota
	}
	return summary, nil
}

// effective returns the tenant row, falling back to the platform default.
func (s *Service) effective(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, featureKey string) (*entitlementdomain.FeatureEntitlement, error) {
	if tenantID != 0 {
		ent, err := s.repo.FindByScope(ctx, db, entitlementdomain.ScopeKey(&tenantID, featureKey))
		if err != nil {
			return nil, err
		}
		if ent != nil {
			return ent, nil
		}
	}
	return s.repo.FindByScope(ctx, db, entitlementdomain.ScopeKey(nil, featureKey))
}

type window struct {
	from time.Time
	to   time.Time
}

// windows returns the day and month containing at, cut in the configured
// quota time zone and expressed in UTC.
func (s *Service) windows(at time.Time) (window, window) {
	local := at.In(s.location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	month := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.location)
	return window{from: day.UTC(), to: day.AddDate(0, 0, 1).UTC()},
		window{from: month.UTC(), to: month.AddDate(0, 1, 0).UTC()}
}

func headroom(quota, used decimal.Decimal) decimal.Decimal {
	left := quota.Sub(used)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func normalizeFeature(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
