package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	pricingdomain "github.com/railzwaylabs/credits/internal/pricing/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  pricingdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	repo  pricingdomain.Repository
}

func NewService(p ServiceParam) pricingdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("pricing.service"),
		clock: c,
		genID: p.GenID,
		repo:  p.Repo,
	}
}

// Resolve never falls back to zero: a missing rate is ErrPriceNotFound.
func (s *Service) Resolve(ctx context.Context, req pricingdomain.ResolveRequest) (*pricingdomain.Resolved, error) {
	key := req.Key.Normalize()
	if !key.Valid() {
		return nil, pricingdomain.ErrInvalidPriceKey
	}
	at := req.At
	if at.IsZero() {
		at = s.clock.Now(ctx)
	}
	tenantID, _ := tenantcontext.TenantIDFromContext(ctx)

	price, err := s.repo.Resolve(ctx, s.db, tenantID, key, at.UTC())
	if err != nil {
		return nil, err
	}
	if price == nil {
		s.log.Error("no price configured for usage component",
			zap.String("tenant_id", tenantID.String()),
			zap.String("key", key.String()),
			zap.Time("at", at),
		)
		return nil, pricingdomain.ErrPriceNotFound
	}

	return &pricingdomain.Resolved{
		PriceID:       price.ID,
		UnitPrice:     price.UnitPrice,
		Currency:      price.Currency,
		TenantScoped:  price.TenantID != nil,
		EffectiveFrom: price.EffectiveFrom,
	}, nil
}

// Upsert adds a new version. The version in force before it is closed at the
// new effective_from, and a version already scheduled after it bounds the new
// row's effective_to, so windows within one scope never overlap.
func (s *Service) Upsert(ctx context.Context, req pricingdomain.UpsertRequest) (*pricingdomain.Price, error) {
	key := req.Key.Normalize()
	if !key.Valid() {
		return nil, pricingdomain.ErrInvalidPriceKey
	}
	if req.UnitPrice.IsNegative() {
		return nil, pricingdomain.ErrInvalidUnitPrice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, pricingdomain.ErrInvalidCurrency
	}

	var tenantID *snowflake.ID
	if !req.Global {
		id, ok := tenantcontext.TenantIDFromContext(ctx)
		if !ok {
			return nil, pricingdomain.ErrInvalidTenant
		}
		tenantID = &id
	}

	now := s.clock.Now(ctx)
	from := req.EffectiveFrom.UTC()
	if from.IsZero() {
		from = now
	}

	price := &pricingdomain.Price{
		ID:            s.genID.Generate(),
		TenantID:      tenantID,
		Category:      key.Category,
		Provider:      key.Provider,
		Model:         key.Model,
		Unit:          key.Unit,
		UnitPrice:     req.UnitPrice,
		Currency:      currency,
		EffectiveFrom: from,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versions, err := s.repo.ListScope(ctx, tx, tenantID, key)
		if err != nil {
			return err
		}
		for _, v := range versions {
			switch {
			case v.EffectiveFrom.Equal(from):
				return pricingdomain.ErrDuplicateVersion
			case v.EffectiveFrom.Before(from):
				if v.EffectiveTo == nil || v.EffectiveTo.After(from) {
					if err := s.repo.CloseAt(ctx, tx, v.ID, from, now); err != nil {
						return err
					}
				}
			default:
				if price.EffectiveTo == nil || v.EffectiveFrom.Before(*price.EffectiveTo) {
					next := v.EffectiveFrom
					price.EffectiveTo = &next
				}
			}
		}
		return s.repo.Insert(ctx, tx, price)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("price version added",
		zap.String("price_id", price.ID.String()),
		zap.String("key", key.String()),
		zap.Bool("global", tenantID == nil),
		zap.String("unit_price", price.UnitPrice.String()),
		zap.Time("effective_from", from),
	)
	return price, nil
}

func (s *Service) List(ctx context.Context, req pricingdomain.ListRequest) ([]*pricingdomain.Price, error) {
	var tenantID *snowflake.ID
	if id, ok := tenantcontext.TenantIDFromContext(ctx); ok {
		tenantID = &id
	}
	return s.repo.List(ctx, s.db, tenantID, pricingdomain.ListFilter{
		Category:      strings.ToLower(strings.TrimSpace(req.Category)),
		IncludeGlobal: req.IncludeGlobal,
		ActiveOnly:    req.ActiveOnly,
	})
}

func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) error {
	price, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if price == nil {
		return pricingdomain.ErrPriceNotFound
	}
	// Tenants may only retire their own overrides.
	if price.TenantID != nil {
		tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
		if !ok || tenantID != *price.TenantID {
			return pricingdomain.ErrPriceNotFound
		}
	}
	if err := s.repo.Deactivate(ctx, s.db, id, s.clock.Now(ctx)); err != nil {
		return err
	}
	s.log.Info("price deactivated", zap.String("price_id", id.String()))
	return nil
}

// SeedDefaults loads configured global rates for keys with no global version
// yet. Keys already present are left alone.
func (s *Service) SeedDefaults(ctx context.Context, seeds []config.PriceSeed) (int, error) {
	created := 0
	for _, seed := range seeds {
		key := pricingdomain.Key{
			Category: seed.Category,
			Provider: seed.Provider,
			Model:    seed.Model,
			Unit:     seed.Unit,
		}.Normalize()

		unitPrice, err := decimal.NewFromString(strings.TrimSpace(seed.UnitPrice))
		if err != nil {
			return created, pricingdomain.ErrInvalidUnitPrice
		}

		existing, err := s.repo.ListScope(ctx, s.db, nil, key)
		if err != nil {
			return created, err
		}
		if len(existing) > 0 {
			continue
		}

		from := seed.EffectiveFrom
		if from.IsZero() {
			from = time.Unix(0, 0).UTC()
		}
		if _, err := s.Upsert(ctx, pricingdomain.UpsertRequest{
			Key:           key,
			Global:        true,
			UnitPrice:     unitPrice,
			Currency:      seed.Currency,
			EffectiveFrom: from,
		}); err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		s.log.Info("seeded default prices", zap.Int("count", created))
	}
	return created, nil
}
