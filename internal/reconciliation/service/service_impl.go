package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	meteringdomain "github.com/railzwaylabs/credits/internal/metering/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	Metrics  *observability.Metrics `optional:"true"`
	Events   meteringdomain.Repository
	Metering meteringdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	metrics  *observability.Metrics
	events   meteringdomain.Repository
	metering meteringdomain.Service
	batch    int
}

func NewService(p ServiceParam) reconciliationdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	batch := p.Config.Reconciliation.Batch
	if batch <= 0 {
		batch = 200
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		clock:    c,
		metrics:  p.Metrics,
		events:   p.Events,
		metering: p.Metering,
		batch:    batch,
	}
}

func (s *Service) Reconcile(ctx context.Context, usageEventID snowflake.ID, corrected []meteringdomain.UsageItem) (*reconciliationdomain.Result, error) {
	if _, ok := tenantcontext.TenantIDFromContext(ctx); !ok {
		return nil, reconciliationdomain.ErrInvalidTenant
	}

	orig, err := s.metering.GetUsageEventByID(ctx, usageEventID)
	if err != nil {
		return nil, err
	}
	if orig.Kind != meteringdomain.KindStandard {
		return nil, reconciliationdomain.ErrNotReconcilable
	}
	if orig.Status != meteringdomain.StatusCharged {
		return nil, meteringdomain.ErrEventNotCharged
	}

	items, err := s.repriceable(orig, corrected)
	if err != nil {
		return nil, err
	}
	priced, _, err := s.metering.PriceItems(ctx, items, orig.OccurredAt)
	if err != nil {
		s.metrics.Reconciliation(string(reconciliationdomain.OutcomeFailed))
		return nil, err
	}

	recomputed := meteringdomain.TotalCost(priced)
	result := &reconciliationdomain.Result{
		Original:       orig,
		OriginalCost:   orig.TotalCost,
		RecomputedCost: recomputed,
		Delta:          recomputed - orig.TotalCost,
	}
	if result.Delta == 0 {
		result.Outcome = reconciliationdomain.OutcomeUnchanged
		s.metrics.Reconciliation(string(result.Outcome))
		return result, nil
	}

	adj, err := s.metering.SubmitAdjustment(ctx, meteringdomain.AdjustmentRequest{
		Original:       orig,
		Delta:          result.Delta,
		Items:          priced,
		IdempotencyKey: meteringdomain.ReconcileKey(orig.ID),
	})
	result.Adjustment = adj
	if err == nil && adj.Event.Status != meteringdomain.StatusCharged {
		// A replayed adjustment that never charged is still a failure.
		err = fmt.Errorf("%w: %s", meteringdomain.ErrEventFailed, adj.Event.FailureReason)
	}
	if err != nil {
		result.Outcome = reconciliationdomain.OutcomeFailed
		s.metrics.Reconciliation(string(result.Outcome))
		s.log.Warn("reconciliation adjustment failed",
			zap.String("usage_event_id", orig.ID.String()),
			zap.Int64("delta", result.Delta),
			zap.Bool("replayed", adj != nil && adj.Replayed),
			zap.Error(err),
		)
		return result, err
	}

	result.Outcome = reconciliationdomain.OutcomeAdjusted
	s.metrics.Reconciliation(string(result.Outcome))
	s.log.Info("usage event reconciled",
		zap.String("usage_event_id", orig.ID.String()),
		zap.Int64("original_cost", result.OriginalCost),
		zap.Int64("recomputed_cost", recomputed),
		zap.Bool("replayed", adj.Replayed),
	)
	return result, nil
}

func (s *Service) RunSweep(ctx context.Context, since time.Time) (reconciliationdomain.SweepReport, error) {
	var report reconciliationdomain.SweepReport
	until := s.clock.Now(ctx)

	var afterID snowflake.ID
	for {
		events, err := s.events.ListReconcilable(ctx, s.db, meteringdomain.ReconcileQuery{
			Since:   since,
			Until:   until,
			AfterID: afterID,
			Limit:   s.batch,
		})
		if err != nil {
			return report, err
		}

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			afterID = ev.ID
			report.Scanned++

			res, err := s.Reconcile(tenantcontext.WithTenantID(ctx, ev.TenantID), ev.ID, nil)
			if err != nil {
				report.Failed++
				s.log.Warn("reconciliation failed",
					zap.String("usage_event_id", ev.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if res.Outcome == reconciliationdomain.OutcomeAdjusted {
				report.Adjusted++
			} else {
				report.Unchanged++
			}
		}

		if len(events) < s.batch {
			break
		}
	}

	s.log.Info("reconciliation sweep finished",
		zap.Time("since", since),
		zap.Int("scanned", report.Scanned),
		zap.Int("adjusted", report.Adjusted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// repriceable returns the items to price again. Corrected items replace
// the stored ones. Stored catalog-priced items drop their price so the
// catalog is consulted again; overage items keep their rate and caller
// priced items keep their cost.
func (s *Service) repriceable(orig *meteringdomain.UsageEvent, corrected []meteringdomain.UsageItem) ([]meteringdomain.UsageItem, error) {
	if len(corrected) > 0 {
		items := make([]meteringdomain.UsageItem, 0, len(corrected))
		for _, item := range corrected {
			if item.Quantity.IsNegative() || (item.Cost != nil && *item.Cost < 0) {
				return nil, meteringdomain.ErrInvalidItems
			}
			item.Overage = false
			item.PriceID = ""
			if item.Cost == nil {
				item.UnitPrice = nil
			}
			items = append(items, item)
		}
		return items, nil
	}

	stored, err := orig.Items()
	if err != nil {
		return nil, err
	}
	items := make([]meteringdomain.UsageItem, 0, len(stored))
	for _, item := range stored {
		if item.PriceID != "" {
			item.Cost = nil
			if !item.Overage {
				item.UnitPrice = nil
			}
		}
		items = append(items, item)
	}
	return items, nil
}
