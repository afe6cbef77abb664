package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/railzwaylabs/credits/internal/clock"
	"github.com/railzwaylabs/credits/internal/config"
	ledgerdomain "github.com/railzwaylabs/credits/internal/ledger/domain"
	"github.com/railzwaylabs/credits/internal/observability"
	reconciliationdomain "github.com/railzwaylabs/credits/internal/reconciliation/domain"
	reservationdomain "github.com/railzwaylabs/credits/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobExpireReservations = "expire_reservations"
	JobReconcileUsage     = "reconcile_usage"
	JobLedgerDrift        = "ledger_drift"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Config         config.Config
	Clock          clock.Clock
	Metrics        *observability.Metrics `optional:"true"`
	Reservations   reservationdomain.Service
	Reconciliation reconciliationdomain.Service
	Ledger         ledgerdomain.Service
}

// Job is one periodic task. Run returns how many items it processed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, run *jobRun) error
}

type Scheduler struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *observability.Metrics
	cfg     config.Config

	reservations   reservationdomain.Service
	reconciliation reconciliationdomain.Service
	ledger         ledgerdomain.Service
}

func New(p Params) *Scheduler {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler"),
		clock:          c,
		metrics:        p.Metrics,
		cfg:            p.Config,
		reservations:   p.Reservations,
		reconciliation: p.Reconciliation,
		ledger:         p.Ledger,
	}
}

func (s *Scheduler) Jobs() []Job {
	jobs := []Job{
		{Name: JobExpireReservations, Interval: s.cfg.Reservation.SweepInterval, Run: s.expireReservations},
		{Name: JobLedgerDrift, Interval: s.cfg.Ledger.DriftCheckInterval, Run: s.checkLedgerDrift},
	}
	if s.cfg.Reconciliation.Enabled {
		jobs = append(jobs, Job{Name: JobReconcileUsage, Interval: s.cfg.Reconciliation.Interval, Run: s.reconcileUsage})
	}
	return jobs
}

// RunForever runs every job on its interval until ctx is cancelled. A job
// failure is logged and the job runs again on its next tick.
func (s *Scheduler) RunForever(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.Jobs() {
		if job.Interval <= 0 {
			s.log.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.log.Info("scheduler started")
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

// RunOnce runs the named job a single time.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, job := range s.Jobs() {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		_ = s.execute(ctx, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	run := s.ensureJobRun(ctx, job.Name)
	s.logJobStart(run)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		if err != nil {
			s.logSchedulerError(run, err)
		}
		s.logJobFinish(ctx, run, err)
	}()
	return job.Run(ctx, run)
}
