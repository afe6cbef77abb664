package scheduler

import (
	"context"
	"time"
)

func (s *Scheduler) expireReservations(ctx context.Context, run *jobRun) error {
	batch := s.cfg.Reservation.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	now := s.clock.Now(ctx)
	for {
		released, err := s.reservations.ReleaseExpired(ctx, now, batch)
		run.AddProcessed(released)
		if err != nil {
			return err
		}
		if released < batch {
			return nil
		}
	}
}

func (s *Scheduler) reconcileUsage(ctx context.Context, run *jobRun) error {
	lookback := s.cfg.Reconciliation.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	report, err := s.reconciliation.RunSweep(ctx, s.clock.Now(ctx).Add(-lookback))
	run.AddProcessed(report.Adjusted + report.Unchanged)
	run.AddFailed(report.Failed)
	return err
}

func (s *Scheduler) checkLedgerDrift(ctx context.Context, run *jobRun) error {
	reports, err := s.ledger.CheckAllDrift(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(len(reports))
	return nil
}
