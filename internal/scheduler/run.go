package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type jobRun struct {
	name      string
	startedAt time.Time
	processed int
	failed    int
}

func (r *jobRun) AddProcessed(n int) { r.processed += n }
func (r *jobRun) AddFailed(n int)    { r.failed += n }

func (s *Scheduler) ensureJobRun(ctx context.Context, name string) *jobRun {
	return &jobRun{name: name, startedAt: s.clock.Now(ctx)}
}

func (s *Scheduler) logJobStart(run *jobRun) {
	s.log.Debug("scheduler.job.start", zap.String("job", run.name))
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, err error) {
	took := s.clock.Now(ctx).Sub(run.startedAt)
	status := "success"
	if err != nil {
		status = "failed"
	}
	s.metrics.JobRun(run.name, status, took)
	s.log.Info("scheduler.job.finish",
		zap.String("job", run.name),
		zap.String("status", status),
		zap.Int("processed", run.processed),
		zap.Int("failed", run.failed),
		zap.Duration("took", took),
	)
}

func (s *Scheduler) logSchedulerError(run *jobRun, err error) {
	s.log.Error("scheduler.job.failed",
		zap.String("job", run.name),
		zap.Int("processed", run.processed),
		zap.Error(err),
	)
}
