package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/events"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobIdempotencySweep = "idempotency_sweep"
	JobOutboxDispatch   = "outbox_dispatch"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Idempotency domain.IdempotencyRepository
	Dispatcher  *events.Dispatcher

	Locker        *ratelimit.Locker         `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
	Config        Config                    `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	idempotency   domain.IdempotencyRepository
	dispatcher    *events.Dispatcher
	locker        *ratelimit.Locker
	ledgerMetrics *obsmetrics.LedgerMetrics
	cron          *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Idempotency == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	cl := cronLogger{log: log.Sugar()}
	return &Scheduler{
		db:            p.DB,
		log:           log,
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		idempotency:   p.Idempotency,
		dispatcher:    p.Dispatcher,
		locker:        p.Locker,
		ledgerMetrics: p.LedgerMetrics,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		schedule string
		batch    int
		fn       func(context.Context) error
	}{
		{JobIdempotencySweep, s.cfg.SweepSchedule, s.cfg.SweepBatchSize, s.IdempotencySweepJob},
		{JobOutboxDispatch, s.cfg.DispatchSchedule, s.cfg.DispatchBatchSize, s.OutboxDispatchJob},
	}
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.schedule, func() {
			if err := s.runJob(ctx, job.name, job.batch, s.cfg.JobTimeout, job.fn); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", job.name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.schedule, err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("sweep_schedule", s.cfg.SweepSchedule),
		zap.String("dispatch_schedule", s.cfg.DispatchSchedule),
		zap.Bool("distributed_lock", s.locker != nil),
	)
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job a single time. Used by tests and manual triggers.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return errors.Join(
		s.runJob(parent, JobIdempotencySweep, s.cfg.SweepBatchSize, s.cfg.JobTimeout, s.IdempotencySweepJob),
		s.runJob(parent, JobOutboxDispatch, s.cfg.DispatchBatchSize, s.cfg.JobTimeout, s.OutboxDispatchJob),
	)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	schedMetrics := obsmetrics.Scheduler()

	release, acquired, err := s.acquire(parent, name)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		return fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	defer release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	ctx, run := s.startJobRun(ctx, name, batchSize)
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	s.logJobFinish(ctx, run, err)
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick picks up the remainder.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// acquire takes the cross-replica lock for job when Redis is configured.
func (s *Scheduler) acquire(ctx context.Context, job string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	token, ok, err := s.locker.TryLock(ctx, "scheduler:"+job, s.cfg.LockTTL)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), "scheduler:"+job, token); err != nil {
			s.log.Warn("failed to release job lock", zap.String("job", job), zap.Error(err))
		}
	}, true, nil
}

// IdempotencySweepJob deletes expired idempotency keys batch by batch until a
// short batch shows nothing is left.
func (s *Scheduler) IdempotencySweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()
	batch := s.cfg.SweepBatchSize

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := s.idempotency.DeleteExpired(ctx, s.db, now, batch)
		if err != nil {
			return err
		}
		run.AddProcessed(int(deleted))
		obsmetrics.Scheduler().AddBatchProcessed(JobIdempotencySweep, "idempotency_keys", int(deleted))
		s.ledgerMetrics.AddIdempotency(obsmetrics.IdempotencySwept, deleted)
		if deleted < int64(batch) {
			return nil
		}
	}
}

// OutboxDispatchJob publishes one batch of pending events and refreshes the
// backlog gauge.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	published, err := s.dispatcher.FlushOnce(ctx, s.cfg.DispatchBatchSize)
	run.AddProcessed(published)
	obsmetrics.Scheduler().AddBatchProcessed(JobOutboxDispatch, "outbox_events", published)

	if _, backlogErr := s.dispatcher.Backlog(ctx); backlogErr != nil {
		err = errors.Join(err, backlogErr)
	}
	return err
}
