// Package scheduler fires a job on a cron schedule, never running two
// instances of it at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/serroba/postviews/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Trigger while a run is in progress in this process.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrLeaseHeld is returned by Trigger when another instance holds the lease.
	ErrLeaseHeld = errors.New("lease held by another instance")
	// ErrInvalidSchedule is returned by New for an unparseable cron expression.
	ErrInvalidSchedule = errors.New("invalid cron expression")
)

// Job is the unit of work fired on every tick.
type Job func(ctx context.Context) error

// Lease excludes concurrent runs across processes.
type Lease interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
}

// Scheduler fires Job on a cron schedule.
type Scheduler struct {
	expr     string
	job      Job
	lease    Lease
	leaseTTL time.Duration
	owner    string
	metrics  *metrics.Metrics
	logger   *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLease guards every run with a lease held for at most ttl.
func WithLease(lease Lease, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.lease = lease
		s.leaseTTL = ttl
	}
}

// New creates a scheduler for the cron expression expr.
func New(expr string, job Job, m *metrics.Metrics, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}

	s := &Scheduler{
		expr:    expr,
		job:     job,
		owner:   uuid.NewString(),
		metrics: m,
		logger:  logger.With(zap.String("schedule", expr)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start begins firing the job in the background until Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx)

	s.logger.Info("scheduler started")

	return nil
}

// Trigger runs the job now unless a run is already in progress.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.run(ctx)
}

// Running reports whether a run is in progress in this process.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Shutdown stops scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")

	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			s.logger.Error("failed to compute next tick", zap.Error(err))

			next = time.Now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}

		// A started run finishes even if shutdown begins meanwhile.
		err = s.run(context.WithoutCancel(ctx))

		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrLeaseHeld):
			s.logger.Info("tick skipped", zap.Error(err))
		default:
			s.logger.Error("scheduled run failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.CyclesSkipped.Inc()

		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, s.owner, s.leaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}

		if !ok {
			s.metrics.CyclesSkipped.Inc()

			return ErrLeaseHeld
		}

		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), s.owner); err != nil {
				s.logger.Warn("failed to release lease", zap.Error(err))
			}
		}()
	}

	return s.job(ctx)
}
