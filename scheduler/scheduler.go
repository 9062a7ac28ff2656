// Package scheduler turns sync requests into jobs and dispatches runnable
// jobs to a bounded pool of workers.
//
// Workers poll the job store for claimable jobs, so a job left running by a
// crashed process is picked up again once its lease expires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/job"
)

const (
	DefaultWorkers      = 2
	DefaultPollInterval = 5 * time.Second
	defaultBatch        = 50
)

// Catalog is the part of catalog.Catalog the scheduler needs.
type Catalog interface {
	Types() []string
	Settings(mirrorType string) (catalog.Settings, error)
}

// JobRunner drives a claimed job to completion.
type JobRunner interface {
	Run(ctx context.Context, id uint64) error
}

// Scheduler enqueues, cancels and dispatches jobs.
type Scheduler struct {
	store        job.Store
	catalog      Catalog
	runner       JobRunner
	workers      int
	pollInterval time.Duration
	periodic     bool
	now          func() time.Time
	logger       *slog.Logger

	// enqueueMu makes the active-job lookup and create one step.
	enqueueMu sync.Mutex
	wake      chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithWorkers sets how many jobs run at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPollInterval sets how often the store is polled for runnable jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithPeriodic enables enqueueing each mirror on its configured interval.
func WithPeriodic(enabled bool) Option {
	return func(s *Scheduler) {
		s.periodic = enabled
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(store job.Store, cat Catalog, runner JobRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		catalog:      cat,
		runner:       runner,
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Enqueue creates a pending job for mirrorType. Unless force is set, an
// existing pending or running job for the same mirror is returned instead.
func (s *Scheduler) Enqueue(ctx context.Context, mirrorType string, force bool) (uint64, error) {
	if _, err := s.catalog.Settings(mirrorType); err != nil {
		return 0, err
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	if !force {
		active, err := s.store.FindActive(ctx, mirrorType)
		switch {
		case err == nil:
			s.logger.Debug("sync already active", "mirror", mirrorType, "job", active.ID)
			return active.ID, nil
		case !errors.Is(err, job.ErrNotFound):
			return 0, fmt.Errorf("finding active job: %w", err)
		}
	}

	id, err := s.store.Create(ctx, job.New(mirrorType, force, s.now()))
	if err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("sync enqueued", "mirror", mirrorType, "job", id, "force", force)
	s.nudge()
	return id, nil
}

// Cancel cancels a pending job, or asks the runner of a running job to stop
// before its next artifact. Terminal jobs return job.ErrTerminal.
func (s *Scheduler) Cancel(ctx context.Context, id uint64) error {
	var immediate bool
	_, err := s.store.Update(ctx, id, func(j *job.Job) error {
		var err error
		immediate, err = j.RequestCancel(s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("cancel requested", "job", id, "immediate", immediate)
	return nil
}

// Wait polls until job id is terminal and returns it.
func (s *Scheduler) Wait(ctx context.Context, id uint64, every time.Duration) (*job.Job, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches runnable jobs until ctx is cancelled, then waits for the
// workers to return. Jobs interrupted by shutdown stay running and are
// reclaimed after their lease expires.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan uint64)

	var wg sync.WaitGroup
	for i := range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx, i, jobs)
		}()
	}
	if s.periodic {
		s.startPeriodic(ctx, &wg)
	}

	s.logger.Info("scheduler started", "workers", s.workers, "poll_interval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.dispatch(ctx, jobs)
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
		s.dispatch(ctx, jobs)
	}
}

// dispatch hands runnable jobs to idle workers. Jobs that find every worker
// busy wait for the next poll.
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- uint64) {
	ids, err := s.store.Runnable(ctx, defaultBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("polling runnable jobs failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		select {
		case jobs <- id:
		default:
			return
		}
	}
}

func (s *Scheduler) work(ctx context.Context, n int, jobs <-chan uint64) {
	logger := s.logger.With("worker", n)
	for id := range jobs {
		err := s.runner.Run(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, job.ErrNotClaimable), errors.Is(err, job.ErrTerminal):
			logger.Debug("job taken by another worker", "job", id)
		case ctx.Err() != nil:
			logger.Info("job interrupted by shutdown", "job", id)
		default:
			logger.Error("job run failed", "job", id, "error", err)
		}
	}
}

func (s *Scheduler) startPeriodic(ctx context.Context, wg *sync.WaitGroup) {
	for _, mirrorType := range s.catalog.Types() {
		settings, err := s.catalog.Settings(mirrorType)
		if err != nil || settings.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.periodicLoop(ctx, mirrorType, settings.Interval)
		}()
	}
}

func (s *Scheduler) periodicLoop(ctx context.Context, mirrorType string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.logger.Debug("periodic sync scheduled", "mirror", mirrorType, "interval", every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Enqueue(ctx, mirrorType, false); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic enqueue failed", "mirror", mirrorType, "error", err)
			}
		}
	}
}
