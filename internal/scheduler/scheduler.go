package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chanops/internal/store"
)

// DefaultInterval is how often the scheduler polls for due autosave jobs.
const DefaultInterval = 60 * time.Second

// Saver writes modified collections. Satisfied by store.Archiver.
type Saver interface {
	SaveModified(ctx context.Context, collection string) (int, error)
}

// Scheduler polls the store for due autosave jobs and runs them.
type Scheduler struct {
	store    store.Store
	saver    Saver
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)

	breakers *BreakerRegistry
	retry    RetryPolicy
}

// NewScheduler creates a new Scheduler polling every DefaultInterval.
func NewScheduler(s store.Store, saver Saver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		saver:    saver,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		inflight: make(map[string]struct{}),
		breakers: NewBreakerRegistry(DefaultBreakerConfig()),
		retry:    DefaultRetryPolicy(),
	}
}

// SetRetryPolicy replaces the per-run retry policy. Must be called before Start.
func (s *Scheduler) SetRetryPolicy(p RetryPolicy) { s.retry = p }

// SetBreakerConfig replaces the circuit breakers. Must be called before Start.
func (s *Scheduler) SetBreakerConfig(c BreakerConfig) { s.breakers = NewBreakerRegistry(c) }

// Breakers exposes the per-target circuit breakers.
func (s *Scheduler) Breakers() *BreakerRegistry { return s.breakers }

// SetInterval changes the polling period. Must be called before Start.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// EnsureJob makes sure an enabled autosave job with cronExpr exists for
// collection ("" for all collections). An existing job for the same target
// is re-enabled and keeps its id; a changed expression replaces it.
func (s *Scheduler) EnsureJob(ctx context.Context, collection, cronExpr string) (*store.AutosaveJob, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	jobs, err := s.store.ListAutosaveJobs(ctx, store.AutosaveJobFilter{})
	if err != nil {
		return nil, fmt.Errorf("list autosave jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Collection != collection {
			continue
		}
		if job.CronExpression == cronExpr {
			if !job.Enabled {
				enabled := true
				if err := s.store.UpdateAutosaveJob(ctx, job.ID, store.AutosaveJobUpdate{
					Enabled: &enabled, NextRunAt: &next,
				}); err != nil {
					return nil, err
				}
				job.Enabled, job.NextRunAt = true, &next
			}
			return job, nil
		}
		if err := s.store.DeleteAutosaveJob(ctx, job.ID); err != nil {
			return nil, err
		}
	}

	job := &store.AutosaveJob{
		Collection:     collection,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateAutosaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("autosave job registered",
		slog.String("job_id", job.ID),
		slog.String("collection", collection),
		slog.String("cron", cronExpr))
	return job, nil
}

// DisableJob disables every autosave job for collection ("" for the
// all-collections job).
func (s *Scheduler) DisableJob(ctx context.Context, collection string) error {
	enabled := true
	jobs, err := s.store.ListAutosaveJobs(ctx, store.AutosaveJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list autosave jobs: %w", err)
	}
	disabled := false
	for _, job := range jobs {
		if job.Collection != collection {
			continue
		}
		if err := s.store.UpdateAutosaveJob(ctx, job.ID, store.AutosaveJobUpdate{Enabled: &disabled}); err != nil {
			return err
		}
		s.logger.Info("autosave job disabled", slog.String("job_id", job.ID), slog.String("collection", collection))
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	s.runDue(ctx, func(next *time.Time, now time.Time) bool {
		return next == nil || !next.After(now)
	})
}

// RecoverMissed runs, once, every job whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	recovered, err := s.runDue(ctx, func(next *time.Time, now time.Time) bool {
		return next != nil && next.Before(now)
	})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}

func (s *Scheduler) runDue(ctx context.Context, due func(next *time.Time, now time.Time) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListAutosaveJobs(ctx, store.AutosaveJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list autosave jobs", slog.String("error", err.Error()))
		return 0, err
	}

	now := time.Now().UTC()
	ran := 0
	for _, job := range jobs {
		if !due(job.NextRunAt, now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run autosave job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran, nil
}

// runJob saves the job's collections and updates its timestamps. While the
// target's circuit is open the run is recorded as skipped.
func (s *Scheduler) runJob(ctx context.Context, job *store.AutosaveJob, now time.Time) error {
	target := job.Collection
	if target == "" {
		target = "*"
	}
	if err := s.breakers.Allow(target); err != nil {
		s.logger.Warn("autosave skipped",
			slog.String("job_id", job.ID),
			slog.String("collection", target),
			slog.String("reason", err.Error()),
		)
		return s.updateJobStatus(ctx, job, now, "skipped")
	}

	saved, attempts, err := withRetry(ctx, s.retry, func() (int, error) {
		return s.saver.SaveModified(ctx, job.Collection)
	})
	status := "success"
	if err != nil {
		status = "error"
		state := s.breakers.RecordFailure(target)
		s.logger.Error("autosave failed",
			slog.String("job_id", job.ID),
			slog.String("collection", target),
			slog.Int("attempts", attempts),
			slog.String("circuit", state.String()),
			slog.String("error", err.Error()),
		)
	} else {
		s.breakers.RecordSuccess(target)
		if saved > 0 {
			s.logger.Info("autosave completed",
				slog.String("job_id", job.ID),
				slog.Int("saved", saved),
				slog.Int("attempts", attempts),
			)
		}
	}
	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.AutosaveJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateAutosaveJob(ctx, job.ID, store.AutosaveJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
// Five-field expressions and descriptors such as @hourly are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
