package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jywu/cavern/internal/locks"
)

// Scheduler defaults.
const (
	DefaultInterval         = time.Minute
	DefaultBatchLimit       = 100
	DefaultConcurrency      = 10
	DefaultSchedulerLockTTL = 60 * time.Second
	DefaultJobLockTTL       = 300 * time.Second
)

// SchedulerOptions configures the retry scheduler. Zero values fall back
// to the defaults above.
type SchedulerOptions struct {
	Interval         time.Duration
	BatchLimit       int
	Concurrency      int
	SchedulerLockTTL time.Duration
	JobLockTTL       time.Duration
	Policy           Policy
	Logger           *slog.Logger
}

// Scheduler drives the retry pipeline. Every tick it takes the scheduler
// lock so only one instance scans, pulls due jobs, and executes each one
// under its own job lock with bounded concurrency. A tick never lets an
// error or panic escape; the worst outcome of any failure is that a job
// waits for the next tick.
type Scheduler struct {
	store    Store
	locker   locks.Locker
	executor Executor
	policy   Policy
	logger   *slog.Logger

	interval     time.Duration
	batchLimit   int
	concurrency  int
	schedulerTTL time.Duration
	jobTTL       time.Duration
	staleAfter   time.Duration

	stop    chan struct{}
	running atomic.Bool
	now     func() time.Time
}

// NewScheduler creates a retry scheduler.
func NewScheduler(store Store, locker locks.Locker, executor Executor, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SchedulerLockTTL <= 0 {
		opts.SchedulerLockTTL = DefaultSchedulerLockTTL
	}
	if opts.JobLockTTL <= 0 {
		opts.JobLockTTL = DefaultJobLockTTL
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		locker:       locker,
		executor:     executor,
		policy:       opts.Policy,
		logger:       opts.Logger,
		interval:     opts.Interval,
		batchLimit:   opts.BatchLimit,
		concurrency:  opts.Concurrency,
		schedulerTTL: opts.SchedulerLockTTL,
		jobTTL:       opts.JobLockTTL,
		staleAfter:   2 * opts.JobLockTTL,
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the tick loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in retry scheduler tick", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

// tick is one scheduler pass. Another instance holding the scheduler lock
// means this instance simply skips the pass.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.locker.Acquire(ctx, locks.RetrySchedulerKey, s.schedulerTTL) {
		retryTicks.WithLabelValues("lock_missed").Inc()
		return
	}
	defer s.locker.Release(ctx, locks.RetrySchedulerKey)
	retryTicks.WithLabelValues("ok").Inc()

	now := s.now()

	// Jobs stuck in PROCESSING past any plausible job-lock lifetime were
	// abandoned by a crashed instance; put them back in the queue.
	if reset, err := s.store.ResetStaleProcessing(ctx, now.Add(-s.staleAfter)); err != nil {
		s.logger.Warn("failed to reset stale processing jobs", "error", err)
	} else if reset > 0 {
		retryStaleRecovered.Add(float64(reset))
		s.logger.Warn("recovered stale processing jobs", "count", reset)
	}

	jobs, err := s.store.FindDue(ctx, now, s.batchLimit)
	if err != nil {
		s.logger.Warn("failed to find due retry jobs", "error", err)
		return
	}
	retryJobsDue.Set(float64(len(jobs)))
	if len(jobs) == 0 {
		return
	}

	s.logger.Info("processing due retry jobs", "count", len(jobs), "concurrency", s.concurrency)

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic processing retry job", "job_id", job.ID, "panic", fmt.Sprint(r))
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.processJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// processJob executes one due job under its job lock. Every path out of
// the execution, including a panic, ends in exactly one of markSuccess,
// scheduleNextRetry, or markExpired, so no job is left in PROCESSING.
func (s *Scheduler) processJob(ctx context.Context, job *Job) {
	key := locks.JobKey(job.PlatformTxID, job.APIAction)
	if !s.locker.Acquire(ctx, key, s.jobTTL) {
		retryJobsProcessed.WithLabelValues("lock_skipped").Inc()
		return
	}
	defer s.locker.Release(ctx, key)

	// The due list is a snapshot; re-fetch under the lock before acting.
	fresh, err := s.store.GetByID(ctx, job.ID)
	if err != nil {
		s.logger.Warn("failed to re-fetch retry job", "job_id", job.ID, "error", err)
		return
	}
	job = fresh

	switch job.Status {
	case StatusPending:
	case StatusProcessing:
		// A worker crashed mid-flight without releasing. Its job lock has
		// expired (we hold it now), so recover the job instead of leaving
		// it stuck.
		retryStaleRecovered.Add(1)
		s.logger.Warn("recovering retry job stuck in processing",
			"job_id", job.ID,
			"platform_tx_id", job.PlatformTxID,
		)
		if err := s.store.UpdateStatus(ctx, job.ID, StatusPending); err != nil {
			s.logger.Warn("failed to recover stuck retry job", "job_id", job.ID, "error", err)
			return
		}
	default:
		// Resolved by a racing instance after the due query.
		retryJobsProcessed.WithLabelValues("already_resolved").Inc()
		return
	}

	if err := s.store.UpdateStatus(ctx, job.ID, StatusProcessing); err != nil {
		s.logger.Warn("failed to claim retry job", "job_id", job.ID, "error", err)
		return
	}

	err = s.executeSafe(ctx, job)
	if err == nil {
		if err := s.store.MarkSuccess(ctx, job.ID); err != nil {
			s.logger.Error("failed to mark retry job success", "job_id", job.ID, "error", err)
			return
		}
		retryJobsProcessed.WithLabelValues("success").Inc()
		s.logger.Info("retry job succeeded",
			"job_id", job.ID,
			"platform_tx_id", job.PlatformTxID,
			"api_action", job.APIAction,
			"attempt", job.RetryAttempt+1,
		)
		return
	}

	s.reschedule(ctx, job, err)
}

// executeSafe converts a panic inside execution into a plain failure so
// the reschedule-or-expire decision still runs.
func (s *Scheduler) executeSafe(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during retry execution: %v", r)
		}
	}()
	return s.executor.ExecuteRetry(ctx, job)
}

func (s *Scheduler) reschedule(ctx context.Context, job *Job, cause error) {
	attempt := job.RetryAttempt + 1

	if IsPermanent(cause) {
		s.expire(ctx, job, attempt, cause.Error())
		return
	}
	if job.MaxRetries > 0 && attempt >= job.MaxRetries {
		s.expire(ctx, job, attempt, fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, cause))
		return
	}

	next, ok := s.policy.NextRetryAt(attempt, job.InitialFailureAt, s.now())
	if !ok {
		s.expire(ctx, job, attempt, fmt.Sprintf("retry horizon exceeded: %v", cause))
		return
	}

	if err := s.store.ScheduleNextRetry(ctx, job.ID, attempt, next, cause.Error()); err != nil {
		s.logger.Error("failed to reschedule retry job", "job_id", job.ID, "error", err)
		return
	}
	retryJobsProcessed.WithLabelValues("rescheduled").Inc()
	s.logger.Info("retry job rescheduled",
		"job_id", job.ID,
		"platform_tx_id", job.PlatformTxID,
		"attempt", attempt,
		"next_retry_at", next,
		"error", cause.Error(),
	)
}

func (s *Scheduler) expire(ctx context.Context, job *Job, attempt int, reason string) {
	if err := s.store.MarkExpired(ctx, job.ID, reason); err != nil {
		s.logger.Error("failed to expire retry job", "job_id", job.ID, "error", err)
		return
	}
	retryJobsProcessed.WithLabelValues("expired").Inc()
	s.logger.Warn("retry job expired",
		"job_id", job.ID,
		"platform_tx_id", job.PlatformTxID,
		"api_action", job.APIAction,
		"attempts", attempt,
		"error", reason,
	)
}
