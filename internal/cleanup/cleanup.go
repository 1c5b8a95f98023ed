// Package cleanup enforces the retention window on audit records and
// retry jobs. A lock-coordinated janitor purges everything older than two
// calendar months, running monthly on a schedule or on demand.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jywu/cavern/internal/locks"
)

// Defaults for the janitor schedule.
const (
	DefaultDay             = 1
	DefaultRetentionMonths = 2
	DefaultLockTTL         = 3600 * time.Second
	DefaultMarkerTTL       = 48 * time.Hour
	DefaultInterval        = time.Hour
)

// LockStore is the lock and marker surface the janitor needs. Both the
// redis and in-memory lockers satisfy it.
type LockStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) bool
	Release(ctx context.Context, key string)
	SetMarker(ctx context.Context, key, value string, ttl time.Duration) error
	GetMarker(ctx context.Context, key string) (string, error)
}

// AuditPurger deletes audit records created before a cutoff.
type AuditPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobPurger deletes completed retry jobs created before a cutoff.
type JobPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result summarizes one cleanup run.
type Result struct {
	Skipped      bool      `json:"skipped"`
	Reason       string    `json:"reason,omitempty"`
	Cutoff       time.Time `json:"cutoff,omitempty"`
	AuditDeleted int64     `json:"auditDeleted"`
	JobsDeleted  int64     `json:"jobsDeleted"`
}

// Options configures the janitor. Zero values fall back to the defaults.
type Options struct {
	Day             int // day of month the scheduled run fires (1-28)
	RetentionMonths int
	LockTTL         time.Duration
	MarkerTTL       time.Duration
	Interval        time.Duration
	Logger          *slog.Logger
}

// Janitor purges aged audit and retry records under a long-TTL lock, with
// a last-run marker so overlapping instances and manual invocations do
// not double-run within the same day.
type Janitor struct {
	lockStore LockStore
	audits    AuditPurger
	jobs      JobPurger
	logger    *slog.Logger

	day             int
	retentionMonths int
	lockTTL         time.Duration
	markerTTL       time.Duration
	interval        time.Duration

	stop    chan struct{}
	running atomic.Bool
	now     func() time.Time
}

// NewJanitor creates a cleanup janitor.
func NewJanitor(lockStore LockStore, audits AuditPurger, jobs JobPurger, opts Options) *Janitor {
	if opts.Day < 1 || opts.Day > 28 {
		opts.Day = DefaultDay
	}
	if opts.RetentionMonths <= 0 {
		opts.RetentionMonths = DefaultRetentionMonths
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = DefaultMarkerTTL
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Janitor{
		lockStore:       lockStore,
		audits:          audits,
		jobs:            jobs,
		logger:          opts.Logger,
		day:             opts.Day,
		retentionMonths: opts.RetentionMonths,
		lockTTL:         opts.LockTTL,
		markerTTL:       opts.MarkerTTL,
		interval:        opts.Interval,
		stop:            make(chan struct{}),
		now:             time.Now,
	}
}

// Running reports whether the janitor loop is actively running.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the schedule loop. Call in a goroutine. The gate fires
// every interval but a run only happens on the configured day of month,
// at most once per day thanks to the marker.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			if j.now().UTC().Day() != j.day {
				continue
			}
			j.safeRun(ctx)
		}
	}
}

// Stop signals the janitor to stop.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in cleanup run", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("scheduled cleanup failed", "error", err)
	}
}

// Run executes one cleanup pass. It is safe to invoke manually for
// operational recovery; a pass that cannot take the lock or already ran
// today reports itself skipped rather than failing.
func (j *Janitor) Run(ctx context.Context) (*Result, error) {
	if !j.lockStore.Acquire(ctx, locks.CleanupRunKey, j.lockTTL) {
		cleanupRuns.WithLabelValues("skipped_lock").Inc()
		j.logger.Info("cleanup skipped, lock held elsewhere")
		return &Result{Skipped: true, Reason: "another instance holds the cleanup lock"}, nil
	}
	defer j.lockStore.Release(ctx, locks.CleanupRunKey)

	now := j.now().UTC()
	today := now.Format("2006-01-02")

	marker, err := j.lockStore.GetMarker(ctx, locks.CleanupMarkerKey)
	if err != nil {
		j.logger.Warn("failed to read cleanup marker", "error", err)
	}
	if marker == today {
		cleanupRuns.WithLabelValues("skipped_marker").Inc()
		j.logger.Info("cleanup skipped, already ran today")
		return &Result{Skipped: true, Reason: "already ran today"}, nil
	}

	cutoff := j.Cutoff(now)
	result := &Result{Cutoff: cutoff}

	auditDeleted, err := j.audits.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		cleanupRuns.WithLabelValues("error").Inc()
		return result, fmt.Errorf("failed to purge audit records: %w", err)
	}
	result.AuditDeleted = auditDeleted
	cleanupDeleted.WithLabelValues("audit").Add(float64(auditDeleted))

	jobsDeleted, err := j.jobs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		cleanupRuns.WithLabelValues("error").Inc()
		return result, fmt.Errorf("failed to purge retry jobs: %w", err)
	}
	result.JobsDeleted = jobsDeleted
	cleanupDeleted.WithLabelValues("retry_job").Add(float64(jobsDeleted))

	if err := j.lockStore.SetMarker(ctx, locks.CleanupMarkerKey, today, j.markerTTL); err != nil {
		j.logger.Warn("failed to record cleanup marker", "error", err)
	}

	cleanupRuns.WithLabelValues("ok").Inc()
	j.logger.Info("cleanup complete",
		"cutoff", cutoff,
		"audit_deleted", auditDeleted,
		"jobs_deleted", jobsDeleted,
	)
	return result, nil
}

// Cutoff returns the retention boundary for a run at now: the first of
// the current month, moved back by the retention window. Everything
// created before it is eligible for deletion.
func (j *Janitor) Cutoff(now time.Time) time.Time {
	now = now.UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, -j.retentionMonths, 0)
}
