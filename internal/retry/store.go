package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jywu/cavern/internal/pagination"
)

var (
	// ErrJobNotFound is returned when a retry job doesn't exist
	ErrJobNotFound = errors.New("retry: job not found")
)

// EnqueueParams describes a failed wallet call to schedule for retry.
type EnqueueParams struct {
	ID             string
	PlatformTxID   string
	APIAction      string
	AgentCode      string
	UserID         string
	RequestPayload string
	CallbackURL    string
	RoundID        string
	BetID          string
	BetAmount      decimal.Decimal
	WinAmount      decimal.Decimal
	Currency       string
	GamePayload    string
	WalletAuditID  string
	MaxRetries     int
	NextRetryAt    time.Time
	ErrorMessage   string
}

// ListOptions filters job listings. Listing is newest first; Cursor
// restricts results to jobs strictly older than the cursor position.
type ListOptions struct {
	Status    string
	AgentCode string
	Limit     int
	Cursor    *pagination.Cursor
}

// Store persists retry jobs. Enqueue must be atomic with respect to the
// natural key: at most one PENDING/PROCESSING job may exist per
// (platformTxId, apiAction) pair, even under concurrent enqueues.
type Store interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*Job, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	UpdateStatus(ctx context.Context, id, status string) error
	ScheduleNextRetry(ctx context.Context, id string, nextAttempt int, nextRetryAt time.Time, errorMessage string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkExpired(ctx context.Context, id, errorMessage string) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore implements Store with in-memory storage
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job   // by id
	active map[string]string // natural key -> id of the active job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		active: make(map[string]string),
	}
}

func naturalKey(platformTxID, apiAction string) string {
	return platformTxID + "\x00" + apiAction
}

func (m *MemoryStore) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := naturalKey(p.PlatformTxID, p.APIAction)

	if id, ok := m.active[key]; ok {
		// Second failure for the same transaction/action: refresh the
		// existing job rather than create a duplicate.
		job := m.jobs[id]
		job.RequestPayload = p.RequestPayload
		job.CallbackURL = p.CallbackURL
		job.ErrorMessage = p.ErrorMessage
		if p.WalletAuditID != "" {
			job.WalletAuditID = p.WalletAuditID
		}
		job.UpdatedAt = now
		return copyJob(job), nil
	}

	next := p.NextRetryAt
	job := &Job{
		ID:               p.ID,
		PlatformTxID:     p.PlatformTxID,
		APIAction:        p.APIAction,
		Status:           StatusPending,
		RetryAttempt:     0,
		MaxRetries:       p.MaxRetries,
		NextRetryAt:      &next,
		InitialFailureAt: now,
		AgentCode:        p.AgentCode,
		UserID:           p.UserID,
		RequestPayload:   p.RequestPayload,
		CallbackURL:      p.CallbackURL,
		RoundID:          p.RoundID,
		BetID:            p.BetID,
		BetAmount:        p.BetAmount,
		WinAmount:        p.WinAmount,
		Currency:         p.Currency,
		GamePayload:      p.GamePayload,
		WalletAuditID:    p.WalletAuditID,
		ErrorMessage:     p.ErrorMessage,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.jobs[job.ID] = job
	m.active[key] = job.ID
	return copyJob(job), nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Job
	for _, job := range m.jobs {
		if job.Status != StatusPending || job.NextRetryAt == nil {
			continue
		}
		if job.NextRetryAt.After(now) {
			continue
		}
		due = append(due, copyJob(job))
	}

	// Oldest schedule first so starved jobs drain before fresh ones.
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	if status == StatusProcessing {
		job.LastRetryAt = &now
	}
	m.reindex(job)
	return nil
}

func (m *MemoryStore) ScheduleNextRetry(ctx context.Context, id string, nextAttempt int, nextRetryAt time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.Status = StatusPending
	job.RetryAttempt = nextAttempt
	job.NextRetryAt = &nextRetryAt
	job.ErrorMessage = errorMessage
	job.UpdatedAt = time.Now()
	m.reindex(job)
	return nil
}

func (m *MemoryStore) MarkSuccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	now := time.Now()
	job.Status = StatusSuccess
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.ErrorMessage = ""
	job.UpdatedAt = now
	m.reindex(job)
	return nil
}

func (m *MemoryStore) MarkExpired(ctx context.Context, id, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	now := time.Now()
	job.Status = StatusExpired
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.ErrorMessage = errorMessage
	job.UpdatedAt = now
	m.reindex(job)
	return nil
}

func (m *MemoryStore) ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reset int64
	for _, job := range m.jobs {
		if job.Status != StatusProcessing || job.UpdatedAt.After(olderThan) {
			continue
		}
		job.Status = StatusPending
		job.UpdatedAt = time.Now()
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var jobs []*Job
	for _, job := range m.jobs {
		if opts.Status != "" && job.Status != opts.Status {
			continue
		}
		if opts.AgentCode != "" && job.AgentCode != opts.AgentCode {
			continue
		}
		if opts.Cursor != nil && !beforeCursor(job, opts.Cursor) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// beforeCursor reports whether job sits strictly after the cursor in the
// newest-first ordering, breaking created-at ties on id.
func beforeCursor(job *Job, c *pagination.Cursor) bool {
	if job.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return job.CreatedAt.Equal(c.CreatedAt) && job.ID < c.ID
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, job := range m.jobs {
		// Only completed jobs age out; active ones stay until resolved.
		if job.Active() || !job.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.jobs, id)
		deleted++
	}
	return deleted, nil
}

// reindex maintains the natural-key map after a status change.
// Caller must hold m.mu.
func (m *MemoryStore) reindex(job *Job) {
	key := naturalKey(job.PlatformTxID, job.APIAction)
	if job.Active() {
		m.active[key] = job.ID
		return
	}
	if m.active[key] == job.ID {
		delete(m.active, key)
	}
}

func copyJob(job *Job) *Job {
	c := *job
	if job.NextRetryAt != nil {
		t := *job.NextRetryAt
		c.NextRetryAt = &t
	}
	if job.LastRetryAt != nil {
		t := *job.LastRetryAt
		c.LastRetryAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
