package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jywu/cavern/internal/pagination"
)

var ErrRecordNotFound = errors.New("audit: record not found")

// ListOptions filters audit queries. Listing is newest first; Cursor
// restricts results to records strictly older than the cursor position.
type ListOptions struct {
	AgentID      string
	PlatformTxID string
	Status       string // SUCCESS or FAILURE, empty for all
	Limit        int    // default 100
	Cursor       *pagination.Cursor
}

// Store defines the persistence interface for the audit log
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	MarkResolved(ctx context.Context, id, notes string) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	rec.CreatedAt = cp.CreatedAt
	m.records = append(m.records, &cp)
	m.byID[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkResolved(_ context.Context, id, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return ErrRecordNotFound
	}
	now := time.Now()
	rec.Resolved = true
	rec.ResolvedAt = &now
	rec.ResolutionNotes = notes
	return nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Record
	// Iterate in reverse for descending creation order
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.records[i]
		if opts.AgentID != "" && rec.AgentID != opts.AgentID {
			continue
		}
		if opts.PlatformTxID != "" && rec.PlatformTxID != opts.PlatformTxID {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		if opts.Cursor != nil && !beforeCursor(rec, opts.Cursor) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether rec sits strictly after the cursor in the
// newest-first ordering, breaking created-at ties on id.
func beforeCursor(rec *Record, c *pagination.Cursor) bool {
	if rec.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return rec.CreatedAt.Equal(c.CreatedAt) && rec.ID < c.ID
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Record
	var deleted int64
	for _, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.byID, rec.ID)
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return deleted, nil
}

// Records returns all stored records (for testing).
func (m *MemoryStore) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, len(m.records))
	copy(result, m.records)
	return result
}
