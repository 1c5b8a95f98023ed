package locks

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for development and tests. It only
// coordinates goroutines within a single instance, which is exactly what a
// memory-backed deployment runs.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]memoryEntry
	markers map[string]memoryEntry

	// now is swappable in tests to simulate TTL expiry without sleeping.
	now func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:    make(map[string]memoryEntry),
		markers: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.held[key]; ok && l.now().Before(entry.expiresAt) {
		return false
	}
	l.held[key] = memoryEntry{expiresAt: l.now().Add(ttl)}
	return true
}

func (l *MemoryLocker) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *MemoryLocker) SetMarker(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markers[key] = memoryEntry{value: value, expiresAt: l.now().Add(ttl)}
	return nil
}

func (l *MemoryLocker) GetMarker(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.markers[key]
	if !ok || !l.now().Before(entry.expiresAt) {
		return "", nil
	}
	return entry.value, nil
}
