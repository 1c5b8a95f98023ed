package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store defines the persistence interface for the agent directory
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	GetByCode(ctx context.Context, code string) (*Agent, error)
	List(ctx context.Context, limit int) ([]*Agent, error)
	SetStatus(ctx context.Context, code, status string) error
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // code -> agent
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*Agent)}
}

func (m *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.Code]; exists {
		return ErrExists
	}

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	stored := *agent
	m.agents[agent.Code] = &stored
	return nil
}

func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, exists := m.agents[code]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	if len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, code, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[code]
	if !exists {
		return ErrNotFound
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	return nil
}
