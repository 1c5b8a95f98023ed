// Package circuitbreaker provides a per-agent circuit breaker with
// closed → open → half-open state transitions. The wallet gateway uses it
// to stop hammering an agent callback that is consistently failing.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cavern",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by agent, from-state, and to-state.",
}, []string{"agent", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// entry tracks per-agent circuit state.
type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is a per-agent circuit breaker. It counts consecutive transport
// failures per agent and trips open when they reach the threshold. After
// openDuration the circuit moves to half-open and allows one probe call.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	onTransition func(agent string, from, to State) // optional callback for logging
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(agent string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow returns true if a call to the agent should be attempted.
// If the circuit is open and openDuration has elapsed, it transitions to half-open.
func (b *Breaker) Allow(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agent]
	if !ok {
		return true // No entry = closed
	}

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(e.lastFailure) >= b.openDuration {
			b.transition(e, agent, StateHalfOpen)
			return true // Allow one probe
		}
		return false
	case StateHalfOpen:
		return false // Already probing, reject until the probe completes
	default:
		return true
	}
}

// RecordSuccess records a successful call. Resets the failure count and
// closes the circuit if it was half-open.
func (b *Breaker) RecordSuccess(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agent]
	if !ok {
		return
	}

	if e.state == StateHalfOpen {
		b.transition(e, agent, StateClosed)
	}
	e.failures = 0
}

// RecordFailure records a failed call. If consecutive failures reach the
// threshold, trips the circuit open. Callers should only report transport
// failures here; an agent that answers with a rejection code is healthy.
func (b *Breaker) RecordFailure(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agent]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[agent] = e
	}

	e.failures++
	e.lastFailure = time.Now()

	if e.state == StateHalfOpen {
		// Probe failed, back to open.
		b.transition(e, agent, StateOpen)
		return
	}

	if e.state == StateClosed && e.failures >= b.threshold {
		b.transition(e, agent, StateOpen)
	}
}

// State returns the current state for an agent. Returns StateClosed for unknown agents.
func (b *Breaker) State(agent string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agent]
	if !ok {
		return StateClosed
	}
	return e.state
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, agent string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(agent, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(agent, from, to)
	}
}
