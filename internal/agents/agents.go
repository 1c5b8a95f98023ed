// Package agents maintains the directory of external operators and resolves
// an agent identifier to the callback endpoint wallet calls are signed for.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jywu/cavern/internal/idgen"
	"github.com/jywu/cavern/internal/validation"
)

var (
	ErrNotFound = errors.New("agents: agent not found")
	ErrExists   = errors.New("agents: agent already registered")
)

// Agent statuses
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Agent is a registered external operator. The cert is the shared secret
// wallet calls are signed with; it never leaves the service in API responses.
type Agent struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"` // external agent identifier, unique
	Name        string    `json:"name"`
	CallbackURL string    `json:"callbackUrl"`
	Cert        string    `json:"-"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Endpoint is what the wallet gateway needs to reach an agent.
type Endpoint struct {
	AgentID     string
	CallbackURL string
	Cert        string
	Currency    string
}

// RegisterParams is the input for registering a new agent.
type RegisterParams struct {
	Code        string `json:"code" binding:"required"`
	Name        string `json:"name" binding:"required"`
	CallbackURL string `json:"callbackUrl" binding:"required"`
	Cert        string `json:"cert" binding:"required"`
	Currency    string `json:"currency"`
}

// Directory resolves agent identifiers against the store.
type Directory struct {
	store  Store
	logger *slog.Logger
}

func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, logger: logger}
}

// Register creates a new agent with a generated id and active status.
func (d *Directory) Register(ctx context.Context, p RegisterParams) (*Agent, error) {
	if errs := validation.Validate(
		validation.Required("code", p.Code),
		validation.ValidAgentCode("code", p.Code),
		validation.Required("name", p.Name),
		validation.Required("callbackUrl", p.CallbackURL),
		validation.ValidCallbackURL("callbackUrl", p.CallbackURL),
		validation.Required("cert", p.Cert),
		validation.ValidCurrency("currency", p.Currency),
	); len(errs) > 0 {
		return nil, errs
	}

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	agent := &Agent{
		ID:          idgen.WithPrefix("agt_"),
		Code:        p.Code,
		Name:        validation.SanitizeString(p.Name, 200),
		CallbackURL: p.CallbackURL,
		Cert:        p.Cert,
		Currency:    currency,
		Status:      StatusActive,
	}
	if err := d.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	d.logger.Info("agent registered",
		"agent", agent.Code,
		"callback_url", agent.CallbackURL,
	)
	return agent, nil
}

// Resolve maps an agent code to its callback endpoint. Disabled agents
// resolve as not found so wallet traffic to them stops immediately.
func (d *Directory) Resolve(ctx context.Context, code string) (*Endpoint, error) {
	agent, err := d.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusActive {
		return nil, fmt.Errorf("agent %s is %s: %w", code, agent.Status, ErrNotFound)
	}
	return &Endpoint{
		AgentID:     agent.Code,
		CallbackURL: agent.CallbackURL,
		Cert:        agent.Cert,
		Currency:    agent.Currency,
	}, nil
}

// Get returns the full agent record.
func (d *Directory) Get(ctx context.Context, code string) (*Agent, error) {
	return d.store.GetByCode(ctx, code)
}

// List returns registered agents, newest first.
func (d *Directory) List(ctx context.Context, limit int) ([]*Agent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.store.List(ctx, limit)
}

// SetStatus enables or disables an agent.
func (d *Directory) SetStatus(ctx context.Context, code, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return fmt.Errorf("agents: invalid status %q", status)
	}
	return d.store.SetStatus(ctx, code, status)
}
