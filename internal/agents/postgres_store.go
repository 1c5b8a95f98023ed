package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, code, name, callback_url, cert, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, agent.ID, agent.Code, agent.Name, agent.CallbackURL, agent.Cert, agent.Currency, agent.Status, now)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Agent, error) {
	var agent Agent
	err := p.db.QueryRowContext(ctx, `
		SELECT id, code, name, callback_url, cert, currency, status, created_at, updated_at
		FROM agents WHERE code = $1
	`, code).Scan(
		&agent.ID, &agent.Code, &agent.Name, &agent.CallbackURL,
		&agent.Cert, &agent.Currency, &agent.Status,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, code, name, callback_url, cert, currency, status, created_at, updated_at
		FROM agents
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		if err := rows.Scan(
			&agent.ID, &agent.Code, &agent.Name, &agent.CallbackURL,
			&agent.Cert, &agent.Currency, &agent.Status,
			&agent.CreatedAt, &agent.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, code, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, updated_at = NOW() WHERE code = $1
	`, code, status)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
