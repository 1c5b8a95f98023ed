package audit

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

const auditColumns = `id, agent_id, COALESCE(user_id, ''), COALESCE(request_id, ''), api_action, status,
	COALESCE(request_payload, ''), COALESCE(request_url, ''), COALESCE(request_method, ''),
	COALESCE(response_data, ''), COALESCE(http_status, 0), response_time_ms,
	COALESCE(failure_type, ''), COALESCE(error_message, ''),
	COALESCE(platform_tx_id, ''), COALESCE(round_id, ''),
	COALESCE(bet_amount, 0), COALESCE(win_amount, 0), COALESCE(currency, ''), COALESCE(callback_url, ''),
	COALESCE(retry_job_id, ''), is_retry, retry_attempt,
	resolved, resolved_at, COALESCE(resolution_notes, ''), created_at`

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_audit_log (
			id, agent_id, user_id, request_id, api_action, status,
			request_payload, request_url, request_method,
			response_data, http_status, response_time_ms,
			failure_type, error_message,
			platform_tx_id, round_id, bet_amount, win_amount, currency, callback_url,
			retry_job_id, is_retry, retry_attempt,
			resolved, resolution_notes, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14,
			$15, $16, $17::NUMERIC(20,6), $18::NUMERIC(20,6), $19, $20,
			$21, $22, $23,
			$24, $25, $26
		)
	`,
		rec.ID, rec.AgentID, rec.UserID, rec.RequestID, rec.APIAction, rec.Status,
		rec.RequestPayload, rec.RequestURL, rec.RequestMethod,
		rec.ResponseData, rec.HTTPStatus, rec.ResponseTimeMs,
		rec.FailureType, rec.ErrorMessage,
		rec.PlatformTxID, rec.RoundID, rec.BetAmount.String(), rec.WinAmount.String(), rec.Currency, rec.CallbackURL,
		rec.RetryJobID, rec.IsRetry, rec.RetryAttempt,
		rec.Resolved, rec.ResolutionNotes, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM wallet_audit_log WHERE id = $1`, id)
	rec, err := scanAuditRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) MarkResolved(ctx context.Context, id, notes string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_audit_log
		SET resolved = TRUE, resolved_at = NOW(), resolution_notes = $2
		WHERE id = $1
	`, id, notes)
	if err != nil {
		return fmt.Errorf("failed to mark audit record resolved: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + auditColumns + ` FROM wallet_audit_log`
	var conditions []string
	var args []interface{}

	if opts.AgentID != "" {
		args = append(args, opts.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if opts.PlatformTxID != "" {
		args = append(args, opts.PlatformTxID)
		conditions = append(conditions, fmt.Sprintf("platform_tx_id = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Cursor != nil {
		args = append(args, opts.Cursor.CreatedAt, opts.Cursor.ID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM wallet_audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit records: %w", err)
	}
	return result.RowsAffected()
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var resolvedAt sql.NullTime

	if err := s.Scan(
		&rec.ID, &rec.AgentID, &rec.UserID, &rec.RequestID, &rec.APIAction, &rec.Status,
		&rec.RequestPayload, &rec.RequestURL, &rec.RequestMethod,
		&rec.ResponseData, &rec.HTTPStatus, &rec.ResponseTimeMs,
		&rec.FailureType, &rec.ErrorMessage,
		&rec.PlatformTxID, &rec.RoundID,
		&rec.BetAmount, &rec.WinAmount, &rec.Currency, &rec.CallbackURL,
		&rec.RetryJobID, &rec.IsRetry, &rec.RetryAttempt,
		&rec.Resolved, &resolvedAt, &rec.ResolutionNotes, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}
