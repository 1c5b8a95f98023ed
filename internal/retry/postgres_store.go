package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store using PostgreSQL. A partial unique
// index on (platform_tx_id, api_action) WHERE status IN
// ('PENDING','PROCESSING') keeps at most one live job per wallet
// operation; Enqueue's upsert arbitrates on it.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, platform_tx_id, api_action, status, retry_attempt, max_retries,
	next_retry_at, initial_failure_at, last_retry_at,
	agent_code, COALESCE(user_id, ''), request_payload, COALESCE(callback_url, ''),
	COALESCE(round_id, ''), COALESCE(bet_id, ''),
	COALESCE(bet_amount, 0), COALESCE(win_amount, 0), COALESCE(currency, ''),
	COALESCE(game_payload, ''), COALESCE(wallet_audit_id, ''),
	completed_at, COALESCE(error_message, ''), created_at, updated_at`

func (p *PostgresStore) Enqueue(ctx context.Context, params EnqueueParams) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO wallet_retry_jobs (
			id, platform_tx_id, api_action, status, retry_attempt, max_retries,
			next_retry_at, initial_failure_at, agent_code, user_id,
			request_payload, callback_url, round_id, bet_id,
			bet_amount, win_amount, currency, game_payload,
			wallet_audit_id, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, 'PENDING', 0, $4,
			$5, NOW(), $6, $7,
			$8, $9, $10, $11,
			$12::NUMERIC(20,6), $13::NUMERIC(20,6), $14, $15,
			$16, $17, NOW(), NOW()
		)
		ON CONFLICT (platform_tx_id, api_action) WHERE status IN ('PENDING', 'PROCESSING')
		DO UPDATE SET
			request_payload = EXCLUDED.request_payload,
			callback_url = EXCLUDED.callback_url,
			error_message = EXCLUDED.error_message,
			wallet_audit_id = COALESCE(NULLIF(EXCLUDED.wallet_audit_id, ''), wallet_retry_jobs.wallet_audit_id),
			updated_at = NOW()
		RETURNING `+jobColumns,
		params.ID, params.PlatformTxID, params.APIAction, params.MaxRetries,
		params.NextRetryAt, params.AgentCode, params.UserID,
		params.RequestPayload, params.CallbackURL, params.RoundID, params.BetID,
		params.BetAmount.String(), params.WinAmount.String(), params.Currency, params.GamePayload,
		params.WalletAuditID, params.ErrorMessage,
	)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue retry job: %w", err)
	}
	return job, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM wallet_retry_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry job: %w", err)
	}
	return job, nil
}

func (p *PostgresStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM wallet_retry_jobs
		WHERE status = 'PENDING' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due retry jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_retry_jobs
		SET status = $2,
		    last_retry_at = CASE WHEN $2 = 'PROCESSING' THEN NOW() ELSE last_retry_at END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update retry job status: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) ScheduleNextRetry(ctx context.Context, id string, nextAttempt int, nextRetryAt time.Time, errorMessage string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_retry_jobs
		SET status = 'PENDING', retry_attempt = $2, next_retry_at = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, nextAttempt, nextRetryAt, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to schedule next retry: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkSuccess(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_retry_jobs
		SET status = 'SUCCESS', completed_at = NOW(), next_retry_at = NULL, error_message = '', updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry job success: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkExpired(ctx context.Context, id, errorMessage string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_retry_jobs
		SET status = 'EXPIRED', completed_at = NOW(), next_retry_at = NULL, error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark retry job expired: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) ResetStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_retry_jobs
		SET status = 'PENDING', updated_at = NOW()
		WHERE status = 'PROCESSING' AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale retry jobs: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM wallet_retry_jobs`
	var conditions []string
	var args []interface{}

	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.AgentCode != "" {
		args = append(args, opts.AgentCode)
		conditions = append(conditions, fmt.Sprintf("agent_code = $%d", len(args)))
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
		return nil, fmt.Errorf("failed to list retry jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM wallet_retry_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count retry jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan retry job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM wallet_retry_jobs
		WHERE created_at < $1 AND status NOT IN ('PENDING', 'PROCESSING')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old retry jobs: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	job := &Job{}
	var nextRetryAt, lastRetryAt, completedAt sql.NullTime

	if err := s.Scan(
		&job.ID, &job.PlatformTxID, &job.APIAction, &job.Status, &job.RetryAttempt, &job.MaxRetries,
		&nextRetryAt, &job.InitialFailureAt, &lastRetryAt,
		&job.AgentCode, &job.UserID, &job.RequestPayload, &job.CallbackURL,
		&job.RoundID, &job.BetID,
		&job.BetAmount, &job.WinAmount, &job.Currency,
		&job.GamePayload, &job.WalletAuditID,
		&completedAt, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if nextRetryAt.Valid {
		job.NextRetryAt = &nextRetryAt.Time
	}
	if lastRetryAt.Valid {
		job.LastRetryAt = &lastRetryAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
