//go:build integration

package retry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	// Ensure table exists (mirrors migration 003_create_wallet_retry_jobs.sql)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_retry_jobs (
			id                 VARCHAR(36) PRIMARY KEY,
			platform_tx_id     VARCHAR(128) NOT NULL,
			api_action         VARCHAR(32) NOT NULL,
			status             VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			retry_attempt      INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 100,
			next_retry_at      TIMESTAMPTZ,
			initial_failure_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_retry_at      TIMESTAMPTZ,
			agent_code         VARCHAR(64) NOT NULL,
			user_id            VARCHAR(128),
			request_payload    TEXT NOT NULL,
			callback_url       TEXT,
			round_id           VARCHAR(128),
			bet_id             VARCHAR(128),
			bet_amount         NUMERIC(20,6) NOT NULL DEFAULT 0,
			win_amount         NUMERIC(20,6) NOT NULL DEFAULT 0,
			currency           VARCHAR(3),
			game_payload       TEXT,
			wallet_audit_id    VARCHAR(36),
			completed_at       TIMESTAMPTZ,
			error_message      TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_jobs_active_key
			ON wallet_retry_jobs(platform_tx_id, api_action)
			WHERE status IN ('PENDING', 'PROCESSING')`)
	if err != nil {
		t.Fatalf("Failed to create wallet_retry_jobs table: %v", err)
	}

	store := NewPostgresStore(db)

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM wallet_retry_jobs")
		db.Close()
	}

	return store, db, cleanup
}

func enqueueParams(id, txID, action string) EnqueueParams {
	return EnqueueParams{
		ID:             id,
		PlatformTxID:   txID,
		APIAction:      action,
		AgentCode:      "acme01",
		UserID:         "user-1",
		RequestPayload: `{"txns":[{"platformTxId":"` + txID + `"}]}`,
		CallbackURL:    "https://acme.example/wallet/cb",
		BetAmount:      decimal.NewFromFloat(10.5),
		WinAmount:      decimal.NewFromFloat(25),
		Currency:       "USD",
		MaxRetries:     5,
		NextRetryAt:    time.Now().Add(30 * time.Second),
		ErrorMessage:   "network_error: connection refused",
	}
}

func TestPostgresRetry_EnqueueAndGet(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	job, err := store.Enqueue(ctx, enqueueParams("rj_test001", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("Status: got %s, want %s", job.Status, StatusPending)
	}
	if job.RetryAttempt != 0 {
		t.Errorf("RetryAttempt: got %d, want 0", job.RetryAttempt)
	}
	if job.NextRetryAt == nil {
		t.Error("NextRetryAt should be set on a fresh job")
	}

	got, err := store.GetByID(ctx, "rj_test001")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.PlatformTxID != "tx-100" || got.APIAction != "settleBet" {
		t.Errorf("Key: got (%s, %s), want (tx-100, settleBet)", got.PlatformTxID, got.APIAction)
	}
	if !got.BetAmount.Equal(decimal.NewFromFloat(10.5)) {
		t.Errorf("BetAmount: got %s, want 10.5", got.BetAmount)
	}

	if _, err := store.GetByID(ctx, "rj_missing"); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresRetry_EnqueueDedup(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	first, err := store.Enqueue(ctx, enqueueParams("rj_test001", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A second failure of the same transaction/action refreshes the
	// existing job instead of creating a duplicate
	p := enqueueParams("rj_test002", "tx-100", "settleBet")
	p.ErrorMessage = "timeout_error: deadline exceeded"
	second, err := store.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("Second enqueue failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("Dedup: got id %s, want %s", second.ID, first.ID)
	}
	if second.ErrorMessage != "timeout_error: deadline exceeded" {
		t.Errorf("ErrorMessage not refreshed: got %s", second.ErrorMessage)
	}

	// A different action for the same transaction is a separate job
	other, err := store.Enqueue(ctx, enqueueParams("rj_test003", "tx-100", "refundBet"))
	if err != nil {
		t.Fatalf("Enqueue for other action failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("Different api_action must not collapse into the same job")
	}
}

func TestPostgresRetry_TerminalFreesKey(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	first, err := store.Enqueue(ctx, enqueueParams("rj_test001", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.MarkSuccess(ctx, first.ID); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	// Once the job is terminal the natural key is free again
	second, err := store.Enqueue(ctx, enqueueParams("rj_test002", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Re-enqueue after success failed: %v", err)
	}
	if second.ID != "rj_test002" {
		t.Errorf("Expected a fresh job, got %s", second.ID)
	}
}

func TestPostgresRetry_FindDue(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()

	due := enqueueParams("rj_due", "tx-1", "settleBet")
	due.NextRetryAt = now.Add(-time.Minute)
	if _, err := store.Enqueue(ctx, due); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	future := enqueueParams("rj_future", "tx-2", "settleBet")
	future.NextRetryAt = now.Add(time.Hour)
	if _, err := store.Enqueue(ctx, future); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	jobs, err := store.FindDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("FindDue failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].ID != "rj_due" {
		t.Errorf("Due job: got %s, want rj_due", jobs[0].ID)
	}
}

func TestPostgresRetry_Lifecycle(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	job, err := store.Enqueue(ctx, enqueueParams("rj_test001", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.UpdateStatus(ctx, job.ID, StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ := store.GetByID(ctx, job.ID)
	if got.Status != StatusProcessing {
		t.Errorf("Status: got %s, want %s", got.Status, StatusProcessing)
	}
	if got.LastRetryAt == nil {
		t.Error("LastRetryAt should be stamped when processing starts")
	}

	next := time.Now().Add(time.Minute)
	if err := store.ScheduleNextRetry(ctx, job.ID, 1, next, "http_error: status 500"); err != nil {
		t.Fatalf("ScheduleNextRetry failed: %v", err)
	}
	got, _ = store.GetByID(ctx, job.ID)
	if got.Status != StatusPending || got.RetryAttempt != 1 {
		t.Errorf("After reschedule: got (%s, %d), want (PENDING, 1)", got.Status, got.RetryAttempt)
	}

	if err := store.MarkSuccess(ctx, job.ID); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	got, _ = store.GetByID(ctx, job.ID)
	if got.Status != StatusSuccess {
		t.Errorf("Status: got %s, want %s", got.Status, StatusSuccess)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set on success")
	}
	if got.NextRetryAt != nil {
		t.Error("NextRetryAt should be cleared on success")
	}

	if err := store.MarkSuccess(ctx, "rj_missing"); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestPostgresRetry_MarkExpired(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	job, err := store.Enqueue(ctx, enqueueParams("rj_test001", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.MarkExpired(ctx, job.ID, "retry horizon exceeded"); err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}

	got, _ := store.GetByID(ctx, job.ID)
	if got.Status != StatusExpired {
		t.Errorf("Status: got %s, want %s", got.Status, StatusExpired)
	}
	if got.ErrorMessage != "retry horizon exceeded" {
		t.Errorf("ErrorMessage: got %s", got.ErrorMessage)
	}
}

func TestPostgresRetry_ResetStaleProcessing(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	job, err := store.Enqueue(ctx, enqueueParams("rj_stale", "tx-100", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, job.ID, StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// Backdate the processing stamp so the job looks abandoned
	if _, err := db.ExecContext(ctx,
		`UPDATE wallet_retry_jobs SET updated_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("Failed to backdate job: %v", err)
	}

	reset, err := store.ResetStaleProcessing(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ResetStaleProcessing failed: %v", err)
	}
	if reset != 1 {
		t.Errorf("Expected 1 reset job, got %d", reset)
	}

	got, _ := store.GetByID(ctx, job.ID)
	if got.Status != StatusPending {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPending)
	}
}

func TestPostgresRetry_ListAndCount(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for i, txID := range []string{"tx-1", "tx-2", "tx-3"} {
		p := enqueueParams(fmt.Sprintf("rj_test%03d", i+1), txID, "settleBet")
		if i == 2 {
			p.AgentCode = "nova02"
		}
		if _, err := store.Enqueue(ctx, p); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := store.MarkSuccess(ctx, "rj_test001"); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	pending, err := store.List(ctx, ListOptions{Status: StatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending jobs, got %d", len(pending))
	}

	byAgent, err := store.List(ctx, ListOptions{AgentCode: "nova02"})
	if err != nil {
		t.Fatalf("List by agent failed: %v", err)
	}
	if len(byAgent) != 1 {
		t.Errorf("Expected 1 job for nova02, got %d", len(byAgent))
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusSuccess] != 1 {
		t.Errorf("Counts: got %v", counts)
	}
}

func TestPostgresRetry_DeleteOlderThan(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	oldDone, err := store.Enqueue(ctx, enqueueParams("rj_old_done", "tx-1", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.MarkSuccess(ctx, oldDone.ID); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	oldActive, err := store.Enqueue(ctx, enqueueParams("rj_old_active", "tx-2", "settleBet"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE wallet_retry_jobs SET created_at = NOW() - INTERVAL '1 year'`); err != nil {
		t.Fatalf("Failed to backdate jobs: %v", err)
	}

	deleted, err := store.DeleteOlderThan(ctx, time.Now().AddDate(0, -2, 0))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted job, got %d", deleted)
	}

	// The pending job survives the purge no matter how old it is
	if _, err := store.GetByID(ctx, oldActive.ID); err != nil {
		t.Errorf("Active job should survive cleanup: %v", err)
	}
	if _, err := store.GetByID(ctx, oldDone.ID); err != ErrJobNotFound {
		t.Errorf("Terminal job should be purged, got %v", err)
	}
}
