// Package retry implements the durable recovery pipeline for failed wallet
// operations. Failed calls become jobs keyed by (platformTxId, apiAction);
// a lock-coordinated scheduler re-executes due jobs with exponential
// backoff until they succeed or the retry horizon expires them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jywu/cavern/internal/idgen"
	"github.com/jywu/cavern/internal/wallet"
)

// Job status values. PENDING and PROCESSING are the only non-terminal
// states and the only ones that occupy the natural key; SUCCESS, FAILED
// and EXPIRED are terminal. The scheduler moves a job from PROCESSING
// straight to its outcome, so a failed-but-retryable attempt lands back
// in PENDING rather than passing through FAILED and freeing the key.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
)

// Default scheduling parameters.
const (
	DefaultBaseInterval = 30 * time.Second
	DefaultMaxInterval  = time.Hour
	DefaultHorizon      = 72 * time.Hour
	DefaultMaxRetries   = 100
)

// Job is one retryable wallet operation and its scheduling state.
type Job struct {
	ID               string          `json:"id"`
	PlatformTxID     string          `json:"platformTxId"`
	APIAction        string          `json:"apiAction"`
	Status           string          `json:"status"`
	RetryAttempt     int             `json:"retryAttempt"`
	MaxRetries       int             `json:"maxRetries"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty"`
	InitialFailureAt time.Time       `json:"initialFailureAt"`
	LastRetryAt      *time.Time      `json:"lastRetryAt,omitempty"`
	AgentCode        string          `json:"agentCode"`
	UserID           string          `json:"userId,omitempty"`
	RequestPayload   string          `json:"requestPayload"`
	CallbackURL      string          `json:"callbackUrl"`
	RoundID          string          `json:"roundId,omitempty"`
	BetID            string          `json:"betId,omitempty"`
	BetAmount        decimal.Decimal `json:"betAmount"`
	WinAmount        decimal.Decimal `json:"winAmount"`
	Currency         string          `json:"currency,omitempty"`
	GamePayload      string          `json:"gamePayload,omitempty"`
	WalletAuditID    string          `json:"walletAuditId,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Active reports whether the job still occupies its natural key.
func (j *Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// Payload is the stored reconstruction data for a retried call. It round-
// trips through the job's requestPayload field as JSON.
type Payload struct {
	UserID string       `json:"userId,omitempty"`
	Txns   []wallet.Txn `json:"txns,omitempty"`
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the scheduler expires the job immediately
// instead of rescheduling it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy computes retry schedules: exponential backoff from BaseInterval,
// each step capped at MaxInterval, the whole job bounded by Horizon
// measured from the initial failure and by MaxAttempts, whichever binds
// first. In practice the 72h horizon binds long before 100 attempts.
type Policy struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Horizon      time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns the standard backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		Horizon:      DefaultHorizon,
		MaxAttempts:  DefaultMaxRetries,
	}
}

// Delay returns the wait before retry number attempt (0-based). The delay
// doubles each attempt until it reaches MaxInterval.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseInterval
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if delay > p.MaxInterval {
		return p.MaxInterval
	}
	return delay
}

// NextRetryAt computes when retry number attempt should run. It returns
// false once now is past the horizon measured from initialFailureAt; the
// caller must then mark the job EXPIRED instead of rescheduling forever.
func (p Policy) NextRetryAt(attempt int, initialFailureAt, now time.Time) (time.Time, bool) {
	if !initialFailureAt.IsZero() && now.Sub(initialFailureAt) > p.Horizon {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempt)), true
}

// Enqueuer creates retry jobs for failed wallet calls, filling in the
// policy's initial schedule and defaults.
type Enqueuer struct {
	store  Store
	policy Policy
	logger *slog.Logger
}

// NewEnqueuer creates an enqueuer over the given store.
func NewEnqueuer(store Store, policy Policy, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{store: store, policy: policy, logger: logger}
}

// Enqueue schedules a failed wallet call for retry. A second failure for
// the same (platformTxId, apiAction) updates the existing active job
// instead of creating a duplicate.
func (e *Enqueuer) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	if p.PlatformTxID == "" {
		return nil, fmt.Errorf("retry: enqueue requires platformTxId")
	}
	if p.APIAction == "" {
		return nil, fmt.Errorf("retry: enqueue requires apiAction")
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = e.policy.MaxAttempts
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.NextRetryAt.IsZero() {
		p.NextRetryAt = time.Now().Add(e.policy.Delay(0))
	}
	if p.ID == "" {
		p.ID = idgen.WithPrefix("rj_")
	}

	job, err := e.store.Enqueue(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue retry job: %w", err)
	}

	retryJobsEnqueued.WithLabelValues(p.APIAction).Inc()
	e.logger.Info("retry job enqueued",
		"job_id", job.ID,
		"platform_tx_id", job.PlatformTxID,
		"api_action", job.APIAction,
		"attempt", job.RetryAttempt,
		"next_retry_at", job.NextRetryAt,
	)
	return job, nil
}
