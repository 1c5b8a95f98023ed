// Package audit keeps the durable record of every wallet gateway call.
//
// The log is append-mostly: rows are written once at call time and mutated
// only to mark a failure resolved after a later retry succeeds. Writing is
// fire-and-forget by contract: a failed audit write is logged and swallowed,
// never surfaced to the wallet operation that triggered it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jywu/cavern/internal/idgen"
)

// Call outcomes
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Record is one wallet gateway call attempt.
type Record struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentId"`
	UserID    string `json:"userId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	APIAction string `json:"apiAction"`
	Status    string `json:"status"`

	// Request/response detail
	RequestPayload string `json:"requestPayload,omitempty"`
	RequestURL     string `json:"requestUrl,omitempty"`
	RequestMethod  string `json:"requestMethod,omitempty"`
	ResponseData   string `json:"responseData,omitempty"`
	HTTPStatus     int    `json:"httpStatus,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`

	// Failure detail
	FailureType  string `json:"failureType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Correlation
	PlatformTxID string          `json:"platformTxId,omitempty"`
	RoundID      string          `json:"roundId,omitempty"`
	BetAmount    decimal.Decimal `json:"betAmount"`
	WinAmount    decimal.Decimal `json:"winAmount"`
	Currency     string          `json:"currency,omitempty"`
	CallbackURL  string          `json:"callbackUrl,omitempty"`

	// Retry linkage
	RetryJobID   string `json:"retryJobId,omitempty"`
	IsRetry      bool   `json:"isRetry"`
	RetryAttempt int    `json:"retryAttempt"`

	// Resolution
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Recorder is the write path the wallet gateway uses. It assigns ids and
// swallows store failures.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record persists the entry. Returns the record id, or "" when the write
// failed. Failures never propagate.
func (r *Recorder) Record(ctx context.Context, rec *Record) string {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("aud_")
	}

	if err := r.store.Create(ctx, rec); err != nil {
		r.logger.Error("wallet audit write failed",
			"api_action", rec.APIAction,
			"agent", rec.AgentID,
			"platform_tx_id", rec.PlatformTxID,
			"error", err,
		)
		auditWrites.WithLabelValues("error").Inc()
		return ""
	}

	auditWrites.WithLabelValues("ok").Inc()
	return rec.ID
}

// MarkResolved stamps a record as resolved by a later retry. An empty id
// means the original write was itself swallowed; there is nothing to mark.
func (r *Recorder) MarkResolved(ctx context.Context, id, notes string) error {
	if id == "" {
		return nil
	}
	return r.store.MarkResolved(ctx, id, notes)
}
