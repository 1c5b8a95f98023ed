package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/jywu/cavern/internal/traces"
	"github.com/jywu/cavern/internal/wallet"
)

// Executor re-executes the wallet operation a retry job was created for.
type Executor interface {
	ExecuteRetry(ctx context.Context, job *Job) error
}

// Gateway is the subset of the wallet gateway the processor dispatches to.
type Gateway interface {
	PlaceBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
	SettleBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
	RefundBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
}

// AuditResolver closes the loop on the audit trail once a retry succeeds.
type AuditResolver interface {
	MarkResolved(ctx context.Context, id, notes string) error
}

// Processor reconstructs the original wallet call from a job's stored
// payload and dispatches it through the same gateway path as the original
// attempt, so the agent cannot distinguish a retry from a first try apart
// from deduplicating on platformTxId.
type Processor struct {
	gateway Gateway
	auditor AuditResolver
	logger  *slog.Logger
}

var _ Executor = (*Processor)(nil)

// NewProcessor creates a retry processor. The auditor may be nil.
func NewProcessor(gateway Gateway, auditor AuditResolver, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{gateway: gateway, auditor: auditor, logger: logger}
}

// ExecuteRetry runs the job's operation once. A nil return means the agent
// accepted the call; a PermanentError means the job can never succeed and
// must be expired rather than rescheduled.
func (p *Processor) ExecuteRetry(ctx context.Context, job *Job) (err error) {
	attempt := job.RetryAttempt + 1
	ctx, span := traces.StartSpan(ctx, "retry.ExecuteRetry",
		traces.RetryJobID(job.ID), traces.Action(job.APIAction), traces.Attempt(attempt))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retry execution failed")
		}
		span.End()
	}()

	var payload Payload
	if err := json.Unmarshal([]byte(job.RequestPayload), &payload); err != nil {
		return Permanent(fmt.Errorf("malformed stored payload: %w", err))
	}
	if len(payload.Txns) == 0 {
		return Permanent(fmt.Errorf("stored payload has no transactions"))
	}
	params := wallet.BetParams{
		Txns:  payload.Txns,
		Retry: &wallet.RetryMeta{JobID: job.ID, Attempt: attempt},
	}

	switch job.APIAction {
	case wallet.ActionPlaceBet:
		_, err = p.gateway.PlaceBet(ctx, job.AgentCode, params)
	case wallet.ActionSettleBet:
		_, err = p.gateway.SettleBet(ctx, job.AgentCode, params)
	case wallet.ActionRefundBet:
		_, err = p.gateway.RefundBet(ctx, job.AgentCode, params)
	case wallet.ActionGetBalance:
		// Balance reads block a live user action; replaying one later is
		// meaningless, so such a job can only be a bug upstream.
		return Permanent(fmt.Errorf("action %s is not retryable", job.APIAction))
	default:
		return Permanent(fmt.Errorf("unknown api action %q", job.APIAction))
	}
	if err != nil {
		return err
	}

	if p.auditor != nil && job.WalletAuditID != "" {
		notes := fmt.Sprintf("resolved by retry job %s attempt %d", job.ID, attempt)
		if err := p.auditor.MarkResolved(ctx, job.WalletAuditID, notes); err != nil {
			// Best effort; the retry itself still succeeded.
			p.logger.Warn("failed to mark audit record resolved",
				"audit_id", job.WalletAuditID,
				"job_id", job.ID,
				"error", err,
			)
		}
	}

	p.logger.Info("retry execution succeeded",
		"job_id", job.ID,
		"platform_tx_id", job.PlatformTxID,
		"api_action", job.APIAction,
		"attempt", attempt,
	)
	return nil
}
