// Package settlement exposes the gameplay-facing wallet operations and
// owns the enqueue-on-failure policy feeding the retry pipeline. The
// gateway reports what went wrong; this package decides whether the
// failure is worth retrying and always re-returns the original error so
// callers fail fast while the pipeline heals in the background.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/jywu/cavern/internal/retry"
	"github.com/jywu/cavern/internal/wallet"
)

var (
	ErrAgentCodeRequired = errors.New("settlement: agent code is required")
	ErrUserIDRequired    = errors.New("settlement: user id is required")
	ErrNoTransactions    = errors.New("settlement: at least one transaction is required")
)

// Gateway is the wallet call surface the service drives.
type Gateway interface {
	GetBalance(ctx context.Context, agentCode string, p wallet.BalanceParams) (*wallet.Balance, error)
	PlaceBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
	SettleBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
	RefundBet(ctx context.Context, agentCode string, p wallet.BetParams) (*wallet.AgentResponse, error)
}

// Enqueuer schedules failed calls for retry.
type Enqueuer interface {
	Enqueue(ctx context.Context, p retry.EnqueueParams) (*retry.Job, error)
}

// QueuedError reports that a failed wallet call was handed to the retry
// pipeline. It wraps the original failure, so errors.As still surfaces
// the underlying *wallet.CallError.
type QueuedError struct {
	JobID string
	Err   error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("%s (queued for retry as %s)", e.Err.Error(), e.JobID)
}

func (e *QueuedError) Unwrap() error { return e.Err }

// RetryJobID extracts the queued retry job id from err, if any.
func RetryJobID(err error) string {
	var qe *QueuedError
	if errors.As(err, &qe) {
		return qe.JobID
	}
	return ""
}

// BetParams carries one money-moving request from gameplay. The first
// transaction's platformTxId is the natural key a retry job is filed
// under.
type BetParams struct {
	AgentCode string
	RequestID string
	Txns      []wallet.Txn
}

// Service is the gameplay-facing wallet entry point.
type Service struct {
	gateway  Gateway
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewService creates a settlement service.
func NewService(gateway Gateway, enqueuer Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gateway: gateway, enqueuer: enqueuer, logger: logger}
}

// Balance queries a user's agent-side wallet balance. Balance reads block
// a live user action, so a failure is never enqueued; the caller simply
// sees the error.
func (s *Service) Balance(ctx context.Context, agentCode, userID string) (*wallet.Balance, error) {
	if agentCode == "" {
		return nil, ErrAgentCodeRequired
	}
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return s.gateway.GetBalance(ctx, agentCode, wallet.BalanceParams{UserID: userID})
}

// PlaceBet debits the user's wallet for one or more bets. Failures are
// enqueued for retry unless the agent explicitly rejected the bet.
func (s *Service) PlaceBet(ctx context.Context, p BetParams) (*wallet.AgentResponse, error) {
	return s.moveMoney(ctx, wallet.ActionPlaceBet, p)
}

// SettleBet credits bet winnings. Every failure is enqueued for retry.
func (s *Service) SettleBet(ctx context.Context, p BetParams) (*wallet.AgentResponse, error) {
	return s.moveMoney(ctx, wallet.ActionSettleBet, p)
}

// RefundBet returns a bet's stake. Every failure is enqueued for retry.
func (s *Service) RefundBet(ctx context.Context, p BetParams) (*wallet.AgentResponse, error) {
	return s.moveMoney(ctx, wallet.ActionRefundBet, p)
}

func (s *Service) moveMoney(ctx context.Context, action string, p BetParams) (*wallet.AgentResponse, error) {
	if p.AgentCode == "" {
		return nil, ErrAgentCodeRequired
	}
	if len(p.Txns) == 0 {
		return nil, ErrNoTransactions
	}

	wp := wallet.BetParams{Txns: p.Txns, RequestID: p.RequestID}
	var resp *wallet.AgentResponse
	var err error
	switch action {
	case wallet.ActionPlaceBet:
		resp, err = s.gateway.PlaceBet(ctx, p.AgentCode, wp)
	case wallet.ActionSettleBet:
		resp, err = s.gateway.SettleBet(ctx, p.AgentCode, wp)
	case wallet.ActionRefundBet:
		resp, err = s.gateway.RefundBet(ctx, p.AgentCode, wp)
	default:
		return nil, fmt.Errorf("settlement: unsupported action %s", action)
	}
	if err == nil {
		return resp, nil
	}

	ce, ok := wallet.AsCallError(err)
	if !ok {
		// Resolution and encoding failures never reached the agent, so
		// there is nothing to replay.
		return nil, err
	}

	if !shouldEnqueue(action, ce) {
		retryDecisions.WithLabelValues(action, "skipped_rejected").Inc()
		s.logger.Info("retry skipped, agent decision is authoritative",
			"action", action,
			"agent_id", ce.AgentID,
			"platform_tx_id", p.Txns[0].PlatformTxID,
		)
		return nil, err
	}

	job, enqErr := s.enqueueRetry(ctx, action, p, ce)
	if enqErr != nil {
		// The retry pipeline is best effort here. Losing the job is worth
		// a loud log line, but the caller must see the wallet failure,
		// not the bookkeeping one.
		retryDecisions.WithLabelValues(action, "enqueue_failed").Inc()
		s.logger.Error("failed to enqueue retry for wallet failure",
			"action", action,
			"platform_tx_id", p.Txns[0].PlatformTxID,
			"error", enqErr,
		)
		return nil, err
	}

	retryDecisions.WithLabelValues(action, "enqueued").Inc()
	return nil, &QueuedError{JobID: job.ID, Err: err}
}

// shouldEnqueue applies the per-action retry policy. A placed bet the
// agent explicitly declined stays declined: the player already saw the
// rejection, and re-placing the bet later would move money for a round
// that never ran. Settlements and refunds are money owed, so even an
// explicit rejection gets retried within the horizon.
func shouldEnqueue(action string, ce *wallet.CallError) bool {
	if action == wallet.ActionPlaceBet && ce.Type == wallet.FailureRejected {
		return false
	}
	return true
}

func (s *Service) enqueueRetry(ctx context.Context, action string, p BetParams, ce *wallet.CallError) (*retry.Job, error) {
	payload, err := json.Marshal(retry.Payload{Txns: p.Txns})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry payload: %w", err)
	}

	first := p.Txns[0]
	var bet, win decimal.Decimal
	for _, t := range p.Txns {
		bet = bet.Add(t.BetAmount)
		win = win.Add(t.WinAmount)
	}

	return s.enqueuer.Enqueue(ctx, retry.EnqueueParams{
		PlatformTxID:   first.PlatformTxID,
		APIAction:      action,
		AgentCode:      p.AgentCode,
		UserID:         first.UserID,
		RequestPayload: string(payload),
		CallbackURL:    ce.CallbackURL,
		RoundID:        first.RoundID,
		BetID:          first.BetID,
		BetAmount:      bet,
		WinAmount:      win,
		Currency:       first.Currency,
		GamePayload:    first.GamePayload,
		WalletAuditID:  ce.AuditID,
		ErrorMessage:   ce.Error(),
	})
}
