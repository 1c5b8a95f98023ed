// Package wallet performs the money-moving operations against external
// agent wallet systems: balance queries, bet placement, settlement, and
// refunds. Every call is classified on failure and unconditionally written
// to the audit log.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jywu/cavern/internal/agents"
	"github.com/jywu/cavern/internal/audit"
	"github.com/jywu/cavern/internal/circuitbreaker"
	"github.com/jywu/cavern/internal/idgen"
	"github.com/jywu/cavern/internal/logging"
	"github.com/jywu/cavern/internal/traces"
)

const (
	// DefaultHTTPTimeout bounds a single agent callback round trip.
	DefaultHTTPTimeout = 30 * time.Second

	maxResponseSize  = 1 << 20 // 1MB
	maxAuditResponse = 2048    // stored response excerpt
)

// StatusOK is the agent status code meaning the operation was accepted.
const StatusOK = "0000"

// Wallet API actions. The retry pipeline dispatches on these values, so
// they are part of the stored-payload contract.
const (
	ActionGetBalance = "getBalance"
	ActionPlaceBet   = "placeBet"
	ActionSettleBet  = "settleBet"
	ActionRefundBet  = "refundBet"
)

// Resolver supplies the callback endpoint for an agent code.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*agents.Endpoint, error)
}

// Txn is one wallet-affecting transaction inside a placeBet, settleBet,
// or refundBet call. PlatformTxID is the idempotency key the agent side
// is expected to deduplicate on.
type Txn struct {
	PlatformTxID string          `json:"platformTxId"`
	BetID        string          `json:"betId,omitempty"`
	UserID       string          `json:"userId"`
	RoundID      string          `json:"roundId,omitempty"`
	GameCode     string          `json:"gameCode,omitempty"`
	BetAmount    decimal.Decimal `json:"betAmount"`
	WinAmount    decimal.Decimal `json:"winAmount"`
	Currency     string          `json:"currency"`
	GamePayload  string          `json:"gamePayload,omitempty"`
}

// RetryMeta links a call to the retry job that issued it, so the audit
// trail distinguishes first attempts from retries.
type RetryMeta struct {
	JobID   string
	Attempt int
}

// BalanceParams identifies whose balance to query.
type BalanceParams struct {
	UserID    string
	RequestID string
	Retry     *RetryMeta
}

// Balance is the result of a getBalance call.
type Balance struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// BetParams carries the transactions for a money-moving call.
type BetParams struct {
	Txns      []Txn
	RequestID string
	Retry     *RetryMeta
}

// AgentResponse is the decoded agent reply. Balance is only populated for
// getBalance; agents may attach a free-form message on rejections.
type AgentResponse struct {
	Status   string          `json:"status"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Message  string          `json:"message"`
}

// signedRequest is the wire body sent to the agent callback URL. Message
// is a JSON document encoded as a string, authenticated by sending the
// agent's shared cert alongside it.
type signedRequest struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// actionEnvelope is the inner message document.
type actionEnvelope struct {
	Action string `json:"action"`
	UserID string `json:"userId,omitempty"`
	Txns   []Txn  `json:"txns,omitempty"`
}

// Gateway performs wallet operations against agent callback URLs.
type Gateway struct {
	resolver Resolver
	auditor  *audit.Recorder
	breaker  *circuitbreaker.Breaker
	client   *http.Client
	logger   *slog.Logger
}

// NewGateway creates a wallet gateway.
// Pass timeout=0 to use DefaultHTTPTimeout. The breaker may be nil.
func NewGateway(resolver Resolver, auditor *audit.Recorder, breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver: resolver,
		auditor:  auditor,
		breaker:  breaker,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// GetBalance queries the agent for a user's wallet balance.
func (g *Gateway) GetBalance(ctx context.Context, agentCode string, p BalanceParams) (*Balance, error) {
	resp, err := g.call(ctx, agentCode, callInput{
		action:    ActionGetBalance,
		userID:    p.UserID,
		requestID: p.RequestID,
		retry:     p.Retry,
	})
	if err != nil {
		return nil, err
	}
	return &Balance{Balance: resp.Balance, Currency: resp.Currency}, nil
}

// PlaceBet debits the user's agent-side wallet for one or more bets.
func (g *Gateway) PlaceBet(ctx context.Context, agentCode string, p BetParams) (*AgentResponse, error) {
	return g.call(ctx, agentCode, callInput{
		action:    ActionPlaceBet,
		txns:      p.Txns,
		requestID: p.RequestID,
		retry:     p.Retry,
	})
}

// SettleBet credits the user's agent-side wallet with bet winnings.
func (g *Gateway) SettleBet(ctx context.Context, agentCode string, p BetParams) (*AgentResponse, error) {
	return g.call(ctx, agentCode, callInput{
		action:    ActionSettleBet,
		txns:      p.Txns,
		requestID: p.RequestID,
		retry:     p.Retry,
	})
}

// RefundBet returns a previously placed bet's stake to the user.
func (g *Gateway) RefundBet(ctx context.Context, agentCode string, p BetParams) (*AgentResponse, error) {
	return g.call(ctx, agentCode, callInput{
		action:    ActionRefundBet,
		txns:      p.Txns,
		requestID: p.RequestID,
		retry:     p.Retry,
	})
}

type callInput struct {
	action    string
	userID    string
	txns      []Txn
	requestID string
	retry     *RetryMeta
}

// call is the single code path all four operations go through: resolve the
// agent, post the signed envelope, classify the outcome, audit it.
func (g *Gateway) call(ctx context.Context, agentCode string, in callInput) (*AgentResponse, error) {
	ctx, span := traces.StartSpan(ctx, "wallet."+in.action, traces.AgentCode(agentCode))
	defer span.End()
	if len(in.txns) > 0 {
		span.SetAttributes(traces.PlatformTxID(in.txns[0].PlatformTxID))
	}
	if in.retry != nil {
		span.SetAttributes(traces.RetryJobID(in.retry.JobID), traces.Attempt(in.retry.Attempt))
	}

	ep, err := g.resolver.Resolve(ctx, agentCode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve agent")
		return nil, fmt.Errorf("failed to resolve agent %s: %w", agentCode, err)
	}

	requestID := in.requestID
	if requestID == "" {
		requestID = logging.RequestID(ctx)
	}
	if requestID == "" {
		requestID = idgen.WithPrefix("req_")
	}

	message, err := json.Marshal(actionEnvelope{
		Action: in.action,
		UserID: in.userID,
		Txns:   in.txns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", in.action, err)
	}

	rec := g.newAuditRecord(ep, in, requestID, string(message))

	if g.breaker != nil && !g.breaker.Allow(agentCode) {
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:  in.action,
			AgentID: ep.AgentID,
			Type:    FailureNetwork,
			Message: fmt.Sprintf("circuit open for agent %s", agentCode),
		})
	}

	body, err := json.Marshal(signedRequest{Key: ep.Cert, Message: string(message)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:  in.action,
			AgentID: ep.AgentID,
			Type:    FailureUnknown,
			Message: "failed to build request",
			Err:     err,
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		ftype := classifyTransport(err)
		g.recordBreaker(agentCode, ftype, 0)
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:  in.action,
			AgentID: ep.AgentID,
			Type:    ftype,
			Err:     err,
		})
	}
	defer func() { _ = httpResp.Body.Close() }()

	rec.HTTPStatus = httpResp.StatusCode

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		ftype := classifyTransport(err)
		g.recordBreaker(agentCode, ftype, httpResp.StatusCode)
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:     in.action,
			AgentID:    ep.AgentID,
			Type:       ftype,
			HTTPStatus: httpResp.StatusCode,
			Message:    "failed to read response body",
			Err:        err,
		})
	}
	rec.ResponseData = truncate(string(respBody), maxAuditResponse)

	if httpResp.StatusCode >= 400 {
		g.recordBreaker(agentCode, FailureHTTP, httpResp.StatusCode)
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:     in.action,
			AgentID:    ep.AgentID,
			Type:       FailureHTTP,
			HTTPStatus: httpResp.StatusCode,
			Message:    fmt.Sprintf("agent returned HTTP %d", httpResp.StatusCode),
		})
	}

	resp, ftype := parseResponse(respBody)
	if ftype != "" {
		g.recordBreaker(agentCode, ftype, httpResp.StatusCode)
		msg := fmt.Sprintf("agent response rejected as %s", ftype)
		if ftype == FailureRejected {
			msg = fmt.Sprintf("agent rejected %s with status %s", in.action, resp.Status)
			if resp.Message != "" {
				msg += ": " + resp.Message
			}
		}
		return nil, g.fail(ctx, rec, in, &CallError{
			Action:     in.action,
			AgentID:    ep.AgentID,
			Type:       ftype,
			HTTPStatus: httpResp.StatusCode,
			Message:    msg,
		})
	}

	if g.breaker != nil {
		g.breaker.RecordSuccess(agentCode)
	}

	rec.Status = audit.StatusSuccess
	auditID := g.auditor.Record(ctx, rec)
	walletCalls.WithLabelValues(in.action, "success").Inc()
	walletCallDuration.WithLabelValues(in.action).Observe(float64(rec.ResponseTimeMs) / 1000)

	g.logger.Info("wallet call succeeded",
		"agent_id", ep.AgentID,
		"action", in.action,
		"request_id", requestID,
		"audit_id", auditID,
		"response_time_ms", rec.ResponseTimeMs,
	)
	return resp, nil
}

// parseResponse validates the agent reply. The body must be JSON and must
// carry a status field; a non-"0000" status is an explicit rejection.
func parseResponse(body []byte) (*AgentResponse, FailureType) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, FailureInvalid
	}
	if _, ok := fields["status"]; !ok {
		return nil, FailureMalformed
	}

	var resp AgentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, FailureMalformed
	}
	if resp.Status != StatusOK {
		return &resp, FailureRejected
	}
	return &resp, ""
}

// fail finishes a failed call: audit record, metrics, one structured log
// line, and the classified error back to the caller.
func (g *Gateway) fail(ctx context.Context, rec *audit.Record, in callInput, ce *CallError) error {
	rec.Status = audit.StatusFailure
	rec.FailureType = string(ce.Type)
	rec.HTTPStatus = ce.HTTPStatus
	if ce.Err != nil {
		rec.ErrorMessage = ce.Err.Error()
	} else {
		rec.ErrorMessage = ce.Message
	}

	ce.CallbackURL = rec.CallbackURL
	ce.AuditID = g.auditor.Record(ctx, rec)

	span := trace.SpanFromContext(ctx)
	span.RecordError(ce)
	span.SetStatus(codes.Error, string(ce.Type))

	walletCalls.WithLabelValues(in.action, "failure").Inc()
	walletFailures.WithLabelValues(in.action, string(ce.Type)).Inc()
	if rec.ResponseTimeMs > 0 {
		walletCallDuration.WithLabelValues(in.action).Observe(float64(rec.ResponseTimeMs) / 1000)
	}

	g.logger.Warn("wallet call failed",
		"agent_id", ce.AgentID,
		"action", in.action,
		"failure_type", string(ce.Type),
		"http_status", ce.HTTPStatus,
		"request_id", rec.RequestID,
		"audit_id", ce.AuditID,
		"is_retry", rec.IsRetry,
		"error", rec.ErrorMessage,
	)
	return ce
}

// recordBreaker feeds the circuit breaker. Only failures that mean the
// agent endpoint itself is unhealthy count; an explicit rejection or a
// garbled body still proves the endpoint is up.
func (g *Gateway) recordBreaker(agentCode string, ftype FailureType, httpStatus int) {
	if g.breaker == nil {
		return
	}
	if ftype.Transport() || (ftype == FailureHTTP && httpStatus >= 500) {
		g.breaker.RecordFailure(agentCode)
		return
	}
	g.breaker.RecordSuccess(agentCode)
}

func (g *Gateway) newAuditRecord(ep *agents.Endpoint, in callInput, requestID, payload string) *audit.Record {
	rec := &audit.Record{
		AgentID:        ep.AgentID,
		UserID:         in.userID,
		RequestID:      requestID,
		APIAction:      in.action,
		RequestPayload: payload,
		RequestURL:     ep.CallbackURL,
		RequestMethod:  http.MethodPost,
		CallbackURL:    ep.CallbackURL,
		Currency:       ep.Currency,
	}
	if in.retry != nil {
		rec.RetryJobID = in.retry.JobID
		rec.IsRetry = true
		rec.RetryAttempt = in.retry.Attempt
	}
	if len(in.txns) > 0 {
		first := in.txns[0]
		rec.PlatformTxID = first.PlatformTxID
		rec.RoundID = first.RoundID
		if rec.UserID == "" {
			rec.UserID = first.UserID
		}
		if first.Currency != "" {
			rec.Currency = first.Currency
		}
		for _, t := range in.txns {
			rec.BetAmount = rec.BetAmount.Add(t.BetAmount)
			rec.WinAmount = rec.WinAmount.Add(t.WinAmount)
		}
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
