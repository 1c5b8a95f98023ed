package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jywu/cavern/internal/retry"
	"github.com/jywu/cavern/internal/wallet"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	resp *wallet.AgentResponse
	bal  *wallet.Balance
	err  error

	lastAction string
	lastParams wallet.BetParams
}

func (f *fakeGateway) GetBalance(_ context.Context, _ string, _ wallet.BalanceParams) (*wallet.Balance, error) {
	f.lastAction = wallet.ActionGetBalance
	return f.bal, f.err
}

func (f *fakeGateway) PlaceBet(_ context.Context, _ string, p wallet.BetParams) (*wallet.AgentResponse, error) {
	f.lastAction, f.lastParams = wallet.ActionPlaceBet, p
	return f.resp, f.err
}

func (f *fakeGateway) SettleBet(_ context.Context, _ string, p wallet.BetParams) (*wallet.AgentResponse, error) {
	f.lastAction, f.lastParams = wallet.ActionSettleBet, p
	return f.resp, f.err
}

func (f *fakeGateway) RefundBet(_ context.Context, _ string, p wallet.BetParams) (*wallet.AgentResponse, error) {
	f.lastAction, f.lastParams = wallet.ActionRefundBet, p
	return f.resp, f.err
}

func newTestService(gw *fakeGateway) (*Service, *retry.MemoryStore) {
	store := retry.NewMemoryStore()
	enq := retry.NewEnqueuer(store, retry.DefaultPolicy(), discardLogger())
	return NewService(gw, enq, discardLogger()), store
}

func testTxn(id string) wallet.Txn {
	return wallet.Txn{
		PlatformTxID: id,
		BetID:        "bet_1",
		UserID:       "user_1",
		RoundID:      "round_1",
		GameCode:     "slots",
		BetAmount:    decimal.NewFromInt(10),
		WinAmount:    decimal.NewFromInt(25),
		Currency:     "USD",
	}
}

func callError(action string, ftype wallet.FailureType) *wallet.CallError {
	return &wallet.CallError{
		Action:      action,
		AgentID:     "agt_1",
		Type:        ftype,
		Message:     "boom",
		AuditID:     "aud_9",
		CallbackURL: "https://agent.example/wallet/cb",
	}
}

func storedJobs(t *testing.T, store *retry.MemoryStore) []*retry.Job {
	t.Helper()
	jobs, err := store.List(context.Background(), retry.ListOptions{})
	require.NoError(t, err)
	return jobs
}

func TestService_PlaceBetSuccess(t *testing.T) {
	gw := &fakeGateway{resp: &wallet.AgentResponse{Status: wallet.StatusOK}}
	svc, store := newTestService(gw)

	resp, err := svc.PlaceBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_1")},
	})
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusOK, resp.Status)
	assert.Len(t, gw.lastParams.Txns, 1)
	assert.Empty(t, storedJobs(t, store))
}

func TestService_PlaceBetRejectedNotEnqueued(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionPlaceBet, wallet.FailureRejected)}
	svc, store := newTestService(gw)

	_, err := svc.PlaceBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_1")},
	})
	require.Error(t, err)

	ce, ok := wallet.AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, wallet.FailureRejected, ce.Type)
	assert.Empty(t, RetryJobID(err))
	assert.Empty(t, storedJobs(t, store))
}

func TestService_PlaceBetNetworkEnqueued(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionPlaceBet, wallet.FailureNetwork)}
	svc, store := newTestService(gw)

	_, err := svc.PlaceBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_1")},
	})
	require.Error(t, err)

	jobID := RetryJobID(err)
	require.NotEmpty(t, jobID)

	// The original classified failure is still in the chain.
	ce, ok := wallet.AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, wallet.FailureNetwork, ce.Type)

	jobs := storedJobs(t, store)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, retry.StatusPending, job.Status)
	assert.Equal(t, "tx_1", job.PlatformTxID)
	assert.Equal(t, wallet.ActionPlaceBet, job.APIAction)
	assert.Equal(t, "acme01", job.AgentCode)
	assert.Equal(t, "aud_9", job.WalletAuditID)
	assert.Equal(t, "https://agent.example/wallet/cb", job.CallbackURL)
	assert.NotNil(t, job.NextRetryAt)

	var payload retry.Payload
	require.NoError(t, json.Unmarshal([]byte(job.RequestPayload), &payload))
	require.Len(t, payload.Txns, 1)
	assert.Equal(t, "tx_1", payload.Txns[0].PlatformTxID)
	assert.True(t, payload.Txns[0].BetAmount.Equal(decimal.NewFromInt(10)))
}

func TestService_SettleBetRejectedEnqueued(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionSettleBet, wallet.FailureRejected)}
	svc, store := newTestService(gw)

	_, err := svc.SettleBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_2")},
	})
	require.Error(t, err)
	assert.NotEmpty(t, RetryJobID(err))

	jobs := storedJobs(t, store)
	require.Len(t, jobs, 1)
	assert.Equal(t, wallet.ActionSettleBet, jobs[0].APIAction)
}

func TestService_RefundBetTimeoutEnqueued(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionRefundBet, wallet.FailureTimeout)}
	svc, store := newTestService(gw)

	_, err := svc.RefundBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_3")},
	})
	require.Error(t, err)
	require.Len(t, storedJobs(t, store), 1)
}

func TestService_BalanceNeverEnqueues(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionGetBalance, wallet.FailureNetwork)}
	svc, store := newTestService(gw)

	_, err := svc.Balance(context.Background(), "acme01", "user_1")
	require.Error(t, err)
	assert.Empty(t, RetryJobID(err))
	assert.Empty(t, storedJobs(t, store))
}

func TestService_MultiTxnAmountsSummed(t *testing.T) {
	gw := &fakeGateway{err: callError(wallet.ActionSettleBet, wallet.FailureNetwork)}
	svc, store := newTestService(gw)

	second := testTxn("tx_b")
	second.BetAmount = decimal.NewFromInt(5)
	second.WinAmount = decimal.NewFromInt(50)

	_, err := svc.SettleBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_a"), second},
	})
	require.Error(t, err)

	jobs := storedJobs(t, store)
	require.Len(t, jobs, 1)
	// Filed under the first transaction's id, amounts aggregated.
	assert.Equal(t, "tx_a", jobs[0].PlatformTxID)
	assert.True(t, jobs[0].BetAmount.Equal(decimal.NewFromInt(15)), "bet amount %s", jobs[0].BetAmount)
	assert.True(t, jobs[0].WinAmount.Equal(decimal.NewFromInt(75)), "win amount %s", jobs[0].WinAmount)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, retry.EnqueueParams) (*retry.Job, error) {
	return nil, errors.New("store down")
}

func TestService_EnqueueFailureNeverMasksWalletError(t *testing.T) {
	original := callError(wallet.ActionSettleBet, wallet.FailureNetwork)
	gw := &fakeGateway{err: original}
	svc := NewService(gw, failingEnqueuer{}, discardLogger())

	_, err := svc.SettleBet(context.Background(), BetParams{
		AgentCode: "acme01",
		Txns:      []wallet.Txn{testTxn("tx_1")},
	})
	require.Error(t, err)

	ce, ok := wallet.AsCallError(err)
	require.True(t, ok)
	assert.Same(t, original, ce)
	assert.Empty(t, RetryJobID(err))
}

func TestService_ResolveFailureNotEnqueued(t *testing.T) {
	gw := &fakeGateway{err: errors.New("failed to resolve agent ghost: agents: agent not found")}
	svc, store := newTestService(gw)

	_, err := svc.SettleBet(context.Background(), BetParams{
		AgentCode: "ghost",
		Txns:      []wallet.Txn{testTxn("tx_1")},
	})
	require.Error(t, err)
	assert.Empty(t, storedJobs(t, store))
}

func TestService_InputValidation(t *testing.T) {
	svc, store := newTestService(&fakeGateway{})

	_, err := svc.PlaceBet(context.Background(), BetParams{Txns: []wallet.Txn{testTxn("tx_1")}})
	assert.ErrorIs(t, err, ErrAgentCodeRequired)

	_, err = svc.SettleBet(context.Background(), BetParams{AgentCode: "acme01"})
	assert.ErrorIs(t, err, ErrNoTransactions)

	_, err = svc.Balance(context.Background(), "acme01", "")
	assert.ErrorIs(t, err, ErrUserIDRequired)

	_, err = svc.Balance(context.Background(), "", "user_1")
	assert.ErrorIs(t, err, ErrAgentCodeRequired)

	assert.Empty(t, storedJobs(t, store))
}
