package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jywu/cavern/internal/locks"
	"github.com/jywu/cavern/internal/wallet"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(job *Job) error
}

func (f *fakeExecutor) ExecuteRetry(ctx context.Context, job *Job) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(job)
	}
	return nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// refetchFailStore loses its backend between the due query and the
// per-job re-fetch.
type refetchFailStore struct {
	Store
}

func (f *refetchFailStore) GetByID(context.Context, string) (*Job, error) {
	return nil, errors.New("driver: bad connection")
}

type panicStore struct {
	Store
}

func (p *panicStore) GetByID(context.Context, string) (*Job, error) {
	panic("connection pool closed")
}

func newTestScheduler(store Store, locker locks.Locker, exec Executor) *Scheduler {
	return NewScheduler(store, locker, exec, SchedulerOptions{
		Interval: time.Hour, // ticks are driven manually in tests
		Logger:   discardLogger(),
	})
}

func enqueueDue(t *testing.T, store Store, txID string) *Job {
	t.Helper()
	p := testEnqueueParams(t, txID, wallet.ActionSettleBet)
	p.NextRetryAt = time.Now().Add(-time.Second)
	job, err := store.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return job
}

func TestScheduler_TickProcessesDueJob(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-ok")
	s.tick(ctx)

	assert.Equal(t, 1, exec.callCount())

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)

	// A completed job never turns up as due again.
	due, err := store.FindDue(ctx, time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestScheduler_TickReschedulesFailure(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{fn: func(*Job) error {
		return &wallet.CallError{Action: wallet.ActionSettleBet, Type: wallet.FailureNetwork, Message: "connection refused"}
	}}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-fail")
	s.tick(ctx)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryAttempt)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()), "reschedule must push the job into the future")
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestScheduler_PermanentFailureExpires(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{fn: func(*Job) error {
		return Permanent(errors.New("malformed stored payload"))
	}}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-perm")
	s.tick(ctx)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Contains(t, got.ErrorMessage, "malformed stored payload")
}

func TestScheduler_HorizonExceededExpires(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{fn: func(*Job) error {
		return errors.New("still down")
	}}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-horizon")

	// Viewed from 73 hours later the job is overdue and past its horizon.
	s.now = func() time.Time { return time.Now().Add(73 * time.Hour) }
	s.tick(ctx)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Contains(t, got.ErrorMessage, "retry horizon exceeded")
}

func TestScheduler_MaxRetriesExpires(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{fn: func(*Job) error {
		return errors.New("agent still down")
	}}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	p := testEnqueueParams(t, "tx-exhaust", wallet.ActionSettleBet)
	p.NextRetryAt = time.Now().Add(-time.Second)
	p.MaxRetries = 1
	job, err := store.Enqueue(ctx, p)
	require.NoError(t, err)

	s.tick(ctx)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Contains(t, got.ErrorMessage, "retries exhausted")
}

func TestScheduler_SkipsTickWhenLockHeld(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	locker := locks.NewMemoryLocker()
	s := newTestScheduler(store, locker, exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-locked")

	// Another instance owns the scheduler lock for this window.
	require.True(t, locker.Acquire(ctx, locks.RetrySchedulerKey, time.Minute))
	s.tick(ctx)

	assert.Equal(t, 0, exec.callCount())
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestScheduler_SkipsLockedJob(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	locker := locks.NewMemoryLocker()
	s := newTestScheduler(store, locker, exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-joblock")
	require.True(t, locker.Acquire(ctx, locks.JobKey(job.PlatformTxID, job.APIAction), time.Minute))

	s.tick(ctx)

	assert.Equal(t, 0, exec.callCount())
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "a job another instance holds stays untouched")
}

func TestScheduler_ReleasesLocksAfterTick(t *testing.T) {
	store := NewMemoryStore()
	locker := locks.NewMemoryLocker()
	s := newTestScheduler(store, locker, &fakeExecutor{})
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-release")
	s.tick(ctx)

	assert.True(t, locker.Acquire(ctx, locks.RetrySchedulerKey, time.Minute))
	assert.True(t, locker.Acquire(ctx, locks.JobKey(job.PlatformTxID, job.APIAction), time.Minute))
}

func TestScheduler_PanicDoesNotStickProcessing(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{fn: func(*Job) error {
		panic("boom")
	}}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-panic")
	s.tick(ctx)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "a panicking execution still gets rescheduled")
	assert.Equal(t, 1, got.RetryAttempt)
	assert.Contains(t, got.ErrorMessage, "panic during retry execution")
}

func TestScheduler_SkipsJobResolvedAfterDueQuery(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-raced")
	stale := *job // the due-query snapshot another instance might hold
	require.NoError(t, store.MarkSuccess(ctx, job.ID))

	s.processJob(ctx, &stale)

	assert.Equal(t, 0, exec.callCount())
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status, "a resolved job must not be resurrected")
}

func TestScheduler_SkipsJobWhenRefetchFails(t *testing.T) {
	mem := NewMemoryStore()
	exec := &fakeExecutor{}
	locker := locks.NewMemoryLocker()
	s := newTestScheduler(&refetchFailStore{Store: mem}, locker, exec)
	ctx := context.Background()

	job := enqueueDue(t, mem, "tx-refetch")
	s.tick(ctx)

	assert.Equal(t, 0, exec.callCount())
	got, err := mem.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "an unreadable job waits for the next tick")

	// The failed re-fetch released the job lock.
	assert.True(t, locker.Acquire(ctx, locks.JobKey(job.PlatformTxID, job.APIAction), time.Minute))
}

func TestScheduler_StorePanicDoesNotEscapeTick(t *testing.T) {
	mem := NewMemoryStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(&panicStore{Store: mem}, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, mem, "tx-poolgone")
	s.tick(ctx)

	assert.Equal(t, 0, exec.callCount())
	got, err := mem.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestScheduler_ReclaimsProcessingJobWhenLockFree(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-crashed")
	require.NoError(t, store.UpdateStatus(ctx, job.ID, StatusProcessing))

	// The claiming worker died and its job lock expired, so the job is
	// recovered and executed rather than skipped.
	snapshot, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	s.processJob(ctx, snapshot)

	assert.Equal(t, 1, exec.callCount())
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestScheduler_RecoversStaleProcessing(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, locks.NewMemoryLocker(), exec)
	ctx := context.Background()

	job := enqueueDue(t, store, "tx-stale")
	require.NoError(t, store.UpdateStatus(ctx, job.ID, StatusProcessing))

	// Far enough in the future that the PROCESSING claim counts as stale;
	// the same tick then finds the recovered job due and runs it.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	s.tick(ctx)

	assert.Equal(t, 1, exec.callCount())
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	store := NewMemoryStore()

	var inFlight, peak atomic.Int32
	exec := &fakeExecutor{fn: func(*Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}}

	s := NewScheduler(store, locks.NewMemoryLocker(), exec, SchedulerOptions{
		Interval:    time.Hour,
		Concurrency: 2,
		Logger:      discardLogger(),
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		enqueueDue(t, store, fmt.Sprintf("tx-conc-%d", i))
	}
	s.tick(ctx)

	assert.Equal(t, 6, exec.callCount())
	assert.LessOrEqual(t, peak.Load(), int32(2), "worker pool must respect the concurrency limit")
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	exec := &fakeExecutor{}
	s := NewScheduler(store, locks.NewMemoryLocker(), exec, SchedulerOptions{
		Interval: 20 * time.Millisecond,
		Logger:   discardLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := enqueueDue(t, store, "tx-loop")
	go s.Start(ctx)

	// Wait for the ticker to pick the job up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetByID(ctx, job.ID)
		require.NoError(t, err)
		if got.Status == StatusSuccess {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)

	s.Stop()
	deadline = time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, s.Running())
}
