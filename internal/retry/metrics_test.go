package retry

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestEnqueueIncrementsCounter(t *testing.T) {
	retryJobsEnqueued.Reset()

	enq := NewEnqueuer(NewMemoryStore(), DefaultPolicy(), nil)
	if _, err := enq.Enqueue(context.Background(), EnqueueParams{
		PlatformTxID: "tx-metric-1",
		APIAction:    "settleBet",
		AgentCode:    "acme01",
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	counter, err := retryJobsEnqueued.GetMetricWithLabelValues("settleBet")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}
