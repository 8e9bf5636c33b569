package metering

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeInserter records batches handed to BatchInsert.
type fakeInserter struct {
	mu      sync.Mutex
	batches [][]CallRecord
}

func (f *fakeInserter) BatchInsert(_ context.Context, records []CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]CallRecord, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeInserter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeInserter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestCollector_FlushesAtBatchSize(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 3, time.Hour)

	for i := 0; i < 3; i++ {
		c.Record(CallRecord{Tool: "check_whatsapp", Outcome: "success"})
	}

	if store.batchCount() != 1 {
		t.Fatalf("expected one flush at batch size, got %d", store.batchCount())
	}
	if store.total() != 3 {
		t.Errorf("expected 3 records flushed, got %d", store.total())
	}
}

func TestCollector_NoFlushBelowBatchSize(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 10, time.Hour)

	c.Record(CallRecord{Tool: "traceflow"})
	c.Record(CallRecord{Tool: "traceflow"})

	if store.batchCount() != 0 {
		t.Fatalf("expected no flush below batch size, got %d", store.batchCount())
	}
}

func TestCollector_StopFlushesRemainder(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 100, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	c.Record(CallRecord{Tool: "get_name"})
	c.Record(CallRecord{Tool: "get_email"})
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	if store.total() != 2 {
		t.Errorf("expected remainder flushed on stop, got %d records", store.total())
	}
}

// captureMetrics records collector telemetry calls.
type captureMetrics struct {
	mu          sync.Mutex
	records     int
	bufferSizes []int
	flushes     map[string]int
}

func (c *captureMetrics) SetCollectorBufferSize(n int) {
	c.mu.Lock()
	c.bufferSizes = append(c.bufferSizes, n)
	c.mu.Unlock()
}

func (c *captureMetrics) IncCollectorFlush(status string) {
	c.mu.Lock()
	if c.flushes == nil {
		c.flushes = map[string]int{}
	}
	c.flushes[status]++
	c.mu.Unlock()
}

func (c *captureMetrics) IncCollectorRecord() {
	c.mu.Lock()
	c.records++
	c.mu.Unlock()
}

type failingInserter struct{}

func (failingInserter) BatchInsert(_ context.Context, _ []CallRecord) error {
	return context.DeadlineExceeded
}

func TestCollector_Metrics(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 2, time.Hour)
	m := &captureMetrics{}
	c.SetMetrics(m)

	c.Record(CallRecord{Tool: "check_whatsapp"})
	c.Record(CallRecord{Tool: "traceflow"})

	if m.records != 2 {
		t.Errorf("expected 2 records counted, got %d", m.records)
	}
	if m.flushes["ok"] != 1 {
		t.Errorf("expected 1 ok flush, got %v", m.flushes)
	}
	// The gauge tracks fills and is reset to zero when the buffer drains.
	if len(m.bufferSizes) == 0 || m.bufferSizes[len(m.bufferSizes)-1] != 0 {
		t.Errorf("expected buffer gauge reset after flush, got %v", m.bufferSizes)
	}
}

func TestCollector_MetricsFlushError(t *testing.T) {
	c := NewCollector(failingInserter{}, 1, time.Hour)
	m := &captureMetrics{}
	c.SetMetrics(m)

	c.Record(CallRecord{Tool: "get_name"})

	if m.flushes["error"] != 1 {
		t.Errorf("expected 1 error flush, got %v", m.flushes)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(CallRecord{Tool: "check_breaches"})

	deadline := time.Now().Add(time.Second)
	for store.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.total() != 1 {
		t.Fatalf("expected timer flush, got %d records", store.total())
	}
}
