package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist call records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, records []CallRecord) error
}

// MetricsRecorder is an optional interface for collector telemetry.
type MetricsRecorder interface {
	SetCollectorBufferSize(n int)
	IncCollectorFlush(status string)
	IncCollectorRecord()
}

// Collector buffers call records in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []CallRecord
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	metrics       MetricsRecorder
}

// NewCollector creates a Collector that flushes when the buffer reaches
// batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]CallRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start begins a background goroutine that flushes buffered records on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a call record to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(rec CallRecord) {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	buffered := len(c.buffer)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncCollectorRecord()
		c.metrics.SetCollectorBufferSize(buffered)
	}
	if buffered >= c.batchSize {
		c.flush()
	}
}

// flush drains all buffered records and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]CallRecord, 0, c.batchSize)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCollectorBufferSize(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		if c.metrics != nil {
			c.metrics.IncCollectorFlush("error")
		}
		slog.Error("failed to flush call records", "count", len(batch), "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.IncCollectorFlush("ok")
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
