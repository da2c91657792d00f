package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/store"
)

// ErrQueueFull is returned when a submission would push the in-memory queue
// past its byte ceiling. ResourceExhausted: the caller decides whether to
// retry, shed or block.
var ErrQueueFull = errors.New("memory: batch queue full")

// Batch writer defaults.
const (
	defaultQueueBytes    = 100 << 20 // 100 MiB hard ceiling
	defaultDrainBatch    = 256
	defaultDrainInterval = 200 * time.Millisecond
)

// BatchConfig configures the batch writer.
type BatchConfig struct {
	QueueBytes    int64
	DrainBatch    int
	DrainInterval time.Duration
	Logger        *slog.Logger
}

// BatchWriter queues memory rows in memory and drains them in batches on a
// background worker through the driver's dedicated batch connection.
type BatchWriter struct {
	driver store.Driver
	logger *slog.Logger

	mu           sync.Mutex
	queue        []*store.MemoryRow
	queuedBytes  int64
	ceilingBytes int64
	closed       bool

	wake chan struct{}
	done chan struct{}

	drainBatch    int
	drainInterval time.Duration
}

// NewBatchWriter starts the background drain worker.
func NewBatchWriter(driver store.Driver, cfg BatchConfig) *BatchWriter {
	if cfg.QueueBytes <= 0 {
		cfg.QueueBytes = defaultQueueBytes
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = defaultDrainBatch
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &BatchWriter{
		driver:        driver,
		logger:        cfg.Logger,
		ceilingBytes:  cfg.QueueBytes,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		drainBatch:    cfg.DrainBatch,
		drainInterval: cfg.DrainInterval,
	}
	go w.drainLoop()
	return w
}

// Submit enqueues rows. The check is all-or-nothing: either every row fits
// under the ceiling or the submission is rejected whole.
func (w *BatchWriter) Submit(rows []*store.MemoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	var incoming int64
	for _, row := range rows {
		incoming += rowBytes(row)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("memory: batch writer closed")
	}
	if w.queuedBytes+incoming > w.ceilingBytes {
		w.mu.Unlock()
		return errors.Wrapf(ErrQueueFull, "queued %d + incoming %d > ceiling %d",
			w.queuedBytes, incoming, w.ceilingBytes)
	}
	w.queue = append(w.queue, rows...)
	w.queuedBytes += incoming
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueuedBytes reports the current queue footprint.
func (w *BatchWriter) QueuedBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queuedBytes
}

// Flush synchronously drains everything currently queued.
func (w *BatchWriter) Flush(ctx context.Context) error {
	for {
		batch := w.takeBatch()
		if len(batch) == 0 {
			return nil
		}
		if err := w.driver.UpsertMemoryBatch(ctx, batch); err != nil {
			w.requeue(batch)
			return err
		}
	}
}

// Close drains the queue and stops the worker.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Flush(ctx)
}

func (w *BatchWriter) drainLoop() {
	ticker := time.NewTicker(w.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		case <-ticker.C:
		}

		batch := w.takeBatch()
		if len(batch) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := w.driver.UpsertMemoryBatch(ctx, batch); err != nil {
			w.logger.Error("batch drain failed, requeueing", "rows", len(batch), "error", err)
			w.requeue(batch)
		}
		cancel()
	}
}

func (w *BatchWriter) takeBatch() []*store.MemoryRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	n := w.drainBatch
	if n > len(w.queue) {
		n = len(w.queue)
	}
	batch := w.queue[:n]
	w.queue = w.queue[n:]
	for _, row := range batch {
		w.queuedBytes -= rowBytes(row)
	}
	return batch
}

func (w *BatchWriter) requeue(rows []*store.MemoryRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(rows, w.queue...)
	for _, row := range rows {
		w.queuedBytes += rowBytes(row)
	}
}

func rowBytes(row *store.MemoryRow) int64 {
	return int64(len(row.Value) + len(row.Key) + len(row.Namespace) + len(row.Embedding)*4)
}
