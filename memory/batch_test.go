package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoSiYuan/cis/store"
)

func batchRow(key string, size int) *store.MemoryRow {
	return &store.MemoryRow{
		Namespace: "coder/local", Key: key, Value: make([]byte, size),
		Domain: store.DomainPublic, Category: store.CategoryContext,
		CreatedAt: time.Now(), LastAccessed: time.Now(),
	}
}

func TestBatchWriterSubmitAndDrain(t *testing.T) {
	driver := newStubDriver()
	w := NewBatchWriter(driver, BatchConfig{DrainInterval: 10 * time.Millisecond})
	defer w.Close()

	require.NoError(t, w.Submit([]*store.MemoryRow{batchRow("a", 10), batchRow("b", 10)}))

	require.Eventually(t, func() bool {
		row, _ := driver.GetMemory(context.Background(), "coder/local", "a")
		return row != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), w.QueuedBytes())
}

func TestBatchWriterRejectsOverCeiling(t *testing.T) {
	driver := newStubDriver()
	driver.failing = true // keep the queue from draining
	w := NewBatchWriter(driver, BatchConfig{QueueBytes: 100, DrainInterval: time.Hour})
	defer func() {
		driver.failing = false
		w.Close()
	}()

	require.NoError(t, w.Submit([]*store.MemoryRow{batchRow("a", 60)}))

	// current_bytes + incoming_bytes must stay <= ceiling.
	err := w.Submit([]*store.MemoryRow{batchRow("b", 60)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	// A smaller submission that fits is still accepted.
	require.NoError(t, w.Submit([]*store.MemoryRow{batchRow("c", 5)}))
}

func TestBatchWriterFlush(t *testing.T) {
	driver := newStubDriver()
	w := NewBatchWriter(driver, BatchConfig{DrainInterval: time.Hour})
	defer w.Close()

	require.NoError(t, w.Submit([]*store.MemoryRow{batchRow("a", 10)}))
	require.NoError(t, w.Flush(context.Background()))

	row, err := driver.GetMemory(context.Background(), "coder/local", "a")
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestBatchWriterRequeuesOnFailure(t *testing.T) {
	driver := newStubDriver()
	driver.failing = true
	w := NewBatchWriter(driver, BatchConfig{DrainInterval: time.Hour})

	require.NoError(t, w.Submit([]*store.MemoryRow{batchRow("a", 10)}))
	require.Error(t, w.Flush(context.Background()))
	assert.Positive(t, w.QueuedBytes(), "failed batch returns to the queue")

	driver.failing = false
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int64(0), w.QueuedBytes())
	_ = w.Close()
}

func TestBatchWriterClosedRejectsSubmit(t *testing.T) {
	w := NewBatchWriter(newStubDriver(), BatchConfig{})
	require.NoError(t, w.Close())
	assert.Error(t, w.Submit([]*store.MemoryRow{batchRow("a", 1)}))
}
