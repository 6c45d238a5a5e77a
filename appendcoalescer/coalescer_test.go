package appendcoalescer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamforge-labs/follower"
	"github.com/dreamforge-labs/follower/adapters"
	"github.com/dreamforge-labs/follower/adapters/memory"
)

func TestCoalescer_Append_SingleCommit(t *testing.T) {
	store := memory.NewTransactionLog()
	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	committed, err := c.Append(context.Background(), "unit-1", follower.Commit[string]{TransactionID: 1, Data: `{"n":1}`, Status: follower.StatusPersisted})
	require.NoError(t, err)
	assert.True(t, committed)

	rows, err := store.GetList(context.Background(), "unit-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].TransactionID)
}

func TestCoalescer_Append_CommitStatusTravelsToStoredRecord(t *testing.T) {
	store := memory.NewTransactionLog()
	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	committed, err := c.Append(context.Background(), "unit-1",
		follower.Commit[string]{TransactionID: 1, Data: "data", Status: follower.StatusCommitted})
	require.NoError(t, err)
	assert.True(t, committed)

	rows, err := store.GetList(context.Background(), "unit-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, follower.StatusCommitted, rows[0].Status)
}

func TestCoalescer_Append_CommitStatusTravelsThroughPerRowFallback(t *testing.T) {
	store := memory.NewTransactionLog()
	store.FailBulk = true
	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	committed, err := c.Append(context.Background(), "unit-1",
		follower.Commit[string]{TransactionID: 1, Data: "data", Status: follower.StatusRolledback})
	require.NoError(t, err)
	assert.True(t, committed)

	rows, err := store.GetList(context.Background(), "unit-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, follower.StatusRolledback, rows[0].Status)
}

func TestCoalescer_Append_DuplicateTransactionID_SecondCallerToldNotCommitted(t *testing.T) {
	store := memory.NewTransactionLog()
	require.NoError(t, store.InsertOne(context.Background(), adapters.AppendRecord{
		UnitName:      "unit-1",
		TransactionID: 1,
		Data:          "first",
		Status:        adapters.StatusPersisted,
	}))

	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	committed, err := c.Append(context.Background(), "unit-1", follower.Commit[string]{TransactionID: 1, Data: "second", Status: follower.StatusPersisted})
	require.NoError(t, err)
	assert.False(t, committed, "a transaction id already committed by someone else is not re-committed")
}

func TestCoalescer_Append_BulkFailureFallsBackToPerRow(t *testing.T) {
	store := memory.NewTransactionLog()
	store.FailBulk = true

	var metrics countingMetrics
	c, err := New(context.Background(), store, WithMetrics(&metrics))
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			committed, err := c.Append(context.Background(), "unit-1", follower.Commit[string]{TransactionID: int64(n), Data: "data", Status: follower.StatusPersisted})
			assert.NoError(t, err)
			results[n] = committed
		}(i)
	}
	wg.Wait()

	for _, committed := range results {
		assert.True(t, committed)
	}

	rows, err := store.GetList(context.Background(), "unit-1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCoalescer_Append_OrderPreservedWithinBatch(t *testing.T) {
	store := memory.NewTransactionLog()
	store.FailBulk = true

	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	for i := int64(1); i <= 5; i++ {
		committed, err := c.Append(context.Background(), "unit-order", follower.Commit[string]{TransactionID: i, Data: "data", Status: follower.StatusPersisted})
		require.NoError(t, err)
		assert.True(t, committed)
	}

	rows, err := store.GetList(context.Background(), "unit-order")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row.TransactionID)
	}
}

func TestCoalescer_BatchesProcessed_IncrementsPerWakeup(t *testing.T) {
	store := memory.NewTransactionLog()
	c, err := New(context.Background(), store)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append(context.Background(), "unit-1", follower.Commit[string]{TransactionID: 1, Data: "data", Status: follower.StatusPersisted})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, c.BatchesProcessed(), int64(1))
}

func TestCoalescer_RecordsBatchMetrics(t *testing.T) {
	store := memory.NewTransactionLog()
	var metrics countingMetrics
	c, err := New(context.Background(), store, WithMetrics(&metrics))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append(context.Background(), "unit-1", follower.Commit[string]{TransactionID: 1, Data: "data", Status: follower.StatusPersisted})
	require.NoError(t, err)

	// Give the consumer goroutine a moment: Append returns as soon as its
	// item is resolved, and the consumer calls RecordBatch only after
	// resolving the batch.
	time.Sleep(time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.batches)
}

type countingMetrics struct {
	mu      sync.Mutex
	batches int
	dupes   int
}

func (m *countingMetrics) RecordBatch(size int, bulkSucceeded bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *countingMetrics) RecordDuplicate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dupes++
}
