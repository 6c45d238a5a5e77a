// Package appendcoalescer batches many independent transactional appends
// into as few storage round-trips as possible. Each caller of Append gets
// its own result, but the coalescer may commit many of them in a single
// bulk insert when they land in the same mpsc batch.
package appendcoalescer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dreamforge-labs/follower"
	"github.com/dreamforge-labs/follower/adapters"
	"github.com/dreamforge-labs/follower/mpsc"
)

// Logger is the logging interface the coalescer accepts, matching the
// root follower package's Logger shape so one implementation satisfies
// both without an adapter.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}

// Metrics observes coalescer batching behavior. All methods must be safe
// for concurrent use.
type Metrics interface {
	RecordBatch(size int, bulkSucceeded bool, duration time.Duration)
	RecordDuplicate()
}

type noopMetrics struct{}

func (noopMetrics) RecordBatch(size int, bulkSucceeded bool, duration time.Duration) {}
func (noopMetrics) RecordDuplicate()                                                {}

// item is one pending Append call's input: the byte-level form of a
// Commit, ready to become an adapters.AppendRecord once it reaches the
// batch consumer.
type item = follower.AppendRequest

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the coalescer's logger.
func WithLogger(l Logger) Option {
	return func(c *Coalescer) { c.logger = l }
}

// WithMetrics sets the coalescer's metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coalescer) { c.metrics = m }
}

// WithCapacity sets the bounded mpsc channel capacity. Once that many
// Append calls are buffered and not yet picked up by the consumer, new
// calls block (backpressure) until room frees up.
func WithCapacity(n int) Option {
	return func(c *Coalescer) { c.capacity = n }
}

// Coalescer is a transactional append coalescer: an MPSC front end over a
// TransactionLogAdapter that tries to commit each batch in one bulk
// insert, falling back to per-row inserts — tolerating duplicates as a
// normal "not appended" outcome rather than an error — only when the bulk
// attempt fails.
type Coalescer struct {
	store   adapters.TransactionLogAdapter
	logger  Logger
	metrics Metrics

	capacity int
	ch       *mpsc.Channel[item, bool]

	batches atomic.Int64
}

// New creates a Coalescer backed by store and starts its consumer.
func New(ctx context.Context, store adapters.TransactionLogAdapter, opts ...Option) (*Coalescer, error) {
	c := &Coalescer{
		store:    store,
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		capacity: 256,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ch = mpsc.NewChannel[item, bool](c.capacity)
	c.ch.BindConsumer(c.consume)
	if err := c.ch.ActivateConsumer(ctx); err != nil {
		return nil, fmt.Errorf("appendcoalescer: %w", err)
	}
	return c, nil
}

// Append submits one Commit for persistence under unitName and blocks
// until it lands — either in this call's own batch or, if another
// caller's batch beat it there under the same (unitName, transactionID),
// as a tolerated duplicate. It returns (true, nil) if this call's data
// was the one actually persisted, (false, nil) if
// (unitName, transactionID) was already committed by someone else, and
// (false, err) on any other failure. commit.Status travels with the
// record into storage instead of being fixed by the coalescer.
func (c *Coalescer) Append(ctx context.Context, unitName string, commit follower.Commit[string]) (bool, error) {
	return c.ch.Write(ctx, follower.AppendRequest{
		UnitName:      unitName,
		TransactionID: commit.TransactionID,
		Data:          commit.Data,
		Status:        commit.Status,
	})
}

// BatchesProcessed returns the number of consumer wakeups that produced a
// non-empty batch, for tests and metrics scraping that want a cheap
// counter without wiring a full Metrics implementation.
func (c *Coalescer) BatchesProcessed() int64 {
	return c.batches.Load()
}

// Close stops the consumer after draining everything already buffered.
func (c *Coalescer) Close() {
	c.ch.Close()
}

func (c *Coalescer) consume(ctx context.Context, batch []*mpsc.AsyncItem[item, bool]) {
	start := time.Now()
	c.batches.Add(1)

	records := make([]adapters.AppendRecord, len(batch))
	for i, async := range batch {
		records[i] = adapters.AppendRecord{
			UnitName:      async.Value.UnitName,
			TransactionID: async.Value.TransactionID,
			Data:          async.Value.Data,
			Status:        async.Value.Status,
		}
	}

	if err := c.store.BulkInsert(ctx, records); err == nil {
		for _, async := range batch {
			async.Resolve(true, nil)
		}
		c.metrics.RecordBatch(len(batch), true, time.Since(start))
		return
	} else {
		c.logger.Warn("appendcoalescer: bulk insert failed, falling back to per-row inserts",
			"batch_size", len(batch), "error", err)
	}

	c.fallbackPerRow(ctx, batch)
	c.metrics.RecordBatch(len(batch), false, time.Since(start))
}

// fallbackPerRow inserts every item in the batch as its own atomic write.
// A duplicate-key error is not a failure: it means someone else already
// committed that (unitName, transactionID), so the item resolves
// (false, nil). Order across items in the batch is preserved because they
// are inserted one at a time in batch order.
func (c *Coalescer) fallbackPerRow(ctx context.Context, batch []*mpsc.AsyncItem[item, bool]) {
	for _, async := range batch {
		rec := adapters.AppendRecord{
			UnitName:      async.Value.UnitName,
			TransactionID: async.Value.TransactionID,
			Data:          async.Value.Data,
			Status:        async.Value.Status,
		}

		err := c.store.InsertOne(ctx, rec)
		switch {
		case err == nil:
			async.Resolve(true, nil)
		case errors.Is(err, adapters.ErrDuplicateAppend):
			c.metrics.RecordDuplicate()
			async.Resolve(false, nil)
		default:
			async.Resolve(false, err)
		}
	}
}
