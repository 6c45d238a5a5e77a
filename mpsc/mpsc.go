// Package mpsc implements a bounded multi-producer, single-consumer
// channel whose consumer drains whatever has accumulated in one batch per
// wakeup, instead of processing items one at a time. It is the coalescing
// primitive the append coalescer batches transactional writes on top of.
package mpsc

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Write once Close has been called.
var ErrChannelClosed = errors.New("mpsc: channel is closed")

// ErrNoConsumer is returned by ActivateConsumer if BindConsumer was never
// called.
var ErrNoConsumer = errors.New("mpsc: no consumer bound")

// Result is what a consumer hands back for one AsyncItem it processed.
type Result[Out any] struct {
	Value Out
	Err   error
}

// AsyncItem is one in-flight unit of work: a producer's input value plus a
// completion future the producer blocks on until the consumer (or a
// failed enqueue) resolves it.
type AsyncItem[In, Out any] struct {
	Value In

	done chan Result[Out]
	once sync.Once
}

func newAsyncItem[In, Out any](value In) *AsyncItem[In, Out] {
	return &AsyncItem[In, Out]{Value: value, done: make(chan Result[Out], 1)}
}

// Resolve completes the item's future. It is safe to call at most once;
// later calls are no-ops. Consumers call Resolve exactly once per item
// they took off the channel, whether the outcome was success or failure.
func (a *AsyncItem[In, Out]) Resolve(value Out, err error) {
	a.once.Do(func() {
		a.done <- Result[Out]{Value: value, Err: err}
		close(a.done)
	})
}

// Consumer drains a batch of items accumulated since its last invocation.
// It must call Resolve on every item in the batch exactly once; items left
// unresolved leave their producer blocked forever.
type Consumer[In, Out any] func(ctx context.Context, batch []*AsyncItem[In, Out])

// Channel is a bounded MPSC queue of AsyncItem. Producers call Write and
// block until the consumer resolves their item or the channel is closed.
// The consumer goroutine is started by ActivateConsumer and, on each
// wakeup, drains everything currently buffered as a single batch — this
// is what lets a downstream consumer coalesce many producer calls into
// one bulk write.
type Channel[In, Out any] struct {
	buf      chan *AsyncItem[In, Out]
	capacity int

	mu       sync.Mutex
	consumer Consumer[In, Out]
	active   bool
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// NewChannel creates a Channel with the given bounded capacity. Capacity
// is the backpressure limit: once that many items are buffered and
// unconsumed, Write blocks.
func NewChannel[In, Out any](capacity int) *Channel[In, Out] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel[In, Out]{
		buf:      make(chan *AsyncItem[In, Out], capacity),
		capacity: capacity,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// BindConsumer registers the function that drains batches. It must be
// called before ActivateConsumer.
func (c *Channel[In, Out]) BindConsumer(consumer Consumer[In, Out]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = consumer
}

// ActivateConsumer starts the background goroutine that repeatedly drains
// whatever is buffered and hands it to the bound Consumer as one batch. It
// returns ErrNoConsumer if BindConsumer was never called. Calling it twice
// is a no-op.
func (c *Channel[In, Out]) ActivateConsumer(ctx context.Context) error {
	c.mu.Lock()
	if c.consumer == nil {
		c.mu.Unlock()
		return ErrNoConsumer
	}
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	consumer := c.consumer
	c.mu.Unlock()

	go c.run(ctx, consumer)
	return nil
}

func (c *Channel[In, Out]) run(ctx context.Context, consumer Consumer[In, Out]) {
	defer close(c.done)

	for {
		var batch []*AsyncItem[In, Out]

		select {
		case item, ok := <-c.buf:
			if !ok {
				return
			}
			batch = append(batch, item)
		case <-c.stop:
			c.drainRemaining(&batch)
			if len(batch) > 0 {
				consumer(ctx, batch)
			}
			return
		case <-ctx.Done():
			c.drainRemaining(&batch)
			if len(batch) > 0 {
				consumer(ctx, batch)
			}
			return
		}

		// Greedily absorb whatever else is already buffered, without
		// blocking, so the consumer sees one batch per wakeup.
		c.drainRemaining(&batch)

		consumer(ctx, batch)
	}
}

func (c *Channel[In, Out]) drainRemaining(batch *[]*AsyncItem[In, Out]) {
	for {
		select {
		case item, ok := <-c.buf:
			if !ok {
				return
			}
			*batch = append(*batch, item)
		default:
			return
		}
	}
}

// Write enqueues value and blocks until the consumer resolves it, ctx is
// canceled, or the channel is closed.
func (c *Channel[In, Out]) Write(ctx context.Context, value In) (Out, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		var zero Out
		return zero, ErrChannelClosed
	}
	c.mu.Unlock()

	item := newAsyncItem[In, Out](value)

	select {
	case c.buf <- item:
	case <-ctx.Done():
		var zero Out
		return zero, ctx.Err()
	case <-c.done:
		var zero Out
		return zero, ErrChannelClosed
	}

	select {
	case res := <-item.done:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero Out
		return zero, ctx.Err()
	case <-c.done:
		select {
		case res := <-item.done:
			return res.Value, res.Err
		default:
		}
		var zero Out
		return zero, ErrChannelClosed
	}
}

// Close stops the consumer goroutine after it has drained and processed
// everything currently buffered, and prevents further writes.
func (c *Channel[In, Out]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.done
}
