package follower

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OutboxProcessor is the delivery half of a Follower's fanout pipeline:
// OutboxHooks.OnEventDelivered schedules messages into an OutboxStore
// during Tell/full_active, and OutboxProcessor drains that store against
// registered Publishers on its own clock, independent of any Follower's
// mailbox. Delivery is best-effort — a publish failure marks the message
// Failed for the maintenance loop to retry, it never blocks or fails the
// event that scheduled it.

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithBatchSize sets the maximum number of messages to process in a single batch.
func WithBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often the processor polls for pending messages.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxRetries sets the maximum number of delivery attempts.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the duration between retry cycles.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often completed messages are cleaned up.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets the age threshold for cleaning up completed messages.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers a publisher for a given destination prefix.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithOutboxMetrics sets the metrics collector for the processor.
func WithOutboxMetrics(metrics OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(logger Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.logger = logger
	}
}

// OutboxProcessor polls the outbox store for pending messages and publishes
// them via registered publishers. It handles retries, dead-lettering, and cleanup.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	running  atomic.Bool
	stopping atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewOutboxProcessor creates a new OutboxProcessor.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         &noopOutboxMetrics{},
		logger:          &noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the background processing loop.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	if p.running.Load() {
		return ErrOutboxProcessorRunning
	}

	p.running.Store(true)
	p.stopping.Store(false)
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.processLoop(ctx)

	p.wg.Add(1)
	go p.maintenanceLoop(ctx)

	p.logger.Info("follower: outbox processor started", "batch_size", p.batchSize, "poll_interval", p.pollInterval)
	return nil
}

// Stop gracefully stops the processor, draining in-flight work.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.stopping.Store(true)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.running.Store(false)
		p.logger.Info("follower: outbox processor stopped")
		return nil
	case <-ctx.Done():
		p.running.Store(false)
		return ctx.Err()
	}
}

// IsRunning returns true if the processor is running.
func (p *OutboxProcessor) IsRunning() bool {
	return p.running.Load()
}

// processLoop polls for and processes pending outbox messages.
func (p *OutboxProcessor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				if p.stopping.Load() {
					return
				}
				p.logger.Error("follower: outbox batch delivery error", "error", err)
			}
		}
	}
}

// maintenanceLoop runs periodic maintenance tasks (retry, dead-letter, cleanup).
func (p *OutboxProcessor) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	retryTicker := time.NewTicker(p.retryBackoff)
	defer retryTicker.Stop()

	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			p.runMaintenance(ctx)
		case <-cleanupTicker.C:
			p.runCleanup(ctx)
		}
	}
}

// processBatch claims one batch of pending messages and fans out delivery
// by destination prefix. Each prefix's publisher runs concurrently with
// the others — a slow webhook endpoint never delays a kafka group in the
// same batch — but within one prefix the whole group is handed to the
// publisher in a single call, since most Publisher implementations batch
// their own transport call.
func (p *OutboxProcessor) processBatch(ctx context.Context) error {
	start := time.Now()

	claimed, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("follower: fetch pending outbox messages: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	byPrefix := make(map[string][]*OutboxMessage, len(p.publishers))
	for _, msg := range claimed {
		prefix := destinationPrefix(msg.Destination)
		byPrefix[prefix] = append(byPrefix[prefix], msg)
	}

	var wg sync.WaitGroup
	wg.Add(len(byPrefix))
	for prefix, group := range byPrefix {
		go func(prefix string, group []*OutboxMessage) {
			defer wg.Done()
			p.deliverGroup(ctx, prefix, group)
		}(prefix, group)
	}
	wg.Wait()

	p.metrics.RecordBatchDuration(time.Since(start))
	return nil
}

// deliverGroup publishes every message in group through the publisher
// registered for prefix, marking the whole group Completed or Failed
// together. A group with no registered publisher is failed immediately
// without ever touching a transport — that's a routing misconfiguration,
// not a delivery failure, and retrying it would just fail the same way.
func (p *OutboxProcessor) deliverGroup(ctx context.Context, prefix string, group []*OutboxMessage) {
	publisher, ok := p.publishers[prefix]
	if !ok {
		p.failGroup(ctx, group, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix))
		return
	}

	if err := publisher.Publish(ctx, group); err != nil {
		for _, msg := range group {
			p.metrics.RecordMessageProcessed(msg.Destination, false)
		}
		p.failGroup(ctx, group, err)
		return
	}

	ids := make([]string, len(group))
	for i, msg := range group {
		ids[i] = msg.ID
		p.metrics.RecordMessageProcessed(msg.Destination, true)
	}
	if err := p.store.MarkCompleted(ctx, ids); err != nil {
		p.logger.Error("follower: mark outbox messages completed", "count", len(ids), "error", err)
	}
}

func (p *OutboxProcessor) failGroup(ctx context.Context, group []*OutboxMessage, cause error) {
	for _, msg := range group {
		p.logger.Warn("follower: outbox delivery failed", "id", msg.ID, "key", msg.Key, "destination", msg.Destination, "error", cause)
		if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
			p.logger.Error("follower: mark outbox message failed", "id", msg.ID, "error", err)
		}
		p.metrics.RecordMessageFailed(msg.Destination)
	}
}

// runMaintenance performs retry and dead-letter operations.
func (p *OutboxProcessor) runMaintenance(ctx context.Context) {
	// Retry failed messages that haven't exhausted retries
	retried, err := p.store.RetryFailed(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("follower: retry failed outbox messages", "error", err)
	} else if retried > 0 {
		p.logger.Info("follower: retried failed outbox messages", "count", retried)
	}

	// Move exhausted messages to dead letter
	deadLettered, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("follower: move outbox messages to dead letter", "error", err)
	} else if deadLettered > 0 {
		p.logger.Warn("follower: outbox messages dead-lettered", "count", deadLettered)
		for i := int64(0); i < deadLettered; i++ {
			p.metrics.RecordMessageDeadLettered()
		}
	}
}

// runCleanup removes old completed messages.
func (p *OutboxProcessor) runCleanup(ctx context.Context) {
	cleaned, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("follower: cleanup completed outbox messages", "error", err)
	} else if cleaned > 0 {
		p.logger.Info("follower: cleaned up completed outbox messages", "count", cleaned)
	}
}

// destinationPrefix extracts the prefix from a destination string.
// For example, "webhook:https://example.com" returns "webhook".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}
