package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrOutboxMessageNotFound indicates MarkFailed was called for a message
// id that does not exist in the store.
var ErrOutboxMessageNotFound = errors.New("follower: outbox message not found")

// OutboxStatus is the delivery state of a fanout message.
type OutboxStatus int

const (
	OutboxPending OutboxStatus = iota
	OutboxProcessing
	OutboxCompleted
	OutboxFailed
	OutboxDeadLetter
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxCompleted:
		return "completed"
	case OutboxFailed:
		return "failed"
	case OutboxDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// OutboxMessage is one fanout message scheduled for delivery to an
// external system after a Follower applies an event for Key.
type OutboxMessage struct {
	ID          string
	Key         string
	EventType   string
	Destination string
	Payload     []byte
	Headers     map[string]string

	Status      OutboxStatus
	Attempts    int
	MaxAttempts int
	LastError   string

	ScheduledAt   time.Time
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
}

// OutboxStore is the backing persistence for the fanout processor. It is
// deliberately separate from EventLogAdapter/StateLogAdapter: fanout
// delivery is best-effort and its failures never block Follower replay.
type OutboxStore interface {
	// Schedule persists messages for later delivery.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// FetchPending atomically claims up to limit pending messages,
	// marking them Processing and incrementing their attempt counter.
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// MarkCompleted marks messages as successfully delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed marks a message as failed with an error description.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed resets failed messages below maxAttempts back to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter transitions messages that exceeded maxAttempts.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error)

	// Cleanup removes completed messages older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
