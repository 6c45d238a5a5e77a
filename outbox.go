package follower

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamforge-labs/follower/adapters"
)

// OutboxStatus represents the current status of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore defines the interface for outbox message persistence.
type OutboxStore = adapters.OutboxStore

// Publisher publishes outbox messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the destination prefix this publisher handles (e.g., "webhook", "kafka", "sns").
	Destination() string
}

// OutboxRoute defines routing rules for fanning a delivered event out to
// an outbox destination.
type OutboxRoute struct {
	// EventTypes is the list of event type names this route matches, as
	// registered on the Serializer. Empty matches all.
	EventTypes []string

	// Destination is the target (e.g., "webhook:https://example.com/events", "kafka:orders").
	Destination string

	// Transform optionally replaces the serialized event payload before
	// outbox scheduling. Returning an error drops the event from this route.
	Transform func(event interface{}) ([]byte, error)

	// Filter optionally filters events. Return true to include the event.
	Filter func(event interface{}) bool
}

// matchesEvent returns true if this route matches the given event type.
func (r *OutboxRoute) matchesEvent(eventType string) bool {
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, et := range r.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// OutboxMetrics collects metrics about outbox processing.
type OutboxMetrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
	RecordPendingMessages(count int64)
}

// noopOutboxMetrics is a no-op implementation of OutboxMetrics.
type noopOutboxMetrics struct{}

func (m *noopOutboxMetrics) RecordMessageProcessed(destination string, success bool) {}
func (m *noopOutboxMetrics) RecordMessageFailed(destination string)                  {}
func (m *noopOutboxMetrics) RecordMessageDeadLettered()                              {}
func (m *noopOutboxMetrics) RecordBatchDuration(duration time.Duration)              {}
func (m *noopOutboxMetrics) RecordPendingMessages(count int64)                       {}

// OutboxHooks is a FollowerHooks implementation that schedules an outbox
// message for every delivered event matching one of its routes. Attach it
// to a Follower with WithHooks to fan applied events out to Kafka, SNS, or
// a webhook without coupling the reducer to any of those transports.
type OutboxHooks[K Key, E any, S any] struct {
	FollowerBase[K, E, S]

	outbox      OutboxStore
	serializer  Serializer
	routes      []OutboxRoute
	logger      Logger
	maxAttempts int
}

// OutboxHooksOption configures an OutboxHooks.
type OutboxHooksOption[K Key, E any, S any] func(*OutboxHooks[K, E, S])

// WithOutboxHooksLogger sets a logger for the outbox hooks.
func WithOutboxHooksLogger[K Key, E any, S any](l Logger) OutboxHooksOption[K, E, S] {
	return func(h *OutboxHooks[K, E, S]) { h.logger = l }
}

// WithOutboxHooksSerializer overrides the serializer used to encode event
// payloads onto the outbox message. Defaults to a plain JSONSerializer.
func WithOutboxHooksSerializer[K Key, E any, S any](s Serializer) OutboxHooksOption[K, E, S] {
	return func(h *OutboxHooks[K, E, S]) { h.serializer = s }
}

// WithOutboxHooksMaxAttempts sets the default max delivery attempts stamped
// on scheduled messages.
func WithOutboxHooksMaxAttempts[K Key, E any, S any](n int) OutboxHooksOption[K, E, S] {
	return func(h *OutboxHooks[K, E, S]) { h.maxAttempts = n }
}

// NewOutboxHooks creates a FollowerHooks that fans delivered events out to
// outboxStore according to routes.
func NewOutboxHooks[K Key, E any, S any](outboxStore OutboxStore, routes []OutboxRoute, opts ...OutboxHooksOption[K, E, S]) *OutboxHooks[K, E, S] {
	h := &OutboxHooks[K, E, S]{
		outbox:      outboxStore,
		serializer:  NewJSONSerializer(),
		routes:      routes,
		logger:      &noopLogger{},
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnEventDelivered builds and schedules an outbox message for event on
// every route that matches, ignoring scheduling failures beyond logging
// them: a Follower must not fail delivery of an event it has already
// applied just because fanout could not be persisted.
func (h *OutboxHooks[K, E, S]) OnEventDelivered(ctx context.Context, key K, event Event[E], state S) {
	messages := h.buildMessages(key, event)
	if len(messages) == 0 {
		return
	}
	if err := h.outbox.Schedule(ctx, messages); err != nil {
		h.logger.Error("failed to schedule outbox messages", "key", key.String(), "error", err)
	}
}

func (h *OutboxHooks[K, E, S]) buildMessages(key K, event Event[E]) []*OutboxMessage {
	eventType := typeNameOf(event.Payload)
	payload, err := h.serializer.Serialize(event.Payload)
	if err != nil {
		h.logger.Error("failed to serialize event for outbox", "key", key.String(), "error", err)
		return nil
	}

	now := time.Now()
	var messages []*OutboxMessage
	for _, route := range h.routes {
		msg := h.buildMessageForRoute(route, key, eventType, payload, event, now)
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	return messages
}

func (h *OutboxHooks[K, E, S]) buildMessageForRoute(route OutboxRoute, key K, eventType string, payload []byte, event Event[E], now time.Time) *OutboxMessage {
	if !route.matchesEvent(eventType) {
		return nil
	}

	if route.Filter != nil && !route.Filter(event.Payload) {
		return nil
	}

	if route.Transform != nil {
		transformed, err := route.Transform(event.Payload)
		if err != nil {
			h.logger.Error("failed to transform outbox payload",
				"eventType", eventType, "destination", route.Destination, "error", err)
			return nil
		}
		payload = transformed
	}

	return &OutboxMessage{
		Key:         key.String(),
		EventType:   eventType,
		Destination: route.Destination,
		Payload:     payload,
		Headers: map[string]string{
			"event-type": eventType,
			"version":    fmt.Sprintf("%d", event.Base.Version),
		},
		Status:      OutboxPending,
		MaxAttempts: h.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}
