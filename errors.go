// Package follower implements an event-sourced read-model actor runtime: a
// generic Follower type that rebuilds per-key state from an append-only
// event log, and a transactional append coalescer that batches writes into
// that log.
package follower

import (
	"errors"
	"fmt"

	"github.com/dreamforge-labs/follower/adapters"
)

// Sentinel errors. Use errors.Is to check for these; adapter-level
// sentinels are re-exported here so callers never need to import
// adapters directly.
var (
	// ErrStateNotFound is re-exported from adapters for convenience.
	ErrStateNotFound = adapters.ErrStateNotFound

	// ErrEmptyKey is re-exported from adapters for convenience.
	ErrEmptyKey = adapters.ErrEmptyKey

	// ErrNotActivated indicates an operation was attempted on a Follower
	// that has not completed activation.
	ErrNotActivated = errors.New("follower: not activated")

	// ErrAlreadyActivated indicates Activate was called twice.
	ErrAlreadyActivated = errors.New("follower: already activated")

	// ErrDeactivated indicates an operation was attempted after Deactivate.
	ErrDeactivated = errors.New("follower: deactivated")

	// ErrUnknownEventType indicates a wire envelope named a type that was
	// never registered with the TypeRegistry.
	ErrUnknownEventType = errors.New("follower: unknown event type")

	// ErrOutboxProcessorRunning indicates Start was called on a running processor.
	ErrOutboxProcessorRunning = errors.New("follower: outbox processor already running")

	// ErrPublisherNotFound indicates no Publisher is registered for a
	// message's destination prefix.
	ErrPublisherNotFound = errors.New("follower: no publisher for destination")
)

// VersionMismatchError reports that an event or gap-fill batch arrived
// with a version that does not follow the Follower's current version.
type VersionMismatchError struct {
	Key             string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("follower: version mismatch for key %q: expected %d, got %d",
		e.Key, e.ExpectedVersion, e.ActualVersion)
}

func (e *VersionMismatchError) Is(target error) bool {
	_, ok := target.(*VersionMismatchError)
	return ok
}

// NewVersionMismatchError creates a new VersionMismatchError.
func NewVersionMismatchError(key string, expected, actual uint64) *VersionMismatchError {
	return &VersionMismatchError{Key: key, ExpectedVersion: expected, ActualVersion: actual}
}

// StorageError wraps a failure from an EventLogAdapter, StateLogAdapter or
// TransactionLogAdapter call with the operation that failed.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("follower: storage error during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("follower: storage error during %s for key %q: %v", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError creates a new StorageError.
func NewStorageError(op, key string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Cause: cause}
}

// DeserializationError reports a failure converting an event or snapshot
// payload between its Go type and its serialized bytes, in either
// direction.
type DeserializationError struct {
	Key       string
	EventType string
	Cause     error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("follower: failed to deserialize %q for key %q: %v", e.EventType, e.Key, e.Cause)
}

func (e *DeserializationError) Unwrap() error { return e.Cause }

// NewDeserializationError creates a new DeserializationError.
func NewDeserializationError(key, eventType string, cause error) *DeserializationError {
	return &DeserializationError{Key: key, EventType: eventType, Cause: cause}
}

// ActivationError reports that a Follower failed to activate: it could not
// read its snapshot or replay the event log for its key.
type ActivationError struct {
	Key   string
	Stage string // "read_snapshot" or "full_active"
	Cause error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("follower: activation of key %q failed during %s: %v", e.Key, e.Stage, e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// NewActivationError creates a new ActivationError.
func NewActivationError(key, stage string, cause error) *ActivationError {
	return &ActivationError{Key: key, Stage: stage, Cause: cause}
}
