// Package memory provides in-memory implementations of the follower
// runtime's storage adapters. They are thread-safe and intended for unit
// tests and local development, mirroring the shape of the postgres
// adapters without a real database underneath.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreamforge-labs/follower/adapters"
)

// Ensure EventLog implements the adapter interfaces it claims to.
var _ adapters.EventLogAdapter = (*EventLog)(nil)

// EventLog is an in-memory per-key append-only event log.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]adapters.StoredEventRecord
	closed bool
}

// NewEventLog creates an empty in-memory event log.
func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string][]adapters.StoredEventRecord)}
}

// Append stores events for key, assigning ascending versions starting at
// startVersion+1. It does not check for gaps; callers building test
// fixtures are responsible for monotonicity.
func (l *EventLog) Append(_ context.Context, key string, startVersion uint64, records []adapters.EventRecord) error {
	if l.closed {
		return adapters.ErrAdapterClosed
	}
	if key == "" {
		return adapters.ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	version := startVersion
	for _, r := range records {
		version++
		l.events[key] = append(l.events[key], adapters.StoredEventRecord{
			Version:   version,
			Timestamp: time.Now().UnixMilli(),
			Type:      r.Type,
			Data:      r.Data,
		})
	}
	return nil
}

// GetList returns events for key with version in (startExclusive, endInclusive].
func (l *EventLog) GetList(_ context.Context, key string, startExclusive, endInclusive uint64) ([]adapters.StoredEventRecord, error) {
	if l.closed {
		return nil, adapters.ErrAdapterClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []adapters.StoredEventRecord
	for _, e := range l.events[key] {
		if e.Version > startExclusive && e.Version <= endInclusive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Close marks the adapter closed; subsequent calls fail.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Ensure StateLog implements the adapter interface it claims to.
var _ adapters.StateLogAdapter = (*StateLog)(nil)

// StateLog is an in-memory per-key snapshot store.
type StateLog struct {
	mu     sync.RWMutex
	states map[string]adapters.StateRecord
	closed bool
}

// NewStateLog creates an empty in-memory snapshot store.
func NewStateLog() *StateLog {
	return &StateLog{states: make(map[string]adapters.StateRecord)}
}

// Get returns the snapshot for key, or ErrStateNotFound if absent.
func (s *StateLog) Get(_ context.Context, key string) (*adapters.StateRecord, error) {
	if s.closed {
		return nil, adapters.ErrAdapterClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.states[key]
	if !ok {
		return nil, adapters.ErrStateNotFound
	}
	cp := rec
	return &cp, nil
}

// Insert creates the first snapshot row for key.
func (s *StateLog) Insert(_ context.Context, key string, rec adapters.StateRecord) error {
	if s.closed {
		return adapters.ErrAdapterClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[key]; ok {
		return adapters.ErrStateAlreadyExists
	}
	s.states[key] = rec
	return nil
}

// Update overwrites the snapshot row for key.
func (s *StateLog) Update(_ context.Context, key string, rec adapters.StateRecord) error {
	if s.closed {
		return adapters.ErrAdapterClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = rec
	return nil
}

// Close marks the adapter closed; subsequent calls fail.
func (s *StateLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
