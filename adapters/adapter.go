// Package adapters defines the byte-level storage contracts that back the
// follower runtime: an append-only event log keyed by an opaque entity key,
// a snapshot store for materialized state, and a transactional append log
// for unit-scoped commits. Concrete backends (postgres, memory) implement
// these interfaces; the generic follower package converts to/from Go types
// around them using a Serializer.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by adapter implementations. Adapters should
// return these, or errors matching them via errors.Is, for consistent
// handling across backends.
var (
	// ErrStateNotFound indicates no snapshot exists for a key.
	ErrStateNotFound = errors.New("follower: state not found")

	// ErrStateAlreadyExists indicates Insert was called for a key that
	// already has a snapshot row.
	ErrStateAlreadyExists = errors.New("follower: state already exists")

	// ErrAdapterClosed indicates operations were attempted on a closed adapter.
	ErrAdapterClosed = errors.New("follower: adapter is closed")

	// ErrDuplicateAppend indicates a (unit, transaction id) pair was already
	// committed. This is not a failure; the coalescer translates it into
	// append returning (false, nil).
	ErrDuplicateAppend = errors.New("follower: duplicate append")

	// ErrEmptyKey indicates an empty entity key was supplied.
	ErrEmptyKey = errors.New("follower: key is required")
)

// EventRecord is the wire-level representation of one event to append to
// the log for a key: an opaque, already-serialized payload plus the type
// name needed to resolve it back to a concrete Go type on replay.
type EventRecord struct {
	Type string
	Data []byte
}

// StoredEventRecord is a persisted event as read back from the log.
type StoredEventRecord struct {
	Version   uint64
	Timestamp int64
	Type      string
	Data      []byte
}

// EventLogAdapter is the per-key append-only event log described in
// spec.md §6 as EventStore.
type EventLogAdapter interface {
	// Append writes events for key after startVersion, the last version
	// already in the log: the first event gets startVersion+1 and each
	// later one the next version up. Used by test harnesses and
	// integration seams that populate a log directly; the follower
	// runtime itself only ever reads via GetList.
	Append(ctx context.Context, key string, startVersion uint64, events []EventRecord) error

	// GetList returns events for key with version in
	// (startExclusive, endInclusive], ascending by version. The slice
	// length is never greater than endInclusive-startExclusive.
	GetList(ctx context.Context, key string, startExclusive, endInclusive uint64) ([]StoredEventRecord, error)

	// Close releases resources held by the adapter.
	Close() error
}

// StateRecord is a persisted state snapshot as read back from the store.
type StateRecord struct {
	Version   uint64
	Payload   []byte
	UpdatedAt time.Time
}

// StateLogAdapter is the per-key snapshot store described in spec.md §6
// as StateStore.
type StateLogAdapter interface {
	// Get returns the snapshot for key, or ErrStateNotFound if absent.
	Get(ctx context.Context, key string) (*StateRecord, error)

	// Insert creates the first snapshot row for key. Returns
	// ErrStateAlreadyExists if one already exists.
	Insert(ctx context.Context, key string, rec StateRecord) error

	// Update overwrites the snapshot row for key. Callers are
	// responsible for only calling this with a version that does not
	// regress; the store does not enforce monotonicity itself.
	Update(ctx context.Context, key string, rec StateRecord) error

	// Close releases resources held by the adapter.
	Close() error
}

// TransactionStatus mirrors spec.md §3's TransactionStatus enum.
type TransactionStatus int

const (
	StatusPersisted TransactionStatus = iota
	StatusCommitted
	StatusRolledback
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusPersisted:
		return "persisted"
	case StatusCommitted:
		return "committed"
	case StatusRolledback:
		return "rolledback"
	default:
		return "unknown"
	}
}

// AppendRecord is one row to write into the transactional append log.
// The uniqueness key is (UnitName, TransactionID).
type AppendRecord struct {
	UnitName      string
	TransactionID int64
	Data          string
	Status        TransactionStatus
}

// CommitRecord is a row read back from the transactional append log.
type CommitRecord struct {
	TransactionID int64
	Data          string
	Status        TransactionStatus
}

// TransactionLogAdapter is the backing store for the append coalescer
// (spec.md §4.3 / §6 TransactionStore). BulkInsert and InsertOne give the
// coalescer the two phases of the bulk-then-single fallback strategy;
// the adapter owns transaction boundaries.
type TransactionLogAdapter interface {
	// BulkInsert writes every record inside a single transaction using
	// the backend's strongest available isolation, and commits only if
	// every row lands. Any failure (including a duplicate key on any
	// single row) aborts the whole transaction and returns an error;
	// no row is left committed.
	BulkInsert(ctx context.Context, records []AppendRecord) error

	// InsertOne writes a single record as its own atomic write. Returns
	// ErrDuplicateAppend if (UnitName, TransactionID) already exists.
	InsertOne(ctx context.Context, record AppendRecord) error

	// Delete removes the row for (unitName, transactionID).
	Delete(ctx context.Context, unitName string, transactionID int64) error

	// GetList returns all commits for unitName, in insertion order.
	GetList(ctx context.Context, unitName string) ([]CommitRecord, error)

	// UpdateStatus sets the status for (unitName, transactionID).
	// Returns false if no row matched.
	UpdateStatus(ctx context.Context, unitName string, transactionID int64, status TransactionStatus) (bool, error)

	// Close releases resources held by the adapter.
	Close() error
}

// HealthChecker provides health check capabilities, optionally
// implemented alongside the adapters above.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Migrator provides schema setup/migration capabilities.
type Migrator interface {
	Migrate(ctx context.Context) error
}
