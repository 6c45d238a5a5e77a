package follower

import (
	"fmt"

	"github.com/dreamforge-labs/follower/adapters"
)

// Key is the constraint satisfied by a Follower's identity type: it must
// be usable as a map key and print itself for storage-adapter calls and
// log lines.
type Key interface {
	comparable
	fmt.Stringer
}

// EventBase carries the bookkeeping every event needs regardless of its
// payload: the version it was assigned in the log and when it was
// appended.
type EventBase struct {
	Version   uint64
	Timestamp int64
}

// Event pairs a domain payload of type E with its EventBase bookkeeping.
type Event[E any] struct {
	Base    EventBase
	Payload E
}

// State is a Follower's materialized read model for one key: the domain
// payload of type S, the version it reflects, and DoingVersion, the
// version of the event most recently handed to the reducer; it leads
// Version only while a reducer call is in flight. DoingVersion is held in
// memory only and is not stored with snapshots.
type State[K Key, S any] struct {
	Key          K
	Version      uint64
	DoingVersion uint64
	Payload      S
}

// TransactionStatus re-exports adapters.TransactionStatus so callers never
// need to import adapters directly to reason about commit lifecycle.
type TransactionStatus = adapters.TransactionStatus

const (
	StatusPersisted  = adapters.StatusPersisted
	StatusCommitted  = adapters.StatusCommitted
	StatusRolledback = adapters.StatusRolledback
)

// Commit is one unit of work accepted by the append coalescer: an
// application-assigned TransactionID, the opaque Input payload to persist,
// and the TransactionStatus it should be persisted with.
type Commit[Input any] struct {
	TransactionID int64
	Data          Input
	Status        TransactionStatus
}

// AppendRequest is the byte-level form of a Commit ready for the
// TransactionLogAdapter: UnitName identifies the logical writer (e.g. a
// coalescer instance or shard), TransactionID is the dedup key alongside
// it, and Data is the already-serialized commit payload.
type AppendRequest struct {
	UnitName      string
	TransactionID int64
	Data          string
	Status        TransactionStatus
}
