package follower

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dreamforge-labs/follower/adapters"
)

// Reducer applies one event to a state payload and returns the resulting
// payload. It must be pure: the Follower may call it during full_active
// replay and during a gap-fill inside Tell, and replaying the same events
// in the same order must always produce the same state.
type Reducer[E any, S any] func(state S, event E) S

// MessageInfo is the wire envelope a Follower decodes in TellBytes: an
// opaque, already-serialized payload plus enough bookkeeping to place it
// in version order without looking anything else up.
type MessageInfo struct {
	Key       string
	Type      string
	Version   uint64
	Timestamp int64
	Data      []byte
}

// FollowerHooks lets callers observe a Follower's lifecycle without
// subclassing the generic type. Embed FollowerBase to get no-op defaults
// and override only the hooks you need.
type FollowerHooks[K Key, E any, S any] interface {
	// OnEventDelivered runs after an event has been applied to state,
	// whether during full_active replay, a direct Tell, or a gap-fill.
	OnEventDelivered(ctx context.Context, key K, event Event[E], state S)

	// OnSaveSnapshot runs immediately before a snapshot is persisted and
	// may return a transformed payload to store in its place (e.g. to
	// redact fields). Returning the input state unchanged is the default.
	OnSaveSnapshot(ctx context.Context, key K, state S) S

	// OnSavedSnapshot runs after a snapshot has been durably persisted.
	OnSavedSnapshot(ctx context.Context, key K, version uint64)
}

// FollowerBase is a no-op FollowerHooks implementation meant to be
// embedded by callers who only want to override a subset of hooks.
type FollowerBase[K Key, E any, S any] struct{}

func (FollowerBase[K, E, S]) OnEventDelivered(ctx context.Context, key K, event Event[E], state S) {}
func (FollowerBase[K, E, S]) OnSaveSnapshot(ctx context.Context, key K, state S) S                 { return state }
func (FollowerBase[K, E, S]) OnSavedSnapshot(ctx context.Context, key K, version uint64)           {}

// Option configures a Follower at construction time.
type Option[K Key, E any, S any] func(*Follower[K, E, S])

// WithLogger sets the Follower's logger.
func WithLogger[K Key, E any, S any](l Logger) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.logger = l }
}

// WithSerializer sets the Serializer used for event and snapshot payloads.
func WithSerializer[K Key, E any, S any](s Serializer) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.serializer = s }
}

// WithTypeRegistry sets the TypeRegistry used to resolve TellBytes
// envelope type names back to concrete event payload types.
func WithTypeRegistry[K Key, E any, S any](r *TypeRegistry) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.registry = r }
}

// WithHooks sets lifecycle hooks. The default is FollowerBase's no-ops.
func WithHooks[K Key, E any, S any](h FollowerHooks[K, E, S]) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.hooks = h }
}

// WithSaveSnapshot controls whether a Follower ever writes snapshots. When
// false, state is rebuilt from the full event log on every activation and
// SaveSnapshot/Deactivate never touch the StateLogAdapter. Default true.
func WithSaveSnapshot[K Key, E any, S any](enabled bool) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.saveSnapshot = enabled }
}

// WithSnapshotVersionInterval sets how many applied events elapse between
// automatic snapshot saves: a snapshot is written once
// version-snapshotVersion >= interval. A value of 0 persists after every
// applied event. Default 1.
func WithSnapshotVersionInterval[K Key, E any, S any](interval uint64) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.snapshotVersionInterval = interval }
}

// WithSnapshotMinVersionInterval sets the separate threshold Deactivate
// uses to decide whether a final snapshot is worth writing: it saves only
// if version-snapshotVersion is at least this many events. Default 1.
func WithSnapshotMinVersionInterval[K Key, E any, S any](interval uint64) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.snapshotMinVersionInterval = interval }
}

// WithEventsPerRead sets the page size full_active uses when scanning the
// event log during replay. Default 256; 1 is valid and simply replays one
// event per round trip.
func WithEventsPerRead[K Key, E any, S any](n int) Option[K, E, S] {
	return func(f *Follower[K, E, S]) {
		if n > 0 {
			f.eventsPerRead = uint64(n)
		}
	}
}

// WithFullyActive controls whether Activate replays the event log before
// returning. When false, Activate only loads the latest snapshot; events
// appended before the first Tell are left unread until that Tell (or a
// later gap-fill) pulls them in. Default true.
func WithFullyActive[K Key, E any, S any](enabled bool) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.fullyActive = enabled }
}

// WithConcurrentEvents enables applying each full_active page's events in
// parallel rather than strictly in order: every event in the page is
// decoded in order, then run through the reducer and OnEventDelivered
// concurrently,
// and only once the whole page finishes is version advanced to the page's
// last event. This trades the per-event version bookkeeping in
// applyRecords for throughput; callers must only enable it when their
// reducer's effect is commutative across a page, since two events in the
// same page may be applied in either order (or interleaved) against
// shared state. Default false.
func WithConcurrentEvents[K Key, E any, S any](enabled bool) Option[K, E, S] {
	return func(f *Follower[K, E, S]) { f.concurrentEvents = enabled }
}

// Follower rebuilds and maintains an in-memory, per-key read model of type
// S from a persistent event log of type E. It is the per-key virtual actor
// described by the runtime: one Follower instance owns the mailbox for
// exactly one Key, serializing Tell calls against its own state.
type Follower[K Key, E any, S any] struct {
	key     K
	eventLog adapters.EventLogAdapter
	stateLog adapters.StateLogAdapter

	reducer    Reducer[E, S]
	serializer Serializer
	registry   *TypeRegistry
	hooks      FollowerHooks[K, E, S]
	logger     Logger

	saveSnapshot               bool
	snapshotVersionInterval    uint64
	snapshotMinVersionInterval uint64
	eventsPerRead              uint64
	fullyActive                bool
	concurrentEvents           bool

	mu              sync.Mutex
	state           S
	version         uint64
	doingVersion    uint64
	snapshotVersion uint64
	noSnapshot      bool
	activated       bool
	deactivated     bool
}

// NewFollower creates a Follower for key, backed by eventLog and stateLog,
// with reducer as its pure event-apply function. It must be activated via
// Activate before Tell or SaveSnapshot are called.
func NewFollower[K Key, E any, S any](
	key K,
	eventLog adapters.EventLogAdapter,
	stateLog adapters.StateLogAdapter,
	reducer Reducer[E, S],
	opts ...Option[K, E, S],
) *Follower[K, E, S] {
	f := &Follower[K, E, S]{
		key:                        key,
		eventLog:                   eventLog,
		stateLog:                   stateLog,
		reducer:                    reducer,
		serializer:                 NewJSONSerializer(),
		registry:                   NewTypeRegistry(),
		hooks:                      FollowerBase[K, E, S]{},
		logger:                     noopLogger{},
		saveSnapshot:               true,
		snapshotVersionInterval:    1,
		snapshotMinVersionInterval: 1,
		eventsPerRead:              256,
		fullyActive:                true,
		noSnapshot:                 true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Key returns the identity this Follower owns.
func (f *Follower[K, E, S]) Key() K { return f.key }

// Version returns the version of the last event applied to state.
func (f *Follower[K, E, S]) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

// State returns a copy of the current materialized payload.
func (f *Follower[K, E, S]) State() S {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Activate runs the read_snapshot and full_active phases: it loads the
// most recent snapshot (if any) and, unless WithFullyActive(false) was
// given, replays every event appended since, bringing state up to the
// log's current version. Activate must be called
// exactly once before Tell or SaveSnapshot.
func (f *Follower[K, E, S]) Activate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.activated {
		return ErrAlreadyActivated
	}

	if err := f.readSnapshot(ctx); err != nil {
		return NewActivationError(f.key.String(), "read_snapshot", err)
	}

	if err := f.fullActive(ctx); err != nil {
		return NewActivationError(f.key.String(), "full_active", err)
	}

	f.activated = true
	return nil
}

func (f *Follower[K, E, S]) readSnapshot(ctx context.Context) error {
	rec, err := f.stateLog.Get(ctx, f.key.String())
	if err != nil {
		if err == adapters.ErrStateNotFound {
			f.noSnapshot = true
			return nil
		}
		return NewStorageError("read_snapshot", f.key.String(), err)
	}

	payload, err := f.serializer.Deserialize(rec.Payload, typeNameOf(f.state))
	if err != nil {
		return NewDeserializationError(f.key.String(), typeNameOf(f.state), err)
	}
	typed, ok := payload.(S)
	if !ok {
		return NewDeserializationError(f.key.String(), typeNameOf(f.state),
			fmt.Errorf("snapshot payload is %T, want %T", payload, f.state))
	}

	f.state = typed
	f.version = rec.Version
	f.doingVersion = rec.Version
	f.snapshotVersion = rec.Version
	f.noSnapshot = false
	return nil
}

// fullActive implements the full_active replay algorithm: page through
// the event log in eventsPerRead-sized windows, applying each page
// (sequentially or concurrently per concurrentEvents) and saving a
// snapshot after every page, stopping once a page comes back short.
func (f *Follower[K, E, S]) fullActive(ctx context.Context) error {
	if !f.fullyActive {
		return nil
	}

	for {
		start := f.version
		end := start + f.eventsPerRead
		if end < start { // overflow guard
			end = math.MaxUint64
		}

		records, err := f.eventLog.GetList(ctx, f.key.String(), start, end)
		if err != nil {
			return NewStorageError("full_active", f.key.String(), err)
		}
		if len(records) == 0 {
			return nil
		}

		if f.concurrentEvents {
			if err := f.applyPageConcurrent(ctx, records); err != nil {
				return err
			}
		} else if err := f.applyRecords(ctx, records); err != nil {
			return err
		}

		if err := f.saveSnapshotLocked(ctx, false); err != nil {
			f.logger.Error("follower: automatic snapshot save failed", "key", f.key.String(), "error", err)
		}

		if uint64(len(records)) < f.eventsPerRead {
			return nil
		}
	}
}

func (f *Follower[K, E, S]) applyRecords(ctx context.Context, records []adapters.StoredEventRecord) error {
	for _, rec := range records {
		event, err := f.decodeEvent(rec)
		if err != nil {
			return err
		}
		f.applyEvent(ctx, event)
	}
	return nil
}

// applyPageConcurrent decodes and applies every record in records in
// parallel, then advances version/doingVersion to the page's last event
// once every goroutine has returned. Access to f.state is still
// serialized through stateMu so this never races in the Go memory model,
// but the order in which events update state is unspecified: a reducer
// whose effect depends on event order must not be used with
// concurrentEvents enabled.
func (f *Follower[K, E, S]) applyPageConcurrent(ctx context.Context, records []adapters.StoredEventRecord) error {
	events := make([]Event[E], len(records))
	for i, rec := range records {
		event, err := f.decodeEvent(rec)
		if err != nil {
			return err
		}
		events[i] = event
	}

	last := records[len(records)-1].Version
	f.doingVersion = last

	var wg sync.WaitGroup
	var stateMu sync.Mutex
	wg.Add(len(events))
	for _, event := range events {
		go func(event Event[E]) {
			defer wg.Done()
			stateMu.Lock()
			f.state = f.reducer(f.state, event.Payload)
			current := f.state
			stateMu.Unlock()
			f.hooks.OnEventDelivered(ctx, f.key, event, current)
		}(event)
	}
	wg.Wait()

	f.version = last
	return nil
}

func (f *Follower[K, E, S]) decodeEvent(rec adapters.StoredEventRecord) (Event[E], error) {
	payload, err := f.serializer.Deserialize(rec.Data, rec.Type)
	if err != nil {
		return Event[E]{}, NewDeserializationError(f.key.String(), rec.Type, err)
	}
	typed, ok := payload.(E)
	if !ok {
		return Event[E]{}, NewDeserializationError(f.key.String(), rec.Type,
			fmt.Errorf("decoded payload is %T, want event type", payload))
	}
	return Event[E]{
		Base:    EventBase{Version: rec.Version, Timestamp: rec.Timestamp},
		Payload: typed,
	}, nil
}

// applyEvent applies event to state and advances version. doingVersion is
// set to the event's version before the reducer runs and stays there
// after version catches up, so doingVersion is always version or
// version+1: a crash mid-apply leaves doingVersion one ahead of the last
// durably applied version. Callers must hold f.mu.
func (f *Follower[K, E, S]) applyEvent(ctx context.Context, event Event[E]) {
	f.doingVersion = event.Base.Version
	f.state = f.reducer(f.state, event.Payload)
	f.version = event.Base.Version
	f.hooks.OnEventDelivered(ctx, f.key, event, f.state)
}

// Tell delivers one already-versioned event to the Follower. Three cases:
//
//   - event.Base.Version <= current version: the event was already
//     applied (or is stale); Tell is a no-op and returns the current state.
//   - event.Base.Version == current version + 1: the common case; the
//     event is applied directly.
//   - event.Base.Version > current version + 1: a gap exists. Tell fills
//     it by reading every event in (current version, event's version]
//     from the log and applying them in order. Because that range already
//     includes the event passed to Tell, the event is not applied a
//     second time: gap-fill applies at most once per version. If the log
//     doesn't actually hold every version in that range — the event at
//     event.Base.Version was never durably appended — gap-fill applies
//     whatever it found and returns a VersionMismatchError rather than
//     silently settling at the short version.
func (f *Follower[K, E, S]) Tell(ctx context.Context, event Event[E]) (S, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.activated {
		return f.state, ErrNotActivated
	}
	if f.deactivated {
		return f.state, ErrDeactivated
	}

	switch {
	case event.Base.Version <= f.version:
		// Already applied or stale; idempotent no-op.
	case event.Base.Version == f.version+1:
		f.applyEvent(ctx, event)
	default:
		records, err := f.eventLog.GetList(ctx, f.key.String(), f.version, event.Base.Version)
		if err != nil {
			return f.state, NewStorageError("gap_fill", f.key.String(), err)
		}
		if err := f.applyRecords(ctx, records); err != nil {
			return f.state, err
		}
		if f.version < event.Base.Version {
			return f.state, NewVersionMismatchError(f.key.String(), event.Base.Version, f.version)
		}
	}

	if err := f.saveSnapshotLocked(ctx, false); err != nil {
		f.logger.Error("follower: automatic snapshot save failed", "key", f.key.String(), "error", err)
	}

	return f.state, nil
}

// TellBytes decodes a wire envelope via the Follower's TypeRegistry and
// delivers it through Tell. A type name the registry doesn't recognize is
// not an error: the envelope is logged and dropped, since a host may
// route event types intended for other followers through the same
// mailbox.
func (f *Follower[K, E, S]) TellBytes(ctx context.Context, msg MessageInfo) (S, error) {
	f.mu.Lock()
	t, ok := f.registry.Lookup(msg.Type)
	f.mu.Unlock()
	if !ok {
		f.logger.Warn("follower: dropping envelope with unregistered type",
			"key", msg.Key, "type", msg.Type, "error", fmt.Errorf("%w: %s", ErrUnknownEventType, msg.Type))
		return f.State(), nil
	}

	payload, err := f.serializer.Deserialize(msg.Data, msg.Type)
	if err != nil {
		return f.State(), NewDeserializationError(msg.Key, msg.Type, err)
	}
	typed, ok := payload.(E)
	if !ok {
		return f.State(), NewDeserializationError(msg.Key, msg.Type,
			fmt.Errorf("envelope decoded to %v, want assignable to event type", t))
	}

	return f.Tell(ctx, Event[E]{
		Base:    EventBase{Version: msg.Version, Timestamp: msg.Timestamp},
		Payload: typed,
	})
}

// SaveSnapshot forces a snapshot save regardless of
// snapshotVersionInterval, unless saveSnapshot is disabled.
func (f *Follower[K, E, S]) SaveSnapshot(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveSnapshotLocked(ctx, true)
}

// saveSnapshotLocked is save_snapshot(force): a no-op unless the
// saveSnapshot option is enabled, and, absent force, unless
// version-snapshotVersion has crossed snapshotVersionInterval. Callers
// must hold f.mu.
func (f *Follower[K, E, S]) saveSnapshotLocked(ctx context.Context, force bool) error {
	if !f.saveSnapshot {
		return nil
	}
	if !force && f.version-f.snapshotVersion < f.snapshotVersionInterval {
		return nil
	}

	toSave := f.hooks.OnSaveSnapshot(ctx, f.key, f.state)

	data, err := f.serializer.Serialize(toSave)
	if err != nil {
		return NewDeserializationError(f.key.String(), typeNameOf(toSave), err)
	}

	rec := adapters.StateRecord{Version: f.version, Payload: data, UpdatedAt: time.Now()}

	var storeErr error
	if f.noSnapshot {
		storeErr = f.stateLog.Insert(ctx, f.key.String(), rec)
		if storeErr == adapters.ErrStateAlreadyExists {
			storeErr = f.stateLog.Update(ctx, f.key.String(), rec)
		}
	} else {
		storeErr = f.stateLog.Update(ctx, f.key.String(), rec)
	}
	if storeErr != nil {
		return NewStorageError("save_snapshot", f.key.String(), storeErr)
	}

	f.noSnapshot = false
	f.snapshotVersion = f.version
	f.hooks.OnSavedSnapshot(ctx, f.key, f.version)
	return nil
}

// Deactivate saves a final snapshot, forced, once state has advanced at
// least snapshotMinVersionInterval past the last snapshot, and marks the
// Follower unusable for further Tell calls. A deactivated Follower must
// be discarded; a new one activated for the same key will resume from
// the persisted snapshot.
func (f *Follower[K, E, S]) Deactivate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deactivated {
		return nil
	}

	if f.version-f.snapshotVersion >= f.snapshotMinVersionInterval {
		if err := f.saveSnapshotLocked(ctx, true); err != nil {
			return err
		}
	}

	f.deactivated = true
	return nil
}

// Snapshot returns the Follower's current materialized read model,
// including doingVersion: the version of the event most recently (or
// currently) being applied. doingVersion always equals either version or
// version+1 — it only leads version while a reducer call is in flight.
func (f *Follower[K, E, S]) Snapshot() State[K, S] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State[K, S]{
		Key:          f.key,
		Version:      f.version,
		DoingVersion: f.doingVersion,
		Payload:      f.state,
	}
}
