// Package postgres provides PostgreSQL-backed implementations of the
// follower runtime's storage adapters: an append-only event log, a
// snapshot store, and (in transactionlog.go) the transactional append
// log used by the coalescer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dreamforge-labs/follower/adapters"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Sentinel errors for the postgres adapter. These are aliases to the
// adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed   = adapters.ErrAdapterClosed
	ErrStateNotFound   = adapters.ErrStateNotFound
	ErrEmptyKey        = adapters.ErrEmptyKey
	ErrDuplicateAppend = adapters.ErrDuplicateAppend
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.HealthChecker = (*PostgresAdapter)(nil)
	_ adapters.Migrator      = (*PostgresAdapter)(nil)
)

// PostgresAdapter owns the shared database connection used by the event
// log, state log, and transaction log adapters built on top of it.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a new PostgreSQL connection pool.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("follower/postgres: failed to open database: %w", err)
	}

	adapter := &PostgresAdapter{
		db:     db,
		schema: "follower",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter, nil
}

// NewAdapterWithDB wraps an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: "follower",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

// Initialize creates the required schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs database migrations for the event log, snapshot store,
// and transaction log tables.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema))
	if err != nil {
		return fmt.Errorf("follower/postgres: failed to create schema: %w", err)
	}

	eventsSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.events (
			entity_key  VARCHAR(500) NOT NULL,
			version     BIGINT NOT NULL,
			event_type  VARCHAR(500) NOT NULL,
			payload     JSONB NOT NULL,
			occurred_at BIGINT NOT NULL,
			PRIMARY KEY (entity_key, version)
		)`, a.schema)
	if _, err = a.db.ExecContext(ctx, eventsSQL); err != nil {
		return fmt.Errorf("follower/postgres: failed to create events table: %w", err)
	}

	snapshotsSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.snapshots (
			entity_key VARCHAR(500) PRIMARY KEY,
			version    BIGINT NOT NULL,
			payload    BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.schema)
	if _, err = a.db.ExecContext(ctx, snapshotsSQL); err != nil {
		return fmt.Errorf("follower/postgres: failed to create snapshots table: %w", err)
	}

	txLogSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.transaction_log (
			unit_name      VARCHAR(500) NOT NULL,
			transaction_id BIGINT NOT NULL,
			data           TEXT NOT NULL,
			status         SMALLINT NOT NULL,
			inserted_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (unit_name, transaction_id)
		)`, a.schema)
	if _, err = a.db.ExecContext(ctx, txLogSQL); err != nil {
		return fmt.Errorf("follower/postgres: failed to create transaction_log table: %w", err)
	}

	return nil
}

// MigrationVersion reports whether the events table exists yet.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = '%s' AND table_name = 'events'
		)`, a.schema)).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		return 1, nil
	}
	return 0, nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the database connection. It is safe to call Close on
// more than one of EventLog/StateLog/TransactionLog built from the same
// adapter; only the first call actually closes the pool.
func (a *PostgresAdapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// Ensure EventLog implements the adapter interface it claims to.
var _ adapters.EventLogAdapter = (*EventLog)(nil)

// EventLog is a PostgreSQL-backed per-key append-only event log.
type EventLog struct {
	adapter *PostgresAdapter
}

// NewEventLog builds an EventLog sharing adapter's connection pool.
func NewEventLog(adapter *PostgresAdapter) *EventLog {
	return &EventLog{adapter: adapter}
}

// Append writes events for key with versions startVersion+1, +2, and so on.
func (l *EventLog) Append(ctx context.Context, key string, startVersion uint64, records []adapters.EventRecord) error {
	if l.adapter.closed {
		return ErrAdapterClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := l.adapter.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("follower/postgres/events: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version := startVersion
	now := time.Now().UnixMilli()
	stmt := fmt.Sprintf(`
		INSERT INTO %s.events (entity_key, version, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`, l.adapter.schema)

	for _, r := range records {
		version++
		if _, err := tx.ExecContext(ctx, stmt, key, version, r.Type, r.Data, now); err != nil {
			return fmt.Errorf("follower/postgres/events: failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("follower/postgres/events: failed to commit transaction: %w", err)
	}
	return nil
}

// GetList returns events for key with version in (startExclusive, endInclusive].
func (l *EventLog) GetList(ctx context.Context, key string, startExclusive, endInclusive uint64) ([]adapters.StoredEventRecord, error) {
	if l.adapter.closed {
		return nil, ErrAdapterClosed
	}

	rows, err := l.adapter.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT version, occurred_at, event_type, payload
		FROM %s.events
		WHERE entity_key = $1 AND version > $2 AND version <= $3
		ORDER BY version`, l.adapter.schema), key, startExclusive, endInclusive)
	if err != nil {
		return nil, fmt.Errorf("follower/postgres/events: failed to load events: %w", err)
	}
	defer rows.Close()

	out := make([]adapters.StoredEventRecord, 0)
	for rows.Next() {
		var rec adapters.StoredEventRecord
		if err := rows.Scan(&rec.Version, &rec.Timestamp, &rec.Type, &rec.Data); err != nil {
			return nil, fmt.Errorf("follower/postgres/events: failed to scan event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("follower/postgres/events: error iterating events: %w", err)
	}
	return out, nil
}

// Close releases the underlying adapter's connection.
func (l *EventLog) Close() error {
	return l.adapter.Close()
}

// Ensure StateLog implements the adapter interface it claims to.
var _ adapters.StateLogAdapter = (*StateLog)(nil)

// StateLog is a PostgreSQL-backed per-key snapshot store.
type StateLog struct {
	adapter *PostgresAdapter
}

// NewStateLog builds a StateLog sharing adapter's connection pool.
func NewStateLog(adapter *PostgresAdapter) *StateLog {
	return &StateLog{adapter: adapter}
}

// Get returns the snapshot for key, or ErrStateNotFound if absent.
func (s *StateLog) Get(ctx context.Context, key string) (*adapters.StateRecord, error) {
	if s.adapter.closed {
		return nil, ErrAdapterClosed
	}

	var rec adapters.StateRecord
	err := s.adapter.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, payload, updated_at
		FROM %s.snapshots
		WHERE entity_key = $1`, s.adapter.schema), key).Scan(&rec.Version, &rec.Payload, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, adapters.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("follower/postgres/snapshots: failed to get snapshot: %w", err)
	}
	return &rec, nil
}

// Insert creates the first snapshot row for key.
func (s *StateLog) Insert(ctx context.Context, key string, rec adapters.StateRecord) error {
	if s.adapter.closed {
		return ErrAdapterClosed
	}

	_, err := s.adapter.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.snapshots (entity_key, version, payload, updated_at)
		VALUES ($1, $2, $3, NOW())`, s.adapter.schema), key, rec.Version, rec.Payload)
	if err != nil {
		if isUniqueViolation(err) {
			return adapters.ErrStateAlreadyExists
		}
		return fmt.Errorf("follower/postgres/snapshots: failed to insert snapshot: %w", err)
	}
	return nil
}

// Update overwrites the snapshot row for key.
func (s *StateLog) Update(ctx context.Context, key string, rec adapters.StateRecord) error {
	if s.adapter.closed {
		return ErrAdapterClosed
	}

	_, err := s.adapter.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.snapshots (entity_key, version, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (entity_key) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			updated_at = NOW()`, s.adapter.schema), key, rec.Version, rec.Payload)
	if err != nil {
		return fmt.Errorf("follower/postgres/snapshots: failed to update snapshot: %w", err)
	}
	return nil
}

// Close releases the underlying adapter's connection.
func (s *StateLog) Close() error {
	return s.adapter.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
