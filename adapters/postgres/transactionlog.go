package postgres

import (
	"context"
	"fmt"

	"github.com/dreamforge-labs/follower/adapters"
)

// Ensure TransactionLog implements the adapter interface it claims to.
var _ adapters.TransactionLogAdapter = (*TransactionLog)(nil)

// TransactionLog is a PostgreSQL-backed transactional append log.
// BulkInsert writes every row inside a single transaction, relying on
// the table's (unit_name, transaction_id) primary key to abort the
// whole batch on any duplicate.
type TransactionLog struct {
	adapter *PostgresAdapter
}

// NewTransactionLog builds a TransactionLog sharing adapter's connection pool.
func NewTransactionLog(adapter *PostgresAdapter) *TransactionLog {
	return &TransactionLog{adapter: adapter}
}

// BulkInsert writes every record inside one transaction; any duplicate
// key aborts the whole batch and returns ErrDuplicateAppend.
func (t *TransactionLog) BulkInsert(ctx context.Context, records []adapters.AppendRecord) error {
	if t.adapter.closed {
		return ErrAdapterClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := t.adapter.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("follower/postgres/txlog: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`
		INSERT INTO %s.transaction_log (unit_name, transaction_id, data, status)
		VALUES ($1, $2, $3, $4)`, t.adapter.schema)

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, stmt, r.UnitName, r.TransactionID, r.Data, int(r.Status)); err != nil {
			if isUniqueViolation(err) {
				return adapters.ErrDuplicateAppend
			}
			return fmt.Errorf("follower/postgres/txlog: failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("follower/postgres/txlog: failed to commit transaction: %w", err)
	}
	return nil
}

// InsertOne writes a single record as its own atomic write.
func (t *TransactionLog) InsertOne(ctx context.Context, r adapters.AppendRecord) error {
	if t.adapter.closed {
		return ErrAdapterClosed
	}

	_, err := t.adapter.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.transaction_log (unit_name, transaction_id, data, status)
		VALUES ($1, $2, $3, $4)`, t.adapter.schema), r.UnitName, r.TransactionID, r.Data, int(r.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return adapters.ErrDuplicateAppend
		}
		return fmt.Errorf("follower/postgres/txlog: failed to insert row: %w", err)
	}
	return nil
}

// Delete removes the row for (unitName, transactionID).
func (t *TransactionLog) Delete(ctx context.Context, unitName string, transactionID int64) error {
	if t.adapter.closed {
		return ErrAdapterClosed
	}

	_, err := t.adapter.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.transaction_log WHERE unit_name = $1 AND transaction_id = $2`, t.adapter.schema),
		unitName, transactionID)
	if err != nil {
		return fmt.Errorf("follower/postgres/txlog: failed to delete row: %w", err)
	}
	return nil
}

// GetList returns all commits for unitName ordered by inserted_at. Rows
// written in the same transaction share one inserted_at value, so their
// order relative to each other is not defined.
func (t *TransactionLog) GetList(ctx context.Context, unitName string) ([]adapters.CommitRecord, error) {
	if t.adapter.closed {
		return nil, ErrAdapterClosed
	}

	rows, err := t.adapter.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT transaction_id, data, status
		FROM %s.transaction_log
		WHERE unit_name = $1
		ORDER BY inserted_at`, t.adapter.schema), unitName)
	if err != nil {
		return nil, fmt.Errorf("follower/postgres/txlog: failed to load rows: %w", err)
	}
	defer rows.Close()

	out := make([]adapters.CommitRecord, 0)
	for rows.Next() {
		var rec adapters.CommitRecord
		var status int
		if err := rows.Scan(&rec.TransactionID, &rec.Data, &status); err != nil {
			return nil, fmt.Errorf("follower/postgres/txlog: failed to scan row: %w", err)
		}
		rec.Status = adapters.TransactionStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("follower/postgres/txlog: error iterating rows: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the status for (unitName, transactionID).
func (t *TransactionLog) UpdateStatus(ctx context.Context, unitName string, transactionID int64, status adapters.TransactionStatus) (bool, error) {
	if t.adapter.closed {
		return false, ErrAdapterClosed
	}

	res, err := t.adapter.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.transaction_log SET status = $1
		WHERE unit_name = $2 AND transaction_id = $3`, t.adapter.schema),
		int(status), unitName, transactionID)
	if err != nil {
		return false, fmt.Errorf("follower/postgres/txlog: failed to update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("follower/postgres/txlog: failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Close releases the underlying adapter's connection.
func (t *TransactionLog) Close() error {
	return t.adapter.Close()
}
