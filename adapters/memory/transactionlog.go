package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamforge-labs/follower/adapters"
)

var _ adapters.TransactionLogAdapter = (*TransactionLog)(nil)

type txKey struct {
	unit string
	txID int64
}

// TransactionLog is an in-memory transactional append log. BulkInsert
// simulates an all-or-nothing transaction: it checks every row for a
// conflict before writing any of them, so a single duplicate aborts the
// whole batch exactly like a real transaction rollback would.
type TransactionLog struct {
	mu     sync.Mutex
	rows   map[txKey]adapters.AppendRecord
	order  map[string][]int64 // unit -> insertion-ordered transaction ids
	closed bool

	// FailBulk, when set, forces BulkInsert to always abort regardless
	// of duplicates, to exercise the per-row fallback path in tests.
	FailBulk bool
}

// NewTransactionLog creates an empty in-memory transactional append log.
func NewTransactionLog() *TransactionLog {
	return &TransactionLog{
		rows:  make(map[txKey]adapters.AppendRecord),
		order: make(map[string][]int64),
	}
}

// BulkInsert writes every record atomically: if any record conflicts
// with an existing row, or FailBulk is set, nothing is written.
func (t *TransactionLog) BulkInsert(_ context.Context, records []adapters.AppendRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return adapters.ErrAdapterClosed
	}
	if t.FailBulk {
		return fmt.Errorf("follower/memory: forced bulk transaction abort")
	}

	seen := make(map[txKey]struct{}, len(records))
	for _, r := range records {
		k := txKey{r.UnitName, r.TransactionID}
		if _, exists := t.rows[k]; exists {
			return adapters.ErrDuplicateAppend
		}
		if _, dup := seen[k]; dup {
			return adapters.ErrDuplicateAppend
		}
		seen[k] = struct{}{}
	}

	for _, r := range records {
		k := txKey{r.UnitName, r.TransactionID}
		t.rows[k] = r
		t.order[r.UnitName] = append(t.order[r.UnitName], r.TransactionID)
	}
	return nil
}

// InsertOne writes a single record as its own atomic write.
func (t *TransactionLog) InsertOne(_ context.Context, r adapters.AppendRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return adapters.ErrAdapterClosed
	}

	k := txKey{r.UnitName, r.TransactionID}
	if _, exists := t.rows[k]; exists {
		return adapters.ErrDuplicateAppend
	}
	t.rows[k] = r
	t.order[r.UnitName] = append(t.order[r.UnitName], r.TransactionID)
	return nil
}

// Delete removes the row for (unitName, transactionID).
func (t *TransactionLog) Delete(_ context.Context, unitName string, transactionID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return adapters.ErrAdapterClosed
	}

	delete(t.rows, txKey{unitName, transactionID})
	ids := t.order[unitName]
	for i, id := range ids {
		if id == transactionID {
			t.order[unitName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// GetList returns all commits for unitName in insertion order.
func (t *TransactionLog) GetList(_ context.Context, unitName string) ([]adapters.CommitRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, adapters.ErrAdapterClosed
	}

	out := make([]adapters.CommitRecord, 0, len(t.order[unitName]))
	for _, id := range t.order[unitName] {
		row := t.rows[txKey{unitName, id}]
		out = append(out, adapters.CommitRecord{
			TransactionID: row.TransactionID,
			Data:          row.Data,
			Status:        row.Status,
		})
	}
	return out, nil
}

// UpdateStatus sets the status for (unitName, transactionID).
func (t *TransactionLog) UpdateStatus(_ context.Context, unitName string, transactionID int64, status adapters.TransactionStatus) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, adapters.ErrAdapterClosed
	}

	k := txKey{unitName, transactionID}
	row, ok := t.rows[k]
	if !ok {
		return false, nil
	}
	row.Status = status
	t.rows[k] = row
	return true, nil
}

// Close marks the adapter closed; subsequent calls fail.
func (t *TransactionLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
