// Package assertions provides test helpers for asserting on the shape of
// a Follower's event log and the state it reduces to, built on top of
// adapters.StoredEventRecord rather than untyped event slices: record
// type names and versions are already present on the wire, so these
// helpers never need reflection to recover a "type" the way a generic
// event-slice assertion library would.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/dreamforge-labs/follower"
	"github.com/dreamforge-labs/follower/adapters"
)

// TB is an alias for testing.TB so helpers can be driven from subtests
// or table-driven cases without depending on *testing.T directly.
type TB = testing.TB

// AssertRecordTypes checks that records carries exactly types, in order.
func AssertRecordTypes(t TB, records []adapters.StoredEventRecord, types ...string) {
	t.Helper()

	if len(records) != len(types) {
		t.Fatalf("expected %d records, got %d", len(types), len(records))
	}
	for i, want := range types {
		if records[i].Type != want {
			t.Errorf("record %d: expected type %s, got %s", i, want, records[i].Type)
		}
	}
}

// AssertRecordCount checks the number of records.
func AssertRecordCount(t TB, records []adapters.StoredEventRecord, want int) {
	t.Helper()

	if len(records) != want {
		t.Errorf("expected %d records, got %d", want, len(records))
	}
}

// AssertNoRecords checks that no records were returned.
func AssertNoRecords(t TB, records []adapters.StoredEventRecord) {
	t.Helper()

	if len(records) > 0 {
		t.Errorf("expected no records, got %d: %+v", len(records), records)
	}
}

// AssertVersionsAscending checks that records are strictly increasing by
// Version with no gaps — the invariant a Follower's event log must hold
// for sequential replay to make sense.
func AssertVersionsAscending(t TB, records []adapters.StoredEventRecord) {
	t.Helper()

	for i := 1; i < len(records); i++ {
		if records[i].Version != records[i-1].Version+1 {
			t.Errorf("record %d: version %d does not follow %d", i, records[i].Version, records[i-1].Version)
		}
	}
}

// AssertFirstRecordType checks the first record's type.
func AssertFirstRecordType(t TB, records []adapters.StoredEventRecord, want string) {
	t.Helper()

	if len(records) == 0 {
		t.Fatal("expected at least one record, got none")
	}
	if records[0].Type != want {
		t.Errorf("first record: expected type %s, got %s", want, records[0].Type)
	}
}

// AssertLastRecordType checks the last record's type.
func AssertLastRecordType(t TB, records []adapters.StoredEventRecord, want string) {
	t.Helper()

	if len(records) == 0 {
		t.Fatal("expected at least one record, got none")
	}
	last := records[len(records)-1]
	if last.Type != want {
		t.Errorf("last record: expected type %s, got %s", want, last.Type)
	}
}

// AssertContainsRecordType checks that records contains at least one
// record of the given type.
func AssertContainsRecordType(t TB, records []adapters.StoredEventRecord, typeName string) {
	t.Helper()

	for _, rec := range records {
		if rec.Type == typeName {
			return
		}
	}
	t.Errorf("records do not contain a record of type %s", typeName)
}

// RecordDiff describes one index-aligned difference between an expected
// and actual record slice.
type RecordDiff struct {
	Index    int
	Expected adapters.StoredEventRecord
	Actual   adapters.StoredEventRecord
	Type     DiffType
}

// DiffType is the kind of mismatch a RecordDiff reports.
type DiffType int

const (
	DiffMissing DiffType = iota
	DiffExtra
	DiffMismatch
)

func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffRecords compares records by Type and Version (payload bytes are
// deliberately ignored — most callers care whether the right events
// landed in the right order, not byte-for-byte serialization).
func DiffRecords(expected, actual []adapters.StoredEventRecord) []RecordDiff {
	var diffs []RecordDiff

	maxLen := len(expected)
	if len(actual) > maxLen {
		maxLen = len(actual)
	}

	for i := 0; i < maxLen; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, RecordDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, RecordDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case expected[i].Type != actual[i].Type || expected[i].Version != actual[i].Version:
			diffs = append(diffs, RecordDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs renders diffs as a human-readable multi-line string.
func FormatDiffs(diffs []RecordDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("record differences:\n")
	for _, d := range diffs {
		switch d.Type {
		case DiffExtra:
			buf.WriteString(fmt.Sprintf("  %d: + %s@%d (unexpected)\n", d.Index, d.Actual.Type, d.Actual.Version))
		case DiffMissing:
			buf.WriteString(fmt.Sprintf("  %d: - %s@%d (missing)\n", d.Index, d.Expected.Type, d.Expected.Version))
		case DiffMismatch:
			buf.WriteString(fmt.Sprintf("  %d: - %s@%d\n  %d: + %s@%d (mismatch)\n",
				d.Index, d.Expected.Type, d.Expected.Version, d.Index, d.Actual.Type, d.Actual.Version))
		}
	}
	return buf.String()
}

// AssertRecordsEqual fails the test with a formatted diff if expected and
// actual don't match by Type and Version at every index.
func AssertRecordsEqual(t TB, expected, actual []adapters.StoredEventRecord) {
	t.Helper()

	if diffs := DiffRecords(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// RecordMatcher reports whether a record satisfies some predicate.
type RecordMatcher func(adapters.StoredEventRecord) bool

// MatchRecordType returns a RecordMatcher for an exact type name.
func MatchRecordType(typeName string) RecordMatcher {
	return func(rec adapters.StoredEventRecord) bool { return rec.Type == typeName }
}

// MatchVersionAtLeast returns a RecordMatcher for records at or past a
// given version.
func MatchVersionAtLeast(version uint64) RecordMatcher {
	return func(rec adapters.StoredEventRecord) bool { return rec.Version >= version }
}

// AssertAnyMatch checks that at least one record matches.
func AssertAnyMatch(t TB, records []adapters.StoredEventRecord, matcher RecordMatcher) {
	t.Helper()

	for _, rec := range records {
		if matcher(rec) {
			return
		}
	}
	t.Error("no record matched the criteria")
}

// AssertAllMatch checks that every record matches.
func AssertAllMatch(t TB, records []adapters.StoredEventRecord, matcher RecordMatcher) {
	t.Helper()

	for i, rec := range records {
		if !matcher(rec) {
			t.Errorf("record %d did not match: %+v", i, rec)
		}
	}
}

// CountMatches returns how many records match.
func CountMatches(records []adapters.StoredEventRecord, matcher RecordMatcher) int {
	count := 0
	for _, rec := range records {
		if matcher(rec) {
			count++
		}
	}
	return count
}

// FilterRecords returns the subset of records that match.
func FilterRecords(records []adapters.StoredEventRecord, matcher RecordMatcher) []adapters.StoredEventRecord {
	var out []adapters.StoredEventRecord
	for _, rec := range records {
		if matcher(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// AssertFollowerVersion checks a Follower's current version.
func AssertFollowerVersion[K follower.Key, E any, S any](t TB, f *follower.Follower[K, E, S], want uint64) {
	t.Helper()

	if got := f.Version(); got != want {
		t.Errorf("expected follower version %d, got %d", want, got)
	}
}

// AssertFollowerState checks a Follower's materialized payload by deep
// equality.
func AssertFollowerState[K follower.Key, E any, S any](t TB, f *follower.Follower[K, E, S], want S) {
	t.Helper()

	if got := f.State(); !reflect.DeepEqual(got, want) {
		t.Errorf("follower state mismatch:\nexpected: %+v\nactual:   %+v", want, got)
	}
}

// AssertDoingVersionSettled checks that a Follower's doing_version has
// caught up to version — the invariant that should hold any time a
// Follower isn't mid-apply.
func AssertDoingVersionSettled[K follower.Key, E any, S any](t TB, f *follower.Follower[K, E, S]) {
	t.Helper()

	snap := f.Snapshot()
	if snap.DoingVersion != snap.Version {
		t.Errorf("expected doing_version to settle at version %d, got %d", snap.Version, snap.DoingVersion)
	}
}
