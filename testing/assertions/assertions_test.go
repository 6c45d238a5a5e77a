package assertions

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamforge-labs/follower"
	"github.com/dreamforge-labs/follower/adapters"
	"github.com/dreamforge-labs/follower/adapters/memory"
)

// =============================================================================
// Test fixtures: a minimal Follower domain to assert against
// =============================================================================

type widgetKey string

func (k widgetKey) String() string { return string(k) }

type widgetEvent struct {
	Kind   string
	Amount int
}

type widgetState struct {
	Total int
	Count int
}

func widgetReducer(state widgetState, e widgetEvent) widgetState {
	switch e.Kind {
	case "part_added":
		state.Total += e.Amount
		state.Count++
	}
	return state
}

func newTestFollower(t *testing.T) (*follower.Follower[widgetKey, widgetEvent, widgetState], *memory.EventLog) {
	t.Helper()
	events := memory.NewEventLog()
	states := memory.NewStateLog()

	registry := follower.NewTypeRegistry()
	registry.RegisterAll(widgetEvent{})
	serializer := follower.NewJSONSerializerWithRegistry(registry)

	f := follower.NewFollower[widgetKey, widgetEvent, widgetState](widgetKey("widget-1"), events, states, widgetReducer,
		follower.WithSerializer[widgetKey, widgetEvent, widgetState](serializer),
		follower.WithTypeRegistry[widgetKey, widgetEvent, widgetState](registry),
	)
	return f, events
}

func appendWidgetEvent(t *testing.T, events *memory.EventLog, key widgetKey, version uint64, e widgetEvent) {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, events.Append(context.Background(), key.String(), version-1, []adapters.EventRecord{
		{Type: "widgetEvent", Data: data},
	}))
}

func records(types ...string) []adapters.StoredEventRecord {
	out := make([]adapters.StoredEventRecord, len(types))
	for i, ty := range types {
		out[i] = adapters.StoredEventRecord{Version: uint64(i + 1), Type: ty}
	}
	return out
}

// =============================================================================
// Mock testing.TB, for asserting on assertion failures themselves
// =============================================================================

type mockT struct {
	testing.TB
	failed  bool
	message string
	fatal   bool
}

func newMockT() *mockT { return &mockT{} }

func (m *mockT) Helper() {}

func (m *mockT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.message = format
}

func (m *mockT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.fatal = true
	m.message = format
	runtime.Goexit()
}

func (m *mockT) Fatal(args ...interface{}) {
	m.failed = true
	m.fatal = true
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok {
			m.message = msg
		}
	}
	runtime.Goexit()
}

func (m *mockT) Error(args ...interface{}) {
	m.failed = true
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok {
			m.message = msg
		}
	}
}

func runWithMockT(fn func(*mockT)) (mt *mockT) {
	mt = newMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

// =============================================================================
// AssertRecordTypes / AssertRecordCount / AssertNoRecords
// =============================================================================

func TestAssertRecordTypes(t *testing.T) {
	t.Run("passes when types match in order", func(t *testing.T) {
		AssertRecordTypes(t, records("widgetEvent", "widgetEvent"), "widgetEvent", "widgetEvent")
	})

	t.Run("handles empty records", func(t *testing.T) {
		AssertRecordTypes(t, nil)
	})

	t.Run("fails on count mismatch", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertRecordTypes(m, records("widgetEvent"), "widgetEvent", "widgetEvent")
		})
		assert.True(t, mt.failed)
		assert.True(t, mt.fatal)
	})

	t.Run("fails on type mismatch", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertRecordTypes(m, records("widgetEvent"), "otherEvent")
		})
		assert.True(t, mt.failed)
	})
}

func TestAssertRecordCount(t *testing.T) {
	t.Run("passes when count matches", func(t *testing.T) {
		AssertRecordCount(t, records("a", "b"), 2)
	})

	t.Run("fails when count differs", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertRecordCount(m, records("a"), 2)
		})
		assert.True(t, mt.failed)
	})
}

func TestAssertNoRecords(t *testing.T) {
	t.Run("passes on empty", func(t *testing.T) {
		AssertNoRecords(t, nil)
	})

	t.Run("fails when records exist", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertNoRecords(m, records("a"))
		})
		assert.True(t, mt.failed)
	})
}

// =============================================================================
// AssertVersionsAscending
// =============================================================================

func TestAssertVersionsAscending(t *testing.T) {
	t.Run("passes for contiguous versions", func(t *testing.T) {
		AssertVersionsAscending(t, records("a", "b", "c"))
	})

	t.Run("fails on a gap", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			recs := []adapters.StoredEventRecord{
				{Version: 1, Type: "a"},
				{Version: 3, Type: "b"},
			}
			AssertVersionsAscending(m, recs)
		})
		assert.True(t, mt.failed)
	})
}

// =============================================================================
// AssertFirstRecordType / AssertLastRecordType / AssertContainsRecordType
// =============================================================================

func TestAssertFirstRecordType(t *testing.T) {
	t.Run("passes when first matches", func(t *testing.T) {
		AssertFirstRecordType(t, records("a", "b"), "a")
	})

	t.Run("fails on empty", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertFirstRecordType(m, nil, "a")
		})
		assert.True(t, mt.failed)
		assert.True(t, mt.fatal)
	})

	t.Run("fails when first does not match", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertFirstRecordType(m, records("a"), "b")
		})
		assert.True(t, mt.failed)
	})
}

func TestAssertLastRecordType(t *testing.T) {
	t.Run("passes when last matches", func(t *testing.T) {
		AssertLastRecordType(t, records("a", "b"), "b")
	})

	t.Run("fails on empty", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertLastRecordType(m, nil, "a")
		})
		assert.True(t, mt.failed)
		assert.True(t, mt.fatal)
	})
}

func TestAssertContainsRecordType(t *testing.T) {
	t.Run("passes when present", func(t *testing.T) {
		AssertContainsRecordType(t, records("a", "b"), "b")
	})

	t.Run("fails when absent", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertContainsRecordType(m, records("a"), "b")
		})
		assert.True(t, mt.failed)
	})
}

// =============================================================================
// DiffRecords / FormatDiffs / AssertRecordsEqual
// =============================================================================

func TestDiffRecords(t *testing.T) {
	t.Run("empty for identical slices", func(t *testing.T) {
		recs := records("a", "b")
		assert.Empty(t, DiffRecords(recs, recs))
	})

	t.Run("detects missing records", func(t *testing.T) {
		diffs := DiffRecords(records("a", "b"), records("a"))
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffMissing, diffs[0].Type)
		assert.Equal(t, 1, diffs[0].Index)
	})

	t.Run("detects extra records", func(t *testing.T) {
		diffs := DiffRecords(records("a"), records("a", "b"))
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffExtra, diffs[0].Type)
	})

	t.Run("detects mismatched records", func(t *testing.T) {
		diffs := DiffRecords(records("a"), records("b"))
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffMismatch, diffs[0].Type)
	})
}

func TestDiffType_String(t *testing.T) {
	assert.Equal(t, "missing", DiffMissing.String())
	assert.Equal(t, "extra", DiffExtra.String())
	assert.Equal(t, "mismatch", DiffMismatch.String())
	assert.Equal(t, "unknown", DiffType(99).String())
}

func TestFormatDiffs(t *testing.T) {
	t.Run("no differences", func(t *testing.T) {
		assert.Equal(t, "no differences", FormatDiffs(nil))
	})

	t.Run("formats a mismatch", func(t *testing.T) {
		diffs := DiffRecords(records("a"), records("b"))
		out := FormatDiffs(diffs)
		assert.Contains(t, out, "mismatch")
	})
}

func TestAssertRecordsEqual(t *testing.T) {
	t.Run("passes when equal", func(t *testing.T) {
		recs := records("a", "b")
		AssertRecordsEqual(t, recs, recs)
	})

	t.Run("fails when different", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertRecordsEqual(m, records("a"), records("b"))
		})
		assert.True(t, mt.failed)
	})
}

// =============================================================================
// RecordMatcher / AssertAnyMatch / AssertAllMatch / CountMatches / FilterRecords
// =============================================================================

func TestMatchRecordType(t *testing.T) {
	matcher := MatchRecordType("a")
	assert.True(t, matcher(adapters.StoredEventRecord{Type: "a"}))
	assert.False(t, matcher(adapters.StoredEventRecord{Type: "b"}))
}

func TestMatchVersionAtLeast(t *testing.T) {
	matcher := MatchVersionAtLeast(3)
	assert.True(t, matcher(adapters.StoredEventRecord{Version: 3}))
	assert.False(t, matcher(adapters.StoredEventRecord{Version: 2}))
}

func TestAssertAnyMatch(t *testing.T) {
	t.Run("passes when one matches", func(t *testing.T) {
		AssertAnyMatch(t, records("a", "b"), MatchRecordType("b"))
	})

	t.Run("fails when none match", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertAnyMatch(m, records("a"), MatchRecordType("b"))
		})
		assert.True(t, mt.failed)
	})
}

func TestAssertAllMatch(t *testing.T) {
	t.Run("passes when all match", func(t *testing.T) {
		AssertAllMatch(t, records("a", "a"), MatchRecordType("a"))
	})

	t.Run("fails when one doesn't", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			AssertAllMatch(m, records("a", "b"), MatchRecordType("a"))
		})
		assert.True(t, mt.failed)
	})
}

func TestCountMatches(t *testing.T) {
	assert.Equal(t, 2, CountMatches(records("a", "b", "a"), MatchRecordType("a")))
	assert.Equal(t, 0, CountMatches(records("b"), MatchRecordType("a")))
}

func TestFilterRecords(t *testing.T) {
	filtered := FilterRecords(records("a", "b", "a"), MatchRecordType("a"))
	require.Len(t, filtered, 2)
}

// =============================================================================
// Follower assertions, against a real in-memory Follower
// =============================================================================

func TestAssertFollowerVersion(t *testing.T) {
	f, events := newTestFollower(t)
	appendWidgetEvent(t, events, f.Key(), 1, widgetEvent{Kind: "part_added", Amount: 7})
	require.NoError(t, f.Activate(context.Background()))

	AssertFollowerVersion(t, f, 1)

	mt := runWithMockT(func(m *mockT) {
		AssertFollowerVersion(m, f, 99)
	})
	assert.True(t, mt.failed)
}

func TestAssertFollowerState(t *testing.T) {
	f, events := newTestFollower(t)
	appendWidgetEvent(t, events, f.Key(), 1, widgetEvent{Kind: "part_added", Amount: 7})
	appendWidgetEvent(t, events, f.Key(), 2, widgetEvent{Kind: "part_added", Amount: 3})
	require.NoError(t, f.Activate(context.Background()))

	AssertFollowerState(t, f, widgetState{Total: 10, Count: 2})

	mt := runWithMockT(func(m *mockT) {
		AssertFollowerState(m, f, widgetState{Total: 999, Count: 999})
	})
	assert.True(t, mt.failed)
}

func TestAssertDoingVersionSettled(t *testing.T) {
	f, events := newTestFollower(t)
	appendWidgetEvent(t, events, f.Key(), 1, widgetEvent{Kind: "part_added", Amount: 1})
	require.NoError(t, f.Activate(context.Background()))

	AssertDoingVersionSettled(t, f)
}
