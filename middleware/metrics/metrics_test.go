package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamforge-labs/follower"
)

type testKey string

func (k testKey) String() string { return string(k) }

type testEvent struct{ N int }

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m := New()
		assert.Equal(t, "follower", m.namespace)
		assert.Equal(t, "unknown", m.serviceName)
	})

	t.Run("custom options", func(t *testing.T) {
		m := New(WithNamespace("custom"), WithSubsystem("actors"), WithServiceName("orders"))
		assert.Equal(t, "custom", m.namespace)
		assert.Equal(t, "actors", m.subsystem)
		assert.Equal(t, "orders", m.serviceName)
	})
}

func TestMetrics_Collectors(t *testing.T) {
	m := New()
	assert.Len(t, m.Collectors(), 18)
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))

	// Registering the same collectors again must fail.
	err := registry.Register(m.activationsTotal)
	assert.Error(t, err)
}

func TestMetrics_RecordActivation(t *testing.T) {
	m := New()
	m.RecordActivation(true, 10*time.Millisecond)
	m.RecordActivation(false, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.activationsTotal.WithLabelValues(m.serviceName, StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activationsTotal.WithLabelValues(m.serviceName, StatusError)))
}

func TestMetrics_RecordGapFill(t *testing.T) {
	m := New()
	m.RecordGapFill(3)
	m.RecordGapFill(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.gapFillsTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.gapFillEvents))
}

func TestMetrics_RecordBatch(t *testing.T) {
	m := New()
	m.RecordBatch(10, true, 2*time.Millisecond)
	m.RecordBatch(3, false, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.batchesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.bulkFailuresTotal))
}

func TestMetrics_RecordDuplicate(t *testing.T) {
	m := New()
	m.RecordDuplicate()
	m.RecordDuplicate()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.duplicatesTotal))
}

func TestMetrics_OutboxRecorders(t *testing.T) {
	m := New()
	m.RecordMessageProcessed("kafka", true)
	m.RecordMessageFailed("kafka")
	m.RecordMessageDeadLettered()
	m.RecordBatchDuration(time.Millisecond)
	m.RecordPendingMessages(7)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.outboxProcessedTotal.WithLabelValues("kafka", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outboxFailedTotal.WithLabelValues("kafka")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outboxDeadLetterTotal))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.outboxPending))
}

func TestMetrics_SetActiveFollowers(t *testing.T) {
	m := New()
	m.SetActiveFollowers(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.activeFollowers))
}

func TestFollowerHooks_OnEventDelivered(t *testing.T) {
	m := New()
	hooks := FollowerHooks[testKey, testEvent, int](m)

	hooks.OnEventDelivered(context.Background(), testKey("k1"), follower.Event[testEvent]{
		Base:    follower.EventBase{Version: 1},
		Payload: testEvent{N: 1},
	}, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.tellsTotal.WithLabelValues(m.serviceName, StatusSuccess)))
}

func TestFollowerHooks_OnSavedSnapshot(t *testing.T) {
	m := New()
	hooks := FollowerHooks[testKey, testEvent, int](m)

	state := hooks.OnSaveSnapshot(context.Background(), testKey("k1"), 42)
	assert.Equal(t, 42, state)

	hooks.OnSavedSnapshot(context.Background(), testKey("k1"), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.snapshotsTotal.WithLabelValues(m.serviceName, StatusSuccess)))
}
