// Package metrics provides Prometheus metrics integration for the
// follower runtime and its append coalescer.
//
// Basic usage:
//
//	m := metrics.New()
//	prometheus.MustRegister(m.Collectors()...)
//
//	f := follower.NewFollower(key, log, store, reducer,
//		follower.WithHooks[Key, Event, State](metrics.FollowerHooks[Key, Event, State](m)))
//
//	c, _ := appendcoalescer.New(ctx, txLog, appendcoalescer.WithMetrics(m))
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamforge-labs/follower"
)

// Default metric labels.
const (
	LabelService     = "service"
	LabelStatus      = "status"
	LabelDestination = "destination"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds all Prometheus collectors for the follower runtime.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Follower lifecycle metrics
	activationsTotal  *prometheus.CounterVec
	activationSeconds prometheus.Histogram
	tellsTotal        *prometheus.CounterVec
	tellSeconds       prometheus.Histogram
	gapFillsTotal     prometheus.Counter
	gapFillEvents     prometheus.Counter
	snapshotsTotal    *prometheus.CounterVec
	activeFollowers   prometheus.Gauge

	// Coalescer metrics
	batchesTotal     prometheus.Counter
	batchSize        prometheus.Histogram
	batchSeconds     prometheus.Histogram
	bulkFailuresTotal prometheus.Counter
	duplicatesTotal  prometheus.Counter

	// Outbox metrics
	outboxProcessedTotal *prometheus.CounterVec
	outboxFailedTotal    *prometheus.CounterVec
	outboxDeadLetterTotal prometheus.Counter
	outboxBatchSeconds   prometheus.Histogram
	outboxPending        prometheus.Gauge
}

// Option configures Metrics.
type Option func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) Option {
	return func(m *Metrics) { m.namespace = namespace }
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) Option {
	return func(m *Metrics) { m.subsystem = subsystem }
}

// WithServiceName sets the service name label.
func WithServiceName(name string) Option {
	return func(m *Metrics) { m.serviceName = name }
}

// New creates a Metrics instance with default settings.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		namespace:   "follower",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.activationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "activations_total", Help: "Total number of follower activations.",
	}, []string{LabelService, LabelStatus})

	m.activationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "activation_duration_seconds", Help: "Duration of follower activation (replay plus optional snapshot load).",
		Buckets: prometheus.DefBuckets,
	})

	m.tellsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "tells_total", Help: "Total number of Tell calls handled.",
	}, []string{LabelService, LabelStatus})

	m.tellSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "tell_duration_seconds", Help: "Duration of Tell calls, including any gap-fill fetch.",
		Buckets: prometheus.DefBuckets,
	})

	m.gapFillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "gap_fills_total", Help: "Total number of Tell calls that triggered a gap-fill fetch.",
	})

	m.gapFillEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "gap_fill_events_total", Help: "Total number of events retrieved by gap-fill fetches.",
	})

	m.snapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "snapshots_total", Help: "Total number of snapshot saves attempted.",
	}, []string{LabelService, LabelStatus})

	m.activeFollowers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "active_followers", Help: "Number of currently activated followers.",
	})

	m.batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "coalescer_batches_total", Help: "Total number of batches committed by the append coalescer.",
	})

	m.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "coalescer_batch_size", Help: "Number of items committed per coalescer batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.batchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "coalescer_batch_duration_seconds", Help: "Duration of coalescer batch commits.",
		Buckets: prometheus.DefBuckets,
	})

	m.bulkFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "coalescer_bulk_failures_total", Help: "Total number of batches that fell back to per-row inserts.",
	})

	m.duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "coalescer_duplicates_total", Help: "Total number of appends rejected as duplicate transactions.",
	})

	m.outboxProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "outbox_processed_total", Help: "Total number of outbox messages processed, by destination and outcome.",
	}, []string{LabelDestination, LabelStatus})

	m.outboxFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "outbox_failed_total", Help: "Total number of outbox messages marked failed, by destination.",
	}, []string{LabelDestination})

	m.outboxDeadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "outbox_dead_letter_total", Help: "Total number of outbox messages moved to dead letter.",
	})

	m.outboxBatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "outbox_batch_duration_seconds", Help: "Duration of outbox processor batch cycles.",
		Buckets: prometheus.DefBuckets,
	})

	m.outboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "outbox_pending", Help: "Most recently observed count of pending outbox messages.",
	})
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.activationsTotal, m.activationSeconds,
		m.tellsTotal, m.tellSeconds, m.gapFillsTotal, m.gapFillEvents,
		m.snapshotsTotal, m.activeFollowers,
		m.batchesTotal, m.batchSize, m.batchSeconds, m.bulkFailuresTotal, m.duplicatesTotal,
		m.outboxProcessedTotal, m.outboxFailedTotal, m.outboxDeadLetterTotal,
		m.outboxBatchSeconds, m.outboxPending,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Follower hooks
// =============================================================================

// followerHooks adapts Metrics to follower.FollowerHooks for one Follower
// instantiation. It overrides all three hooks: OnEventDelivered and
// OnSavedSnapshot record metrics, and OnSaveSnapshot passes state through
// unchanged.
type followerHooks[K follower.Key, E any, S any] struct {
	follower.FollowerBase[K, E, S]
	m *Metrics
}

// FollowerHooks returns a follower.FollowerHooks implementation that
// records tell and snapshot metrics. Activation and gap-fill metrics are
// not recorded by these hooks; RecordActivation and RecordGapFill record
// them. The type parameters must match the Follower it is attached to.
func FollowerHooks[K follower.Key, E any, S any](m *Metrics) follower.FollowerHooks[K, E, S] {
	return &followerHooks[K, E, S]{m: m}
}

// OnEventDelivered records that one event reached state; used as a proxy
// for tell throughput since the Follower has no separate "tell completed"
// hook.
func (h *followerHooks[K, E, S]) OnEventDelivered(ctx context.Context, key K, event follower.Event[E], state S) {
	h.m.tellsTotal.WithLabelValues(h.m.serviceName, StatusSuccess).Inc()
}

// OnSaveSnapshot records nothing itself; it exists so OnSavedSnapshot can
// observe a successful save and passes the state through unchanged.
func (h *followerHooks[K, E, S]) OnSaveSnapshot(ctx context.Context, key K, state S) S {
	return state
}

// OnSavedSnapshot records a successful snapshot save.
func (h *followerHooks[K, E, S]) OnSavedSnapshot(ctx context.Context, key K, version uint64) {
	h.m.snapshotsTotal.WithLabelValues(h.m.serviceName, StatusSuccess).Inc()
}

// RecordActivation records the outcome and duration of a Follower's
// Activate call. Call from application code wrapping Activate, since
// FollowerHooks has no dedicated activation hook.
func (m *Metrics) RecordActivation(success bool, duration time.Duration) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.activationsTotal.WithLabelValues(m.serviceName, status).Inc()
	m.activationSeconds.Observe(duration.Seconds())
}

// RecordTellFailure records a Tell call that returned an error.
func (m *Metrics) RecordTellFailure(duration time.Duration) {
	m.tellsTotal.WithLabelValues(m.serviceName, StatusError).Inc()
	m.tellSeconds.Observe(duration.Seconds())
}

// RecordTellSuccess records the duration of a successful Tell call.
// Success counts are also incremented by the FollowerHooks OnEventDelivered
// callback; this records only the duration half of that measurement.
func (m *Metrics) RecordTellSuccess(duration time.Duration) {
	m.tellSeconds.Observe(duration.Seconds())
}

// RecordGapFill records a gap-fill fetch that retrieved eventCount events.
func (m *Metrics) RecordGapFill(eventCount int) {
	m.gapFillsTotal.Inc()
	m.gapFillEvents.Add(float64(eventCount))
}

// RecordSnapshotFailure records a failed snapshot save.
func (m *Metrics) RecordSnapshotFailure() {
	m.snapshotsTotal.WithLabelValues(m.serviceName, StatusError).Inc()
}

// SetActiveFollowers sets the current count of activated followers.
func (m *Metrics) SetActiveFollowers(n int) {
	m.activeFollowers.Set(float64(n))
}

// =============================================================================
// Coalescer metrics
// =============================================================================

// Ensure Metrics satisfies appendcoalescer.Metrics without an import cycle:
// appendcoalescer defines its own Metrics interface and this type is
// structurally compatible with it (RecordBatch, RecordDuplicate).

// RecordBatch implements appendcoalescer.Metrics.
func (m *Metrics) RecordBatch(size int, bulkSucceeded bool, duration time.Duration) {
	m.batchesTotal.Inc()
	m.batchSize.Observe(float64(size))
	m.batchSeconds.Observe(duration.Seconds())
	if !bulkSucceeded {
		m.bulkFailuresTotal.Inc()
	}
}

// RecordDuplicate implements appendcoalescer.Metrics.
func (m *Metrics) RecordDuplicate() {
	m.duplicatesTotal.Inc()
}

// =============================================================================
// Outbox processor metrics
// =============================================================================

// RecordMessageProcessed implements follower.OutboxMetrics.
func (m *Metrics) RecordMessageProcessed(destination string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.outboxProcessedTotal.WithLabelValues(destination, status).Inc()
}

// RecordMessageFailed implements follower.OutboxMetrics.
func (m *Metrics) RecordMessageFailed(destination string) {
	m.outboxFailedTotal.WithLabelValues(destination).Inc()
}

// RecordMessageDeadLettered implements follower.OutboxMetrics.
func (m *Metrics) RecordMessageDeadLettered() {
	m.outboxDeadLetterTotal.Inc()
}

// RecordBatchDuration implements follower.OutboxMetrics.
func (m *Metrics) RecordBatchDuration(duration time.Duration) {
	m.outboxBatchSeconds.Observe(duration.Seconds())
}

// RecordPendingMessages implements follower.OutboxMetrics.
func (m *Metrics) RecordPendingMessages(count int64) {
	m.outboxPending.Set(float64(count))
}

// =============================================================================
// Getters for testing
// =============================================================================

// TellsTotal returns the tells counter.
func (m *Metrics) TellsTotal() *prometheus.CounterVec { return m.tellsTotal }

// BatchesTotal returns the coalescer batches counter.
func (m *Metrics) BatchesTotal() prometheus.Counter { return m.batchesTotal }

// BatchSize returns the coalescer batch size histogram.
func (m *Metrics) BatchSize() prometheus.Histogram { return m.batchSize }

// SnapshotsTotal returns the snapshots counter.
func (m *Metrics) SnapshotsTotal() *prometheus.CounterVec { return m.snapshotsTotal }
