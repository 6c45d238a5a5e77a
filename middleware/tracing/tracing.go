// Package tracing provides OpenTelemetry integration for the follower
// runtime and its append coalescer.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	state, err := tracing.TracedTell(ctx, tracer, f, event)
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamforge-labs/follower"
)

const (
	// TracerName is the name under which spans are recorded.
	TracerName = "github.com/dreamforge-labs/follower"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "follower"
)

// Tracer wraps an OpenTelemetry tracer for follower runtime operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// =============================================================================
// Follower tracing
// =============================================================================

// TracedActivate calls f.Activate inside a span recording the key and outcome.
func TracedActivate[K follower.Key, E any, S any](ctx context.Context, t *Tracer, f *follower.Follower[K, E, S]) error {
	ctx, span := t.StartSpan(ctx, "follower.activate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("follower.service", t.serviceName),
		attribute.String("follower.key", f.Key().String()),
	)

	err := f.Activate(ctx)
	recordOutcome(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("follower.version", int64(f.Version())))
	}
	return err
}

// TracedTell calls f.Tell inside a span recording the event version and
// whether a gap-fill fetch was needed.
func TracedTell[K follower.Key, E any, S any](ctx context.Context, t *Tracer, f *follower.Follower[K, E, S], event follower.Event[E]) (S, error) {
	beforeVersion := f.Version()

	ctx, span := t.StartSpan(ctx, "follower.tell", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("follower.service", t.serviceName),
		attribute.String("follower.key", f.Key().String()),
		attribute.Int64("follower.event.version", int64(event.Base.Version)),
		attribute.Int64("follower.version.before", int64(beforeVersion)),
	)

	state, err := f.Tell(ctx, event)

	span.SetAttributes(attribute.Int64("follower.version.after", int64(f.Version())))
	if event.Base.Version > beforeVersion+1 {
		span.SetAttributes(attribute.Bool("follower.gap_fill", true))
	}
	recordOutcome(span, err)
	return state, err
}

// TracedSaveSnapshot calls f.SaveSnapshot inside a span.
func TracedSaveSnapshot[K follower.Key, E any, S any](ctx context.Context, t *Tracer, f *follower.Follower[K, E, S]) error {
	ctx, span := t.StartSpan(ctx, "follower.save_snapshot", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("follower.service", t.serviceName),
		attribute.String("follower.key", f.Key().String()),
		attribute.Int64("follower.version", int64(f.Version())),
	)

	err := f.SaveSnapshot(ctx)
	recordOutcome(span, err)
	return err
}

// TracedDeactivate calls f.Deactivate inside a span.
func TracedDeactivate[K follower.Key, E any, S any](ctx context.Context, t *Tracer, f *follower.Follower[K, E, S]) error {
	ctx, span := t.StartSpan(ctx, "follower.deactivate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("follower.service", t.serviceName),
		attribute.String("follower.key", f.Key().String()),
	)

	err := f.Deactivate(ctx)
	recordOutcome(span, err)
	return err
}

// hooks adapts Tracer to follower.FollowerHooks, adding a span event to
// the currently active span (if any) whenever an event is delivered or a
// snapshot lands, so TracedTell/TracedSaveSnapshot spans carry detail
// without the Follower itself knowing about tracing.
type hooks[K follower.Key, E any, S any] struct {
	follower.FollowerBase[K, E, S]
}

// FollowerHooks returns a follower.FollowerHooks that annotates the
// ambient span (from TracedTell/TracedActivate) with delivery events.
func FollowerHooks[K follower.Key, E any, S any]() follower.FollowerHooks[K, E, S] {
	return &hooks[K, E, S]{}
}

func (hooks[K, E, S]) OnEventDelivered(ctx context.Context, key K, event follower.Event[E], state S) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("event_delivered", trace.WithAttributes(
		attribute.Int64("follower.event.version", int64(event.Base.Version)),
	))
}

func (h hooks[K, E, S]) OnSaveSnapshot(ctx context.Context, key K, state S) S { return state }

func (hooks[K, E, S]) OnSavedSnapshot(ctx context.Context, key K, version uint64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("snapshot_saved", trace.WithAttributes(
		attribute.Int64("follower.version", int64(version)),
	))
}

// =============================================================================
// Append coalescer tracing
// =============================================================================

// TracedAppend calls append inside a span recording the unit name and
// transaction id. Use it to wrap appendcoalescer.Coalescer.Append.
func TracedAppend(ctx context.Context, t *Tracer, unitName string, transactionID int64, append func(ctx context.Context) (bool, error)) (bool, error) {
	ctx, span := t.StartSpan(ctx, "coalescer.append", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("follower.service", t.serviceName),
		attribute.String("coalescer.unit_name", unitName),
		attribute.Int64("coalescer.transaction_id", transactionID),
	)

	committed, err := append(ctx)
	span.SetAttributes(attribute.Bool("coalescer.committed", committed))
	recordOutcome(span, err)
	return committed, err
}

func recordOutcome(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
