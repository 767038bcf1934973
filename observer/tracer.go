package observer

import (
	"context"
	"fmt"
	"time"

	conduit "github.com/forgeworks/conduit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements conduit.Tracer using OpenTelemetry. When inst is
// non-nil, every span it opens also gets a generic count+duration metric
// recorded under its span name (DAG Executor, Task Runner, Device Registry,
// retriever, and ingestion pipeline spans all flow through here).
type otelTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns a conduit.Tracer backed by the global OTEL
// TracerProvider. Call observer.Init() first to configure the provider;
// otherwise spans go to a no-op backend. inst may be nil, in which case
// spans are still emitted but no span-level metrics are recorded.
func NewTracer(inst *Instruments) conduit.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName), inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...conduit.SpanAttr) (context.Context, conduit.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span, inst: t.inst, name: name, start: time.Now()}
}

// otelSpan implements conduit.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
	inst  *Instruments
	name  string
	start time.Time
	erred bool
}

func (s *otelSpan) SetAttr(attrs ...conduit.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...conduit.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.erred = true
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
	if s.inst == nil {
		return
	}
	status := "ok"
	if s.erred {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("span.name", s.name),
		attribute.String("status", status),
	)
	s.inst.SpanCount.Add(context.Background(), 1, attrs)
	s.inst.SpanDuration.Record(context.Background(), float64(time.Since(s.start).Milliseconds()), attrs)
}

// toOTELAttr converts a conduit.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a conduit.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ conduit.Tracer = (*otelTracer)(nil)
	_ conduit.Span   = (*otelSpan)(nil)
)
