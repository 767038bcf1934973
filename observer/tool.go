package observer

import (
	"context"
	"encoding/json"
	"time"

	conduit "github.com/forgeworks/conduit"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a conduit.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner conduit.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool that emits traces, metrics, and logs.
func WrapTool(inner conduit.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Definitions() []conduit.ToolDefinition { return o.inner.Definitions() }

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (conduit.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result.Error != "" {
		status = "tool_error"
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	attrs := metric.WithAttributes(
		AttrToolName.String(name),
		AttrToolStatus.String(status),
	)
	o.inst.ToolExecutions.Add(ctx, 1, attrs)
	o.inst.ToolDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool execution completed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ conduit.Tool = (*ObservedTool)(nil)
