// Package telemetry provides thin helpers over the OpenTelemetry API.
// The engine emits spans, span events and metrics through the globally
// registered providers; exporter wiring is the host application's concern.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/slopmasterai/maestro"

// StartSpan starts a child span of whatever span is in ctx.
// The caller must call End on the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent records a named point-in-time event on the current span.
// Safe to call when no span exists in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span and sets its status.
// Safe to call when ctx is nil or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds alternating key/value pairs to the current span.
// Safe to call when no span exists in the context.
func SetSpanAttributes(ctx context.Context, kv ...interface{}) {
	if ctx == nil || len(kv) < 2 {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, anyAttr(key, kv[i+1]))
	}
	span.SetAttributes(attrs...)
}

func anyAttr(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
