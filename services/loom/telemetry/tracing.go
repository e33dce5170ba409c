// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a span from the context using the global tracer.
//
// Description:
//
//	Convenience for call sites that do not hold a package tracer.
//	Tracer names follow the "loom.<package>" convention used by the
//	instrumented packages.
//
// Inputs:
//
//	ctx - Parent context, possibly carrying an active span.
//	tracerName - Tracer name, e.g. "loom.api".
//	spanName - Operation name, e.g. "api.Run".
//	opts - Optional span start options.
//
// Outputs:
//
//	context.Context - Context with the new span attached.
//	trace.Span - The span. Caller must End it.
//
// Example:
//
//	ctx, span := telemetry.StartSpan(ctx, "loom.api", "api.Run",
//	    trace.WithAttributes(attribute.Int("graphs", len(req.Graphs))),
//	)
//	defer span.End()
//
// Thread Safety: Safe for concurrent use.
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// SpanFromContext returns the context's current span, or a no-op span
// when none is present.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// RecordError records err on the span and sets Error status. No-op
// when span or err is nil.
//
// Example:
//
//	if err := session.Run(ctx, spec); err != nil {
//	    telemetry.RecordError(span, err, attribute.String("stage", "execute"))
//	    return err
//	}
//
// Thread Safety: Safe for concurrent use.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span's status OK. No-op on a nil span.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent records a timestamped event on the span. No-op on a nil
// span.
//
// Example:
//
//	telemetry.AddSpanEvent(span, "reference_reexecuted",
//	    attribute.String("key", id))
func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the context's hex trace id, or "" when no valid span
// context is present. Used to correlate log lines with traces.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// SpanID returns the context's hex span id, or "" when no valid span
// context is present.
func SpanID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.SpanID().String()
}

// HasActiveSpan reports whether the context carries a valid, recording
// span. Useful to gate expensive attribute computation.
func HasActiveSpan(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
