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
	"log/slog"
)

// LoggerWithTrace returns a logger carrying the context's trace_id and
// span_id attributes.
//
// Description:
//
//	Correlates log lines with the active trace so a failing run can be
//	followed from a log aggregator into the trace backend. Without a
//	valid span context the logger is returned unchanged.
//
// Inputs:
//
//	ctx - Context possibly carrying a span. Nil is tolerated.
//	logger - Base logger. Nil falls back to slog.Default().
//
// Outputs:
//
//	*slog.Logger - Logger with trace fields, or the base logger.
//
// Example:
//
//	log := telemetry.LoggerWithTrace(ctx, s.log)
//	log.Info("run completed", slog.Int("outputs", len(result.Values)))
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}
	traceID := TraceID(ctx)
	if traceID == "" {
		return logger
	}
	return logger.With(
		slog.String("trace_id", traceID),
		slog.String("span_id", SpanID(ctx)),
	)
}

// LoggerWithSession returns a trace-correlated logger tagged with the
// session id.
func LoggerWithSession(ctx context.Context, logger *slog.Logger, sessionID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(slog.String("session_id", sessionID))
}

// LoggerWithRun returns a trace-correlated logger tagged with the
// engine run id.
func LoggerWithRun(ctx context.Context, logger *slog.Logger, runID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(slog.String("run_id", runID))
}
