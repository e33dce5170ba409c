// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for session operations.
var (
	tracer = otel.Tracer("loom.session")
	meter  = otel.Meter("loom.session")
)

// Metrics for session runs.
var (
	runsTotal      metric.Int64Counter
	runErrors      metric.Int64Counter
	runDuration    metric.Float64Histogram
	inputsResolved metric.Int64Counter
	outputsSaved   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"session_runs_total",
			metric.WithDescription("Total number of session runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runErrors, err = meter.Int64Counter(
			"session_run_errors_total",
			metric.WithDescription("Total number of failed session runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"session_run_duration_seconds",
			metric.WithDescription("End to end duration of session runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		inputsResolved, err = meter.Int64Counter(
			"session_inputs_resolved_total",
			metric.WithDescription("Residual input ports filled, by value source"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		outputsSaved, err = meter.Int64Counter(
			"session_outputs_saved_total",
			metric.WithDescription("Output ports persisted into the session store"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRun records one completed run attempt.
func recordRun(ctx context.Context, duration time.Duration, failed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	runsTotal.Add(ctx, 1)
	runDuration.Record(ctx, duration.Seconds())
	if failed {
		runErrors.Add(ctx, 1)
	}
}

// recordInputResolved records where a residual input's value came from.
func recordInputResolved(ctx context.Context, source string) {
	if err := initMetrics(); err != nil {
		return
	}
	inputsResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// recordOutputSaved records one persisted output and its strategy.
func recordOutputSaved(ctx context.Context, passBy string) {
	if err := initMetrics(); err != nil {
		return
	}
	outputsSaved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pass_by", passBy),
	))
}

// startSessionSpan creates a span for a session operation.
func startSessionSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}
