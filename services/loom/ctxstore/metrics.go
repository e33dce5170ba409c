// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ctxstore

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for store operations.
var (
	tracer = otel.Tracer("loom.ctxstore")
	meter  = otel.Meter("loom.ctxstore")
)

// Metrics for store operations.
var (
	savesTotal      metric.Int64Counter
	loadsTotal      metric.Int64Counter
	loadErrors      metric.Int64Counter
	spillsTotal     metric.Int64Counter
	exportsTotal    metric.Int64Counter
	reconstructions metric.Int64Counter
	reconstructTime metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		savesTotal, err = meter.Int64Counter(
			"ctxstore_saves_total",
			metric.WithDescription("Total number of save operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		loadsTotal, err = meter.Int64Counter(
			"ctxstore_loads_total",
			metric.WithDescription("Total number of load operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		loadErrors, err = meter.Int64Counter(
			"ctxstore_load_errors_total",
			metric.WithDescription("Total number of failed load operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		spillsTotal, err = meter.Int64Counter(
			"ctxstore_spills_total",
			metric.WithDescription("Total number of saves spilled to the disk tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exportsTotal, err = meter.Int64Counter(
			"ctxstore_exports_total",
			metric.WithDescription("Total number of completed exports"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconstructions, err = meter.Int64Counter(
			"ctxstore_reconstructions_total",
			metric.WithDescription("Total number of reference recipe re-executions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconstructTime, err = meter.Float64Histogram(
			"ctxstore_reconstruction_duration_seconds",
			metric.WithDescription("Duration of reference recipe re-executions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordSave records a completed save and its tier placement.
func recordSave(ctx context.Context, tier Tier, spilled bool) {
	if err := initMetrics(); err != nil {
		return
	}
	savesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier.String()),
	))
	if spilled {
		spillsTotal.Add(ctx, 1)
	}
}

// recordLoad records a load attempt.
func recordLoad(ctx context.Context, passBy PassBy, failed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	loadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pass_by", passBy.String()),
	))
	if failed {
		loadErrors.Add(ctx, 1)
	}
}

// recordReconstruction records one reference recipe re-execution.
func recordReconstruction(ctx context.Context, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	reconstructions.Add(ctx, 1)
	reconstructTime.Record(ctx, duration.Seconds())
}

// recordExport records a completed export.
func recordExport(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	exportsTotal.Add(ctx, 1)
}

// startStoreSpan creates a span for a store operation.
func startStoreSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("ctxstore.key", key),
		),
	)
}
