// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stitch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for stitch operations.
var (
	tracer = otel.Tracer("loom.stitch")
	meter  = otel.Meter("loom.stitch")
)

// Metrics for stitch operations.
var (
	stitchTotal        metric.Int64Counter
	stitchErrors       metric.Int64Counter
	portsJoined        metric.Int64Counter
	reroutesEliminated metric.Int64Counter
	stitchDuration     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stitchTotal, err = meter.Int64Counter(
			"stitch_total",
			metric.WithDescription("Total number of stitch operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stitchErrors, err = meter.Int64Counter(
			"stitch_errors_total",
			metric.WithDescription("Total number of failed stitch operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		portsJoined, err = meter.Int64Counter(
			"stitch_ports_joined_total",
			metric.WithDescription("Total number of unique_id boundary joins"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reroutesEliminated, err = meter.Int64Counter(
			"stitch_reroutes_eliminated_total",
			metric.WithDescription("Total number of reroute nodes eliminated"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stitchDuration, err = meter.Float64Histogram(
			"stitch_duration_seconds",
			metric.WithDescription("Duration of stitch operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordStitch records a completed stitch operation.
func recordStitch(ctx context.Context, duration time.Duration, joined, reroutes int, failed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	stitchTotal.Add(ctx, 1)
	if failed {
		stitchErrors.Add(ctx, 1)
		return
	}
	portsJoined.Add(ctx, int64(joined))
	reroutesEliminated.Add(ctx, int64(reroutes))
	stitchDuration.Record(ctx, duration.Seconds())
}

// startStitchSpan creates a span for a stitch operation.
func startStitchSpan(ctx context.Context, graphCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Stitcher.Stitch",
		trace.WithAttributes(
			attribute.Int("stitch.graph_count", graphCount),
		),
	)
}
