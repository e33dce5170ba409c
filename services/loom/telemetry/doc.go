// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for Loom.
//
// The instrumented packages (stitch, ctxstore, engine, session) record
// against the global otel providers and work with or without this
// package: until Init runs, their spans and counters go to the no-op
// providers and cost nothing. Init installs real providers once per
// process, typically from the serve command or a long-lived CLI run.
//
// # Philosophy
//
// Instrumentation belongs next to the code it measures; this package
// only owns provider setup, shutdown, and the small helpers shared
// across call sites (span conveniences, slog correlation, context
// propagation). Nothing here knows about graphs or stores.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// With the Prometheus metric exporter, mount the scrape endpoint on the
// API server:
//
//	if h := telemetry.MetricsHandler(); h != nil {
//	    router.GET("/metrics", gin.WrapH(h))
//	}
//
// # Thread Safety
//
// Init is called once at startup. Every other function is safe for
// concurrent use.
package telemetry
