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
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ExtractContext extracts W3C trace context and baggage from incoming
// HTTP headers using the propagator installed by Init.
//
// Inputs:
//
//	ctx - Base context to extend.
//	headers - Incoming headers (traceparent, tracestate, baggage).
//
// Outputs:
//
//	context.Context - Context with the extracted trace attached, or
//	                  the original context when no trace headers exist.
//
// Thread Safety: Safe for concurrent use.
func ExtractContext(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// InjectContext injects the context's trace into outgoing HTTP headers,
// carrying the trace across to the engine and other downstreams.
//
// Example:
//
//	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
//	telemetry.InjectContext(ctx, req.Header)
//
// Thread Safety: Safe for concurrent use.
func InjectContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
