// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine abstracts the external graph execution engine.
//
// Loom never executes computation nodes itself. It submits a complete
// graph and receives per-node, per-output-slot values back. Two
// implementations ship here: Client, which talks to a remote engine over
// HTTP with a WebSocket completion stream, and Simulator, a deterministic
// in-process engine for tests and dry runs.
//
// All access goes through a Handle, an explicit lifecycle object that
// replaces any notion of a global engine connection. Callers construct a
// handle, validate it, pass it to whatever needs execution, and close it
// when done.
package engine

import (
	"context"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// Outputs maps node id to the node's output values, indexed by output
// slot. JSON encoding uses string object keys for the node ids.
type Outputs map[graph.NodeID][]any

// Slot returns the value at one output slot, or (nil, false) when the
// node or slot is absent.
func (o Outputs) Slot(node graph.NodeID, slot int) (any, bool) {
	vals, ok := o[node]
	if !ok || slot < 0 || slot >= len(vals) {
		return nil, false
	}
	return vals[slot], true
}

// Engine executes one graph and returns every node's outputs.
//
// Execute blocks until the run completes, fails, or ctx is cancelled.
// Implementations must be safe for concurrent use.
type Engine interface {
	Execute(ctx context.Context, g *graph.Graph) (Outputs, error)
}

// HealthChecker is implemented by engines that can be probed before use.
// Handle.Validate calls Ping when available.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
