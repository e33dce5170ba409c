// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// NodeFunc computes one node's outputs from its config and input values.
// inputs is indexed by input slot; unconnected slots carry nil. Functions
// must be deterministic for reproduction recipes to be trustworthy.
type NodeFunc func(ctx context.Context, node *graph.Node, inputs []any) ([]any, error)

// Simulator is a deterministic in-process engine. It executes graphs in
// topological order by dispatching each node to a registered NodeFunc.
// Used by tests, dry runs, and anywhere a real engine is unavailable.
//
// # Thread Safety
//
// Register and Execute are safe for concurrent use. Registered functions
// themselves must be safe to call from multiple runs at once.
type Simulator struct {
	mu    sync.RWMutex
	funcs map[string]NodeFunc
}

// NewSimulator creates a simulator with an empty registry.
func NewSimulator() *Simulator {
	return &Simulator{funcs: make(map[string]NodeFunc)}
}

// Register binds a node type to its function, replacing any previous
// binding.
func (s *Simulator) Register(nodeType string, fn NodeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[nodeType] = fn
}

// PassthroughFunc returns a NodeFunc that relays its first input when
// connected, and otherwise emits the node's config value under valueKey.
// This is the behavior of boundary port nodes left in an executable
// graph.
func PassthroughFunc(valueKey string) NodeFunc {
	return func(_ context.Context, n *graph.Node, inputs []any) ([]any, error) {
		if len(inputs) > 0 && inputs[0] != nil {
			return []any{inputs[0]}, nil
		}
		if v, ok := n.Config[valueKey]; ok {
			return []any{v}, nil
		}
		return []any{nil}, nil
	}
}

// Ping implements HealthChecker; the simulator is always reachable.
func (s *Simulator) Ping(_ context.Context) error {
	return nil
}

// Execute runs the graph to completion.
//
// Description:
//
//	Validates the graph, computes a topological order, then invokes each
//	node's function with the values produced upstream. Execution stops
//	at the first failing node or on ctx cancellation.
//
// Outputs:
//
//	Outputs - Every executed node's output values by slot.
//	error   - *graph.ValidationError, *RunError, or ctx errors.
func (s *Simulator) Execute(ctx context.Context, g *graph.Graph) (Outputs, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}

	out := make(Outputs, len(order))
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := g.Node(id)

		s.mu.RLock()
		fn, ok := s.funcs[n.Type]
		s.mu.RUnlock()
		if !ok {
			return nil, &RunError{Node: id, Err: fmt.Errorf("%w: %q", ErrUnknownNodeType, n.Type)}
		}

		inputs := make([]any, len(n.Inputs))
		for i, slot := range n.Inputs {
			if slot.Link == nil {
				continue
			}
			l := g.Link(*slot.Link)
			if v, found := out.Slot(l.Source, l.SourceSlot); found {
				inputs[i] = v
			}
		}

		vals, err := fn(ctx, n, inputs)
		if err != nil {
			return nil, &RunError{Node: id, Err: err}
		}
		out[id] = vals
	}
	return out, nil
}
