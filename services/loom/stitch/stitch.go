// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stitch composes independently authored graphs into one
// executable graph.
//
// Matching boundary ports are the join key: a unique_id exposed as an
// OUTPUT port in one graph and consumed as an INPUT port in others is
// collapsed into direct links from the producer to every consumer, and the
// port nodes disappear from the union. Ports without a partner remain
// boundary ports of the stitched result.
//
// Stitching is fail-fast: any structural defect, unresolvable boundary,
// or cycle aborts the whole operation. A partially stitched graph is never
// returned.
//
// # Thread Safety
//
// Stitch never mutates its input graphs; it operates on clones. It is safe
// to call concurrently.
package stitch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/ports"
)

// Endpoint is one consuming input slot in the stitched union.
type Endpoint struct {
	Node graph.NodeID
	Slot int
}

// BoundaryPort is a residual port of the stitched graph.
type BoundaryPort struct {
	ports.Port

	// Pruned is true when the port node was removed from the union
	// (PruneUnmatchedInputs with a supplied value). The port is still
	// listed so callers know where its value must be injected.
	Pruned bool

	// Consumers are the live input endpoints fed by this port. Populated
	// for INPUT ports; injection targets when the node is pruned.
	Consumers []Endpoint
}

// StitchedGraph is the result of a successful stitch.
type StitchedGraph struct {
	// Graph is the executable union.
	Graph *graph.Graph

	// Inputs maps unique_id to each residual INPUT port that still needs
	// an externally supplied value.
	Inputs map[string]BoundaryPort

	// Outputs maps unique_id to each residual OUTPUT or PASSTHRU port
	// whose value can be collected after execution.
	Outputs map[string]BoundaryPort

	// Order is a valid topological execution order over Graph.
	Order []graph.NodeID

	// Conflicts lists duplicate unique_id claims resolved by last-wins,
	// both within single graphs and across provider candidates.
	Conflicts []ports.ConflictError
}

// Option adjusts stitcher behavior.
type Option func(*options)

type options struct {
	pruneInputs  bool
	pruneOutputs bool
	strict       bool
	portTypes    []string
	rerouteTypes []string
	provided     map[string]bool
	log          *slog.Logger
}

// PruneUnmatchedInputs removes residual INPUT port nodes from the union.
// Every removed port must be covered by WithProvidedInputs; otherwise
// stitching fails with *UnfilledInputError rather than silently severing
// the consumers' only input path.
func PruneUnmatchedInputs() Option {
	return func(o *options) { o.pruneInputs = true }
}

// PruneUnmatchedOutputs removes residual OUTPUT port nodes from the union
// and omits them from the Outputs map. PASSTHRU ports are never pruned;
// they carry internal data flow.
func PruneUnmatchedOutputs() Option {
	return func(o *options) { o.pruneOutputs = true }
}

// Strict makes every duplicate unique_id fatal: within one graph, and
// across OUTPUT provider candidates. Without it the last definition wins
// and the conflict is recorded.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// WithPortTypes replaces the recognized port node types.
func WithPortTypes(types ...string) Option {
	return func(o *options) { o.portTypes = types }
}

// WithRerouteTypes replaces the node types eliminated as reroutes.
func WithRerouteTypes(types ...string) Option {
	return func(o *options) { o.rerouteTypes = types }
}

// WithProvidedInputs declares the unique_ids the caller will supply values
// for at execution time. Consulted by PruneUnmatchedInputs.
func WithProvidedInputs(ids ...string) Option {
	return func(o *options) {
		for _, id := range ids {
			o.provided[id] = true
		}
	}
}

// WithLogger sets the logger used for join decisions and warnings.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) *options {
	o := &options{
		provided: make(map[string]bool),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stitch composes an ordered list of graphs into one executable graph.
//
// Description:
//
//	Runs the fixed pipeline: reroute elimination on a clone of each
//	graph, disjoint id renumbering, unique_id boundary join, residual
//	port handling per the prune flags, then acyclicity validation and
//	topological ordering. Any failure aborts the whole operation with no
//	partial result.
//
// Inputs:
//
//	ctx    - Carries the trace span; stitching itself never blocks.
//	graphs - Ordered source graphs. Never mutated.
//	opts   - Optional behavior adjustments.
//
// Outputs:
//
//	*StitchedGraph - The union, boundary maps, and execution order.
//	error          - ErrNoGraphs, *graph.ValidationError,
//	                 *ports.ConflictError, or *UnfilledInputError.
func Stitch(ctx context.Context, graphs []*graph.Graph, opts ...Option) (*StitchedGraph, error) {
	o := newOptions(opts)
	ctx, span := startStitchSpan(ctx, len(graphs))
	defer span.End()
	start := time.Now()

	result, joined, reroutes, err := stitchAll(o, graphs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordStitch(ctx, time.Since(start), 0, 0, true)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("stitch.nodes", result.Graph.NodeCount()),
		attribute.Int("stitch.links", result.Graph.LinkCount()),
		attribute.Int("stitch.ports_joined", joined),
		attribute.Int("stitch.reroutes_eliminated", reroutes),
	)
	recordStitch(ctx, time.Since(start), joined, reroutes, false)
	o.log.Info("stitched graphs",
		"graphs", len(graphs),
		"nodes", result.Graph.NodeCount(),
		"links", result.Graph.LinkCount(),
		"ports_joined", joined,
		"residual_inputs", len(result.Inputs),
		"residual_outputs", len(result.Outputs),
		"duration", time.Since(start))
	return result, nil
}

// stitchAll runs the stitch pipeline and returns the result plus the
// join and reroute counts for instrumentation.
func stitchAll(o *options, graphs []*graph.Graph) (*StitchedGraph, int, int, error) {
	if len(graphs) == 0 {
		return nil, 0, 0, ErrNoGraphs
	}

	resolveOpts := []ports.Option{ports.WithLogger(o.log)}
	if len(o.portTypes) > 0 {
		resolveOpts = append(resolveOpts, ports.WithPortTypes(o.portTypes...))
	}
	if o.strict {
		resolveOpts = append(resolveOpts, ports.WithStrict())
	}

	// Phase 1+2: per-graph reroute elimination, renumbering, resolution,
	// and union assembly. Graph k is shifted past every id used by graphs
	// 0..k-1, so the union's id sets are pairwise disjoint.
	union := graph.New()
	resolutions := make([]*ports.Resolution, 0, len(graphs))
	reroutes := 0
	runningMax := int64(-1)
	for k, src := range graphs {
		part := src.Clone()
		n, err := part.EliminateReroutes(o.rerouteTypes...)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("graph %d: %w", k, err)
		}
		reroutes += n

		part = part.Offset(runningMax + 1)
		res, err := ports.Resolve(part, resolveOpts...)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("graph %d: %w", k, err)
		}
		if err := union.Absorb(part); err != nil {
			return nil, 0, 0, fmt.Errorf("graph %d: %w", k, err)
		}
		if m := part.MaxID(); m > runningMax {
			runningMax = m
		}
		resolutions = append(resolutions, res)
	}

	result := &StitchedGraph{
		Inputs:  make(map[string]BoundaryPort),
		Outputs: make(map[string]BoundaryPort),
	}
	for _, res := range resolutions {
		result.Conflicts = append(result.Conflicts, res.Conflicts...)
	}

	// Phase 3: unique_id join.
	joined, err := joinBoundaries(o, union, resolutions, result)
	if err != nil {
		return nil, 0, 0, err
	}

	// Phase 4: residual ports.
	if err := collectResiduals(o, union, resolutions, result); err != nil {
		return nil, 0, 0, err
	}

	// Phase 5: the union must be structurally sound and acyclic. A cycle
	// introduced by the join step is just as fatal as an authored one.
	if err := union.Validate(); err != nil {
		return nil, 0, 0, err
	}
	order, err := union.TopoSort()
	if err != nil {
		return nil, 0, 0, err
	}

	result.Graph = union
	result.Order = order
	return result, joined, reroutes, nil
}

// joinBoundaries collapses every OUTPUT/INPUT unique_id pair into direct
// links and removes the matched port nodes. Returns the number of joins.
func joinBoundaries(o *options, union *graph.Graph, resolutions []*ports.Resolution, result *StitchedGraph) (int, error) {
	inputPorts := make(map[string][]ports.Port)
	outputPorts := make(map[string][]ports.Port)
	for _, res := range resolutions {
		for id, p := range res.Ports {
			switch p.Mode {
			case ports.ModeInput:
				inputPorts[id] = append(inputPorts[id], p)
			case ports.ModeOutput:
				outputPorts[id] = append(outputPorts[id], p)
			}
		}
	}

	ids := make([]string, 0, len(outputPorts))
	for id := range outputPorts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	joined := 0
	for _, id := range ids {
		consumers := inputPorts[id]
		if len(consumers) == 0 {
			continue
		}

		// Tie-break across provider candidates mirrors the resolver's
		// duplicate policy.
		candidates := outputPorts[id]
		provider := candidates[len(candidates)-1]
		if len(candidates) > 1 {
			conflict := ports.ConflictError{
				UniqueID:  id,
				Existing:  candidates[0].NodeID,
				Duplicate: provider.NodeID,
			}
			if o.strict {
				return 0, &conflict
			}
			o.log.Warn("multiple OUTPUT providers for unique_id, last definition wins",
				"unique_id", id,
				"replaced_node", int64(conflict.Existing),
				"winning_node", int64(conflict.Duplicate))
			result.Conflicts = append(result.Conflicts, conflict)
		}

		// Connectivity is rederived live: an earlier join may already
		// have rewired this provider's upstream or these consumers.
		up := union.InboundLinks(provider.NodeID)
		if len(up) == 0 {
			return 0, &graph.ValidationError{
				Reason: graph.ReasonDanglingEndpoint,
				Detail: fmt.Sprintf("join %q: provider node %d has no upstream source", id, provider.NodeID),
			}
		}
		src, srcSlot, srcType := up[0].Source, up[0].SourceSlot, up[0].Type

		type target struct {
			node graph.NodeID
			slot int
			typ  string
		}
		var targets []target
		for _, ip := range consumers {
			for _, l := range union.OutboundLinks(ip.NodeID) {
				typ := l.Type
				if typ == "" {
					typ = srcType
				}
				targets = append(targets, target{node: l.Target, slot: l.TargetSlot, typ: typ})
			}
		}

		// Drop the boundary first so consumer slots are free, then wire
		// the producer straight through.
		union.RemoveNode(provider.NodeID)
		for _, ip := range consumers {
			union.RemoveNode(ip.NodeID)
		}
		for _, t := range targets {
			if union.Node(t.node) == nil {
				// Consumer was itself a port node dropped in this join.
				continue
			}
			if err := union.AddLink(&graph.Link{
				ID:         union.NextLinkID(),
				Source:     src,
				SourceSlot: srcSlot,
				Target:     t.node,
				TargetSlot: t.slot,
				Type:       t.typ,
			}); err != nil {
				return 0, fmt.Errorf("join %q: %w", id, err)
			}
		}

		o.log.Debug("joined boundary ports",
			"unique_id", id,
			"provider_node", int64(provider.NodeID),
			"consumer_ports", len(consumers),
			"links_synthesized", len(targets))
		joined++
	}
	return joined, nil
}

// collectResiduals fills the result's boundary maps from port nodes that
// survived the join, applying the prune flags.
//
// Residual ids can still collide across graphs. INPUT ports sharing an
// id are folded onto a single injection node, matching the fan-out the
// join gives them when a provider exists. OUTPUT and PASSTHRU ports
// sharing an id are competing definitions of one collectable name, so
// the duplicate policy applies exactly as it does within one graph.
func collectResiduals(o *options, union *graph.Graph, resolutions []*ports.Resolution, result *StitchedGraph) error {
	for _, res := range resolutions {
		for id, p := range res.Ports {
			if union.Node(p.NodeID) == nil {
				continue // consumed by the join
			}
			switch p.Mode {
			case ports.ModeInput:
				if existing, ok := result.Inputs[id]; ok {
					merged, err := mergeResidualInput(union, existing, p)
					if err != nil {
						return err
					}
					result.Inputs[id] = merged
					o.log.Debug("folded duplicate INPUT port onto one injection node",
						"unique_id", id,
						"anchor_node", int64(merged.NodeID),
						"folded_node", int64(p.NodeID))
					continue
				}
				bp := BoundaryPort{Port: p, Consumers: liveConsumers(union, p.NodeID)}
				if o.pruneInputs {
					if !o.provided[id] {
						return &UnfilledInputError{UniqueID: id, Consumers: bp.Consumers}
					}
					union.RemoveNode(p.NodeID)
					bp.Pruned = true
				}
				result.Inputs[id] = bp

			case ports.ModeOutput, ports.ModePassthru:
				// A passthru carries internal data flow; only plain
				// OUTPUT ports are candidates for pruning.
				if p.Mode == ports.ModeOutput && o.pruneOutputs {
					union.RemoveNode(p.NodeID)
					continue
				}
				if existing, ok := result.Outputs[id]; ok {
					conflict := ports.ConflictError{
						UniqueID:  id,
						Existing:  existing.NodeID,
						Duplicate: p.NodeID,
					}
					if o.strict {
						return &conflict
					}
					o.log.Warn("duplicate collectable unique_id, last definition wins",
						"unique_id", id,
						"replaced_node", int64(conflict.Existing),
						"winning_node", int64(conflict.Duplicate))
					result.Conflicts = append(result.Conflicts, conflict)
				}
				result.Outputs[id] = BoundaryPort{Port: p}
			}
		}
	}
	return nil
}

// mergeResidualInput folds a later INPUT port claiming an already
// recorded unique_id onto the recorded node, so one supplied value
// reaches every consumer of the id.
func mergeResidualInput(union *graph.Graph, existing BoundaryPort, p ports.Port) (BoundaryPort, error) {
	extra := liveConsumers(union, p.NodeID)
	union.RemoveNode(p.NodeID)

	if existing.Pruned {
		// The anchor node is already gone; the folded consumers become
		// direct injection targets next to the anchor's own.
		existing.Consumers = append(existing.Consumers, extra...)
		return existing, nil
	}

	typ := existing.DataType
	if typ == "" {
		typ = p.DataType
	}
	for _, ep := range extra {
		if err := union.AddLink(&graph.Link{
			ID:         union.NextLinkID(),
			Source:     existing.NodeID,
			SourceSlot: 0,
			Target:     ep.Node,
			TargetSlot: ep.Slot,
			Type:       typ,
		}); err != nil {
			return existing, fmt.Errorf("merge INPUT %q: %w", p.UniqueID, err)
		}
	}
	existing.Consumers = liveConsumers(union, existing.NodeID)
	return existing, nil
}

// liveConsumers snapshots the input endpoints currently fed by a node.
func liveConsumers(g *graph.Graph, id graph.NodeID) []Endpoint {
	var eps []Endpoint
	for _, l := range g.OutboundLinks(id) {
		eps = append(eps, Endpoint{Node: l.Target, Slot: l.TargetSlot})
	}
	return eps
}
