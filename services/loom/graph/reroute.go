// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "fmt"

// DefaultRerouteType is the node type eliminated by EliminateReroutes when
// no explicit type set is given.
const DefaultRerouteType = "Reroute"

// EliminateReroutes removes pure-passthrough utility nodes in place.
//
// Description:
//
//	A node is a reroute when its type is in the given set and it declares
//	exactly one input and one output slot. Each reroute is removed by
//	rewiring its upstream source directly to all of its downstream
//	targets, preserving each consumer's link type tag. Chains of reroutes
//	collapse fully; a reroute with no inbound link is left in place since
//	there is no source to rewire, and a self-feeding reroute is left for
//	cycle detection to reject.
//
// Inputs:
//
//	types - Node types to treat as reroutes. Empty means DefaultRerouteType.
//
// Outputs:
//
//	int   - Number of nodes eliminated.
//	error - Rewiring failure; the graph may be partially rewritten.
func (g *Graph) EliminateReroutes(types ...string) (int, error) {
	if len(types) == 0 {
		types = []string{DefaultRerouteType}
	}
	isReroute := make(map[string]bool, len(types))
	for _, t := range types {
		isReroute[t] = true
	}

	eliminated := 0
	for {
		n := g.nextReroute(isReroute)
		if n == nil {
			return eliminated, nil
		}

		up := g.links[*n.Inputs[0].Link]
		downstream := g.OutboundLinks(n.ID)

		// Capture rewiring targets before removal invalidates the links.
		type endpoint struct {
			target NodeID
			slot   int
			typ    string
		}
		targets := make([]endpoint, 0, len(downstream))
		for _, l := range downstream {
			typ := l.Type
			if typ == "" {
				typ = up.Type
			}
			targets = append(targets, endpoint{target: l.Target, slot: l.TargetSlot, typ: typ})
		}
		source, sourceSlot := up.Source, up.SourceSlot

		g.RemoveNode(n.ID)

		for _, t := range targets {
			if err := g.AddLink(&Link{
				ID:         g.NextLinkID(),
				Source:     source,
				SourceSlot: sourceSlot,
				Target:     t.target,
				TargetSlot: t.slot,
				Type:       t.typ,
			}); err != nil {
				return eliminated, fmt.Errorf("rewire around node %d: %w", n.ID, err)
			}
		}
		eliminated++
	}
}

// nextReroute returns the first eliminable reroute in insertion order, or
// nil when none remain.
func (g *Graph) nextReroute(isReroute map[string]bool) *Node {
	for _, n := range g.Nodes() {
		if !isReroute[n.Type] {
			continue
		}
		if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
			continue
		}
		if n.Inputs[0].Link == nil {
			continue
		}
		up, ok := g.links[*n.Inputs[0].Link]
		if !ok || up.Source == n.ID {
			continue
		}
		return n
	}
	return nil
}
