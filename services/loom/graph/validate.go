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

// Validate checks the graph's structural invariants.
//
// Description:
//
//	Verifies that every link's endpoints exist with in-range slots, and
//	that the slot back-references on nodes agree with the link table in
//	both directions. Cycle detection is TopoSort's job, not Validate's;
//	a graph can be valid here and still unschedulable.
//
// Outputs:
//
//	error - nil, or the first *ValidationError found. Iteration order is
//	        insertion order, so the reported defect is deterministic.
func (g *Graph) Validate() error {
	for _, l := range g.Links() {
		src, ok := g.nodes[l.Source]
		if !ok {
			return newValidationError(ReasonDanglingEndpoint,
				fmt.Sprintf("link %d: source node %d does not exist", l.ID, l.Source))
		}
		dst, ok := g.nodes[l.Target]
		if !ok {
			return newValidationError(ReasonDanglingEndpoint,
				fmt.Sprintf("link %d: target node %d does not exist", l.ID, l.Target))
		}
		if l.SourceSlot < 0 || l.SourceSlot >= len(src.Outputs) {
			return newValidationError(ReasonSlotOutOfRange,
				fmt.Sprintf("link %d: output slot %d out of range on node %d", l.ID, l.SourceSlot, l.Source))
		}
		if l.TargetSlot < 0 || l.TargetSlot >= len(dst.Inputs) {
			return newValidationError(ReasonSlotOutOfRange,
				fmt.Sprintf("link %d: input slot %d out of range on node %d", l.ID, l.TargetSlot, l.Target))
		}
		if ref := dst.Inputs[l.TargetSlot].Link; ref == nil || *ref != l.ID {
			return newValidationError(ReasonWiringMismatch,
				fmt.Sprintf("link %d: input slot %d on node %d does not reference it", l.ID, l.TargetSlot, l.Target))
		}
		if !containsLink(src.Outputs[l.SourceSlot].Links, l.ID) {
			return newValidationError(ReasonWiringMismatch,
				fmt.Sprintf("link %d: output slot %d on node %d does not reference it", l.ID, l.SourceSlot, l.Source))
		}
	}

	for _, n := range g.Nodes() {
		for i, in := range n.Inputs {
			if in.Link == nil {
				continue
			}
			l, ok := g.links[*in.Link]
			if !ok {
				return newValidationError(ReasonWiringMismatch,
					fmt.Sprintf("node %d input %d references missing link %d", n.ID, i, *in.Link))
			}
			if l.Target != n.ID || l.TargetSlot != i {
				return newValidationError(ReasonWiringMismatch,
					fmt.Sprintf("node %d input %d references link %d which targets node %d slot %d",
						n.ID, i, l.ID, l.Target, l.TargetSlot))
			}
		}
		for i, out := range n.Outputs {
			for _, lid := range out.Links {
				l, ok := g.links[lid]
				if !ok {
					return newValidationError(ReasonWiringMismatch,
						fmt.Sprintf("node %d output %d references missing link %d", n.ID, i, lid))
				}
				if l.Source != n.ID || l.SourceSlot != i {
					return newValidationError(ReasonWiringMismatch,
						fmt.Sprintf("node %d output %d references link %d which originates at node %d slot %d",
							n.ID, i, l.ID, l.Source, l.SourceSlot))
				}
			}
		}
	}
	return nil
}

func containsLink(links []LinkID, id LinkID) bool {
	for _, l := range links {
		if l == id {
			return true
		}
	}
	return false
}
