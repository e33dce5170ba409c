// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prune derives minimal reproduction recipes from graphs.
//
// A recipe is the transitive ancestor closure of one target output slot:
// exactly the nodes and links needed to recompute that value, nothing
// else. Storing the recipe instead of the value trades a large opaque
// payload for a small graph description, at the cost of re-executing the
// subgraph whenever the value is needed again.
//
// Recipes are only faithful for deterministic subgraphs: nodes whose
// output is a pure function of their own configuration and inputs (fixed
// seeds included). The pruner does not verify determinism; callers who
// prune non-deterministic producers accept reproduction drift.
//
// # Thread Safety
//
// Prune is a pure function of its inputs and never mutates the source
// graph. Safe to call concurrently.
package prune

import (
	"fmt"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// Recipe is a self-contained reproduction subgraph. Executing Graph on an
// engine and reading the Target node's TargetSlot output yields a value
// observationally equivalent to the original, given deterministic nodes.
type Recipe struct {
	// Graph is the pruned subgraph. Node and link ids are preserved from
	// the source graph.
	Graph *graph.Graph `json:"graph"`

	// Target is the node whose output the recipe reproduces.
	Target graph.NodeID `json:"target"`

	// TargetSlot is the output slot index on Target.
	TargetSlot int `json:"target_slot"`
}

// Prune computes the minimal reproduction recipe for one output slot.
//
// Description:
//
//	Walks reverse reachability from the target through inbound links,
//	recursively, and copies exactly the visited nodes plus every link
//	between them into a fresh graph. Links leaving the closure toward
//	unrelated consumers are dropped; slot wiring in the copy references
//	only retained links.
//
// Inputs:
//
//	g      - The source graph. Not mutated.
//	target - The node whose output is to be reproduced.
//	slot   - Output slot index on target.
//
// Outputs:
//
//	*Recipe - The pruned subgraph with the designated target.
//	error   - *graph.ValidationError when the target does not exist or
//	          the slot is out of range.
func Prune(g *graph.Graph, target graph.NodeID, slot int) (*Recipe, error) {
	tn := g.Node(target)
	if tn == nil {
		return nil, &graph.ValidationError{
			Reason: graph.ReasonDanglingEndpoint,
			Detail: fmt.Sprintf("prune target node %d does not exist", target),
		}
	}
	if slot < 0 || slot >= len(tn.Outputs) {
		return nil, &graph.ValidationError{
			Reason: graph.ReasonSlotOutOfRange,
			Detail: fmt.Sprintf("prune target node %d has no output slot %d", target, slot),
		}
	}

	closure := ancestorClosure(g, target)

	// Rebuild the subgraph in source insertion order so recipe encoding
	// is deterministic. Nodes are copied with cleared wiring; AddLink
	// rewires them against the retained link set only.
	sub := graph.New()
	for _, n := range g.Nodes() {
		if !closure[n.ID] {
			continue
		}
		cp := n.Clone()
		for i := range cp.Inputs {
			cp.Inputs[i].Link = nil
		}
		for i := range cp.Outputs {
			cp.Outputs[i].Links = nil
		}
		if err := sub.AddNode(cp); err != nil {
			return nil, fmt.Errorf("prune copy node %d: %w", n.ID, err)
		}
	}
	for _, l := range g.Links() {
		if !closure[l.Target] {
			continue
		}
		// Inbound sources of closure members are ancestors by
		// definition, so both endpoints are retained.
		cp := *l
		if err := sub.AddLink(&cp); err != nil {
			return nil, fmt.Errorf("prune copy link %d: %w", l.ID, err)
		}
	}

	return &Recipe{Graph: sub, Target: target, TargetSlot: slot}, nil
}

// ancestorClosure returns the set of nodes reachable from target by
// walking inbound links backwards, target included.
func ancestorClosure(g *graph.Graph, target graph.NodeID) map[graph.NodeID]bool {
	closure := map[graph.NodeID]bool{target: true}
	stack := []graph.NodeID{target}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, l := range g.InboundLinks(id) {
			if !closure[l.Source] {
				closure[l.Source] = true
				stack = append(stack, l.Source)
			}
		}
	}
	return closure
}

