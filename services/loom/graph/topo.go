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

import "sort"

// TopoSort returns a deterministic topological order of all node ids.
//
// Description:
//
//	Kahn's algorithm with an ascending-id ready queue: among all nodes
//	whose dependencies are satisfied, the lowest id is scheduled next.
//	The same graph therefore always yields the same order, regardless of
//	construction order.
//
// Outputs:
//
//	[]NodeID - Every node exactly once, dependencies before dependents.
//	error    - A *ValidationError with ReasonCycle carrying one
//	           representative cycle path if the graph is cyclic. Cycles
//	           are always fatal; no partial order is returned.
func (g *Graph) TopoSort() ([]NodeID, error) {
	indegree := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, l := range g.links {
		// Self-links are cycles of length one; count them so the node
		// never becomes ready.
		indegree[l.Target]++
	}

	ready := make([]NodeID, 0, len(g.nodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]NodeID, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, l := range g.OutboundLinks(id) {
			indegree[l.Target]--
			if indegree[l.Target] == 0 {
				ready = insertSorted(ready, l.Target)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &ValidationError{
			Reason: ReasonCycle,
			Detail: "graph contains a cycle",
			Cycle:  g.findCycle(),
		}
	}
	return order, nil
}

// insertSorted inserts id into an ascending-sorted slice, keeping it sorted.
func insertSorted(ids []NodeID, id NodeID) []NodeID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// findCycle locates one directed cycle via three-color DFS and returns its
// path with the entry node repeated at the end (e.g. 3 -> 7 -> 3). Returns
// nil if no cycle exists.
func (g *Graph) findCycle() []NodeID {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[NodeID]int, len(g.nodes))
	var path []NodeID
	var cycle []NodeID

	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		color[id] = gray
		path = append(path, id)
		for _, l := range g.OutboundLinks(id) {
			switch color[l.Target] {
			case gray:
				// Found the back edge; slice the path from the first
				// occurrence of the target.
				for i, p := range path {
					if p == l.Target {
						cycle = append(cycle, path[i:]...)
						cycle = append(cycle, l.Target)
						return true
					}
				}
			case white:
				if visit(l.Target) {
					return true
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return false
	}

	// Ascending start order keeps the reported cycle deterministic.
	for _, id := range g.SortedNodeIDs() {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
