// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the in-memory node-graph model for Loom.
//
// A Graph is a set of typed Nodes connected by typed Links. Nodes carry
// ordered input and output slots; a Link connects one output slot of a
// source node to one input slot of a target node. Every input slot accepts
// at most one inbound link; output slots fan out freely. The same model is
// used for engine-ready graphs, stitched unions, and pruned reproduction
// recipes.
//
// # Ownership Model
//
// Nodes and Links are owned by the Graph that holds them:
//   - AddNode/AddLink transfer ownership to the graph
//   - Callers MUST NOT mutate a node's slots after its links are wired
//   - Clone() produces a fully independent deep copy
//
// # Thread Safety
//
// Graph is NOT safe for concurrent mutation. The intended lifecycle is
// single-writer construction (decode or Add* calls) followed by read-only
// sharing. The stitcher, resolver, and pruner all operate on clones and
// never mutate a caller's graph.
package graph

import (
	"fmt"
	"sort"
)

// NodeID identifies a node within one graph. IDs are small integers in
// editor exports; the stitcher renumbers them when composing graphs, so
// they are only unique within their owning graph.
type NodeID int64

// LinkID identifies a link within one graph.
type LinkID int64

// InputSlot is a named, typed input connector on a node.
//
// Link is nil while the slot is unconnected. At most one link may target
// an input slot; AddLink enforces this.
type InputSlot struct {
	// Name is the slot's display name (e.g. "model", "latent").
	Name string `json:"name"`

	// Type is the data-type tag expected on this slot (e.g. "MODEL").
	Type string `json:"type"`

	// Link is the inbound link id, or nil when unconnected.
	Link *LinkID `json:"link"`
}

// OutputSlot is a named, typed output connector on a node.
type OutputSlot struct {
	// Name is the slot's display name.
	Name string `json:"name"`

	// Type is the data-type tag produced on this slot.
	Type string `json:"type"`

	// Links lists the ids of all links fanning out from this slot.
	Links []LinkID `json:"links"`
}

// Node is a single computation step in a graph.
type Node struct {
	// ID is the node's identifier, unique within its graph.
	ID NodeID `json:"id"`

	// Type is the node's type tag, resolved by the execution engine
	// (e.g. "KSampler", "LoomPort", "Reroute").
	Type string `json:"type"`

	// Inputs are the node's ordered input slots.
	Inputs []InputSlot `json:"inputs"`

	// Outputs are the node's ordered output slots.
	Outputs []OutputSlot `json:"outputs"`

	// Config holds the node's literal configuration values (seeds,
	// strings, numbers) keyed by widget name. Values are JSON-typed.
	Config map[string]any `json:"config,omitempty"`
}

// Link is a directed, typed connection between two node slots.
//
// On the wire a link is the ordered 6-tuple
// [id, sourceNodeId, sourceSlot, targetNodeId, targetSlot, dataType];
// see wire.go. That tuple shape is the engine's contract and must not be
// reordered.
type Link struct {
	// ID is the link's identifier, unique within its graph.
	ID LinkID

	// Source is the producing node.
	Source NodeID

	// SourceSlot is the index into the source node's Outputs.
	SourceSlot int

	// Target is the consuming node.
	Target NodeID

	// TargetSlot is the index into the target node's Inputs.
	TargetSlot int

	// Type is the data-type tag carried by this link.
	Type string
}

// Graph is a mutable node-graph: nodes, links, and the slot wiring between
// them. Traversal order over Nodes() and Links() is insertion order, which
// keeps encoding and stitching deterministic.
type Graph struct {
	nodes map[NodeID]*Node
	links map[LinkID]*Link

	// nodeOrder and linkOrder preserve insertion order for deterministic
	// iteration and wire encoding.
	nodeOrder []NodeID
	linkOrder []LinkID
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[NodeID]*Node),
		links: make(map[LinkID]*Link),
	}
}

// AddNode adds a node to the graph.
//
// Inputs:
//
//	n - The node to add. Must not be nil and its ID must be unused.
//
// Outputs:
//
//	error - ErrNilNode, or ErrDuplicateNode wrapped with the offending id.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return ErrNilNode
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("node %d: %w", n.ID, ErrDuplicateNode)
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	return nil
}

// AddLink adds a link and wires both endpoint slots.
//
// Description:
//
//	Validates that both endpoints exist, that the slot indices are in
//	range, and that the target input slot is still free, then records the
//	link and updates the source output's fan-out list and the target
//	input's back-reference.
//
// Inputs:
//
//	l - The link to add. Must not be nil and its ID must be unused.
//
// Outputs:
//
//	error - A *ValidationError naming the failing endpoint, or
//	        ErrDuplicateLink for an id collision.
func (g *Graph) AddLink(l *Link) error {
	if l == nil {
		return ErrNilLink
	}
	if _, exists := g.links[l.ID]; exists {
		return fmt.Errorf("link %d: %w", l.ID, ErrDuplicateLink)
	}

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
	if existing := dst.Inputs[l.TargetSlot].Link; existing != nil {
		return newValidationError(ReasonInputOccupied,
			fmt.Sprintf("link %d: input slot %d on node %d already fed by link %d",
				l.ID, l.TargetSlot, l.Target, *existing))
	}

	g.links[l.ID] = l
	g.linkOrder = append(g.linkOrder, l.ID)
	src.Outputs[l.SourceSlot].Links = append(src.Outputs[l.SourceSlot].Links, l.ID)
	id := l.ID
	dst.Inputs[l.TargetSlot].Link = &id
	return nil
}

// RemoveLink deletes a link and unwires both endpoint slots.
// Removing an unknown id is a no-op.
func (g *Graph) RemoveLink(id LinkID) {
	l, ok := g.links[id]
	if !ok {
		return
	}
	if src, ok := g.nodes[l.Source]; ok && l.SourceSlot < len(src.Outputs) {
		out := src.Outputs[l.SourceSlot].Links
		for i, lid := range out {
			if lid == id {
				src.Outputs[l.SourceSlot].Links = append(out[:i], out[i+1:]...)
				break
			}
		}
	}
	if dst, ok := g.nodes[l.Target]; ok && l.TargetSlot < len(dst.Inputs) {
		if ref := dst.Inputs[l.TargetSlot].Link; ref != nil && *ref == id {
			dst.Inputs[l.TargetSlot].Link = nil
		}
	}
	delete(g.links, id)
	g.linkOrder = removeID(g.linkOrder, id)
}

// RemoveNode deletes a node together with every link touching it.
// Removing an unknown id is a no-op.
func (g *Graph) RemoveNode(id NodeID) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, in := range n.Inputs {
		if in.Link != nil {
			g.RemoveLink(*in.Link)
		}
	}
	for _, out := range n.Outputs {
		// RemoveLink mutates the slice; copy first.
		links := make([]LinkID, len(out.Links))
		copy(links, out.Links)
		for _, lid := range links {
			g.RemoveLink(lid)
		}
	}
	delete(g.nodes, id)
	g.nodeOrder = removeID(g.nodeOrder, id)
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.nodes[id]
}

// Link returns the link with the given id, or nil.
func (g *Graph) Link(id LinkID) *Link {
	return g.links[id]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Links returns all links in insertion order.
func (g *Graph) Links() []*Link {
	out := make([]*Link, 0, len(g.linkOrder))
	for _, id := range g.linkOrder {
		out = append(out, g.links[id])
	}
	return out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// LinkCount returns the number of links.
func (g *Graph) LinkCount() int {
	return len(g.links)
}

// InboundLinks returns the links feeding a node's inputs, in slot order.
func (g *Graph) InboundLinks(id NodeID) []*Link {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var out []*Link
	for _, in := range n.Inputs {
		if in.Link != nil {
			if l, ok := g.links[*in.Link]; ok {
				out = append(out, l)
			}
		}
	}
	return out
}

// OutboundLinks returns the links fanning out of a node's outputs, in slot
// then fan-out order.
func (g *Graph) OutboundLinks(id NodeID) []*Link {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var out []*Link
	for _, slot := range n.Outputs {
		for _, lid := range slot.Links {
			if l, ok := g.links[lid]; ok {
				out = append(out, l)
			}
		}
	}
	return out
}

// MaxID returns the largest id in use across nodes and links, or -1 for an
// empty graph. The stitcher derives renumbering offsets from this value.
func (g *Graph) MaxID() int64 {
	max := int64(-1)
	for id := range g.nodes {
		if int64(id) > max {
			max = int64(id)
		}
	}
	for id := range g.links {
		if int64(id) > max {
			max = int64(id)
		}
	}
	return max
}

// NextLinkID returns an unused link id (one past the current maximum).
func (g *Graph) NextLinkID() LinkID {
	max := LinkID(-1)
	for id := range g.links {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// NextNodeID returns an unused node id (one past the current maximum).
func (g *Graph) NextNodeID() NodeID {
	max := NodeID(-1)
	for id := range g.nodes {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Offset returns a deep copy with every node id and link id shifted by
// delta. Slot wiring and link endpoints shift together, so the copy is
// structurally identical to the receiver.
func (g *Graph) Offset(delta int64) *Graph {
	out := New()
	for _, id := range g.nodeOrder {
		n := g.nodes[id]
		cp := n.Clone()
		cp.ID = NodeID(int64(n.ID) + delta)
		shiftSlots(cp, delta)
		// Bypass AddNode: wiring is copied verbatim below.
		out.nodes[cp.ID] = cp
		out.nodeOrder = append(out.nodeOrder, cp.ID)
	}
	for _, id := range g.linkOrder {
		l := g.links[id]
		cp := *l
		cp.ID = LinkID(int64(l.ID) + delta)
		cp.Source = NodeID(int64(l.Source) + delta)
		cp.Target = NodeID(int64(l.Target) + delta)
		out.links[cp.ID] = &cp
		out.linkOrder = append(out.linkOrder, cp.ID)
	}
	return out
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	return g.Offset(0)
}

// Absorb moves every node and link of other into g, preserving other's
// internal wiring verbatim. The id sets must be disjoint; the first
// collision aborts with ErrDuplicateNode or ErrDuplicateLink, leaving g
// partially extended. Intended for unions of freshly renumbered graphs
// where collisions are impossible. other must not be used afterwards.
func (g *Graph) Absorb(other *Graph) error {
	for _, id := range other.nodeOrder {
		if _, exists := g.nodes[id]; exists {
			return fmt.Errorf("absorb node %d: %w", id, ErrDuplicateNode)
		}
		g.nodes[id] = other.nodes[id]
		g.nodeOrder = append(g.nodeOrder, id)
	}
	for _, id := range other.linkOrder {
		if _, exists := g.links[id]; exists {
			return fmt.Errorf("absorb link %d: %w", id, ErrDuplicateLink)
		}
		g.links[id] = other.links[id]
		g.linkOrder = append(g.linkOrder, id)
	}
	return nil
}

// SortedNodeIDs returns all node ids in ascending order. Useful for
// deterministic reporting; traversal should prefer Nodes().
func (g *Graph) SortedNodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the node, including slot wiring and
// config values.
func (n *Node) Clone() *Node {
	cp := &Node{
		ID:      n.ID,
		Type:    n.Type,
		Inputs:  make([]InputSlot, len(n.Inputs)),
		Outputs: make([]OutputSlot, len(n.Outputs)),
	}
	copy(cp.Inputs, n.Inputs)
	for i, in := range n.Inputs {
		if in.Link != nil {
			id := *in.Link
			cp.Inputs[i].Link = &id
		}
	}
	for i, out := range n.Outputs {
		cp.Outputs[i] = out
		cp.Outputs[i].Links = make([]LinkID, len(out.Links))
		copy(cp.Outputs[i].Links, out.Links)
	}
	if n.Config != nil {
		cp.Config = cloneValue(n.Config).(map[string]any)
	}
	return cp
}

// shiftSlots applies an id delta to a node's slot wiring in place.
func shiftSlots(n *Node, delta int64) {
	for i := range n.Inputs {
		if n.Inputs[i].Link != nil {
			id := LinkID(int64(*n.Inputs[i].Link) + delta)
			n.Inputs[i].Link = &id
		}
	}
	for i := range n.Outputs {
		for j := range n.Outputs[i].Links {
			n.Outputs[i].Links[j] = LinkID(int64(n.Outputs[i].Links[j]) + delta)
		}
	}
}

// cloneValue deep-copies JSON-typed config values. Scalar values are
// returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// removeID drops the first occurrence of id from order, preserving order.
func removeID[T comparable](order []T, id T) []T {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
