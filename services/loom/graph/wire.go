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

import (
	"encoding/json"
	"fmt"
)

// wireGraph is the engine-facing JSON shape of a graph.
type wireGraph struct {
	Nodes []*Node `json:"nodes"`
	Links []*Link `json:"links"`
}

// MarshalJSON encodes the link as the ordered 6-tuple
// [id, sourceNodeId, sourceSlot, targetNodeId, targetSlot, dataType].
// The element order is the engine's wire contract.
func (l *Link) MarshalJSON() ([]byte, error) {
	tuple := [6]any{
		int64(l.ID),
		int64(l.Source),
		l.SourceSlot,
		int64(l.Target),
		l.TargetSlot,
		l.Type,
	}
	return json.Marshal(tuple)
}

// UnmarshalJSON decodes the 6-tuple link format. A tuple of the wrong
// arity or element type fails with ErrMalformedWire.
func (l *Link) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("link tuple: %w: %v", ErrMalformedWire, err)
	}
	if len(raw) != 6 {
		return fmt.Errorf("link tuple has %d elements, want 6: %w", len(raw), ErrMalformedWire)
	}

	var id, src, dst int64
	var srcSlot, dstSlot int
	if err := json.Unmarshal(raw[0], &id); err != nil {
		return fmt.Errorf("link tuple id: %w: %v", ErrMalformedWire, err)
	}
	if err := json.Unmarshal(raw[1], &src); err != nil {
		return fmt.Errorf("link %d source: %w: %v", id, ErrMalformedWire, err)
	}
	if err := json.Unmarshal(raw[2], &srcSlot); err != nil {
		return fmt.Errorf("link %d source slot: %w: %v", id, ErrMalformedWire, err)
	}
	if err := json.Unmarshal(raw[3], &dst); err != nil {
		return fmt.Errorf("link %d target: %w: %v", id, ErrMalformedWire, err)
	}
	if err := json.Unmarshal(raw[4], &dstSlot); err != nil {
		return fmt.Errorf("link %d target slot: %w: %v", id, ErrMalformedWire, err)
	}

	// Some editors emit null for untyped links; treat as empty tag.
	var typ *string
	if err := json.Unmarshal(raw[5], &typ); err != nil {
		return fmt.Errorf("link %d type: %w: %v", id, ErrMalformedWire, err)
	}

	l.ID = LinkID(id)
	l.Source = NodeID(src)
	l.SourceSlot = srcSlot
	l.Target = NodeID(dst)
	l.TargetSlot = dstSlot
	if typ != nil {
		l.Type = *typ
	} else {
		l.Type = ""
	}
	return nil
}

// MarshalJSON encodes the graph in wire format with nodes and links in
// insertion order, so encode/decode round-trips are stable.
func (g *Graph) MarshalJSON() ([]byte, error) {
	w := wireGraph{
		Nodes: g.Nodes(),
		Links: g.Links(),
	}
	if w.Nodes == nil {
		w.Nodes = []*Node{}
	}
	if w.Links == nil {
		w.Links = []*Link{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes wire-format JSON into the graph.
//
// Description:
//
//	The link table is the source of truth for connectivity: slot
//	back-references declared on nodes are discarded and rebuilt from the
//	decoded links. Structural defects (dangling endpoints, out-of-range
//	slots, doubly-fed inputs) surface as *ValidationError; syntactic
//	defects surface wrapping ErrMalformedWire.
//
// Inputs:
//
//	data - Wire-format JSON: {"nodes": [...], "links": [[...], ...]}.
//
// Outputs:
//
//	error - nil on success; ErrMalformedWire or *ValidationError otherwise.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}

	g.nodes = make(map[NodeID]*Node, len(w.Nodes))
	g.links = make(map[LinkID]*Link, len(w.Links))
	g.nodeOrder = g.nodeOrder[:0]
	g.linkOrder = g.linkOrder[:0]

	for _, n := range w.Nodes {
		if n == nil {
			return fmt.Errorf("%w: null node entry", ErrMalformedWire)
		}
		for i := range n.Inputs {
			n.Inputs[i].Link = nil
		}
		for i := range n.Outputs {
			n.Outputs[i].Links = nil
		}
		if err := g.AddNode(n); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedWire, err)
		}
	}
	for _, l := range w.Links {
		if l == nil {
			return fmt.Errorf("%w: null link entry", ErrMalformedWire)
		}
		if err := g.AddLink(l); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes wire-format JSON into a new Graph.
func Parse(data []byte) (*Graph, error) {
	g := New()
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return g, nil
}

// Encode serializes the graph to wire-format JSON.
func (g *Graph) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// EncodeIndent serializes the graph to indented wire-format JSON for
// human inspection and export manifests.
func (g *Graph) EncodeIndent() ([]byte, error) {
	return json.MarshalIndent(g, "", "  ")
}
