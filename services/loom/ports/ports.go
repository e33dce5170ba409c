// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ports classifies a graph's boundary nodes into data-exchange
// ports.
//
// A port node is an ordinary graph node whose type is in the configured
// port-type set and whose config carries a unique_id string. Its mode is
// never stored; it is derived purely from connectivity at resolution time,
// so the same node means different things in different stitching contexts.
//
// # Thread Safety
//
// Resolve is a pure function of its inputs and is safe to call from any
// goroutine. It never mutates the graph.
package ports

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

const (
	// DefaultPortType is the node type recognized as a port when no
	// explicit set is configured.
	DefaultPortType = "LoomPort"

	// ConfigKeyUniqueID is the node config key carrying the port's
	// boundary identifier.
	ConfigKeyUniqueID = "unique_id"

	// ConfigKeyTags is the optional node config key carrying free-form
	// user metadata tags.
	ConfigKeyTags = "tags"

	// ConfigKeyValue is the node config key an orchestrator fills to
	// inject an externally supplied value into an INPUT port left in an
	// executable graph.
	ConfigKeyValue = "value"
)

// Mode is a port's derived data-flow direction.
type Mode int

const (
	// ModeInput marks a port that provides an externally supplied value
	// into the graph: no inbound link, at least one outbound link.
	ModeInput Mode = iota

	// ModeOutput marks a port that captures a produced value out of the
	// graph: at least one inbound link, no outbound links.
	ModeOutput

	// ModePassthru marks a port connected on both sides; it relays a
	// value and exposes it at the boundary at the same time.
	ModePassthru
)

// String returns the mode's canonical name.
func (m Mode) String() string {
	switch m {
	case ModeInput:
		return "INPUT"
	case ModeOutput:
		return "OUTPUT"
	case ModePassthru:
		return "PASSTHRU"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Port is one resolved boundary port.
type Port struct {
	// UniqueID is the boundary identifier from the node's config.
	UniqueID string

	// NodeID is the port node carrying the id.
	NodeID graph.NodeID

	// Mode is the derived direction.
	Mode Mode

	// DataType is the type tag of the connected link: the inbound link
	// for OUTPUT and PASSTHRU ports, the first outbound link for INPUT
	// ports.
	DataType string

	// Tags is optional user metadata from the node's config.
	Tags []string
}

// TypeMismatch records a PASSTHRU port whose inbound and outbound link
// type tags disagree, or an INPUT port fanning out under different tags.
// Mismatches are advisory; resolution still succeeds.
type TypeMismatch struct {
	UniqueID string
	NodeID   graph.NodeID
	Expected string
	Actual   string
	LinkID   graph.LinkID
}

// Resolution is the outcome of one resolver pass.
type Resolution struct {
	// Ports maps unique_id to its resolved port.
	Ports map[string]Port

	// Mismatches lists advisory type-tag disagreements.
	Mismatches []TypeMismatch

	// Conflicts lists duplicate unique_id claims resolved by the
	// last-wins policy. Empty under Strict (the first conflict aborts).
	Conflicts []ConflictError
}

// Option adjusts resolver behavior.
type Option func(*options)

type options struct {
	portTypes map[string]bool
	strict    bool
	log       *slog.Logger
}

// WithPortTypes replaces the recognized port node types.
func WithPortTypes(types ...string) Option {
	return func(o *options) {
		o.portTypes = make(map[string]bool, len(types))
		for _, t := range types {
			o.portTypes[t] = true
		}
	}
}

// WithStrict makes duplicate unique_ids a resolution error instead of
// applying the last-wins policy.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

// WithLogger sets the logger for conflict and mismatch warnings.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) *options {
	o := &options{
		portTypes: map[string]bool{DefaultPortType: true},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve classifies every port node in the graph.
//
// Description:
//
//	Scans nodes in insertion order, derives each port's mode from live
//	connectivity, and indexes ports by unique_id. Duplicate ids follow
//	the configured policy: last-wins with a warning by default, a
//	*ConflictError under WithStrict. A port node connected on neither
//	side fails resolution; a port node without a usable unique_id fails
//	resolution.
//
// Inputs:
//
//	g    - The graph to scan. Not mutated.
//	opts - Optional behavior adjustments.
//
// Outputs:
//
//	*Resolution - Ports by unique_id plus advisory records.
//	error       - ErrMissingUniqueID, ErrDanglingPort, or *ConflictError.
func Resolve(g *graph.Graph, opts ...Option) (*Resolution, error) {
	o := newOptions(opts)
	res := &Resolution{Ports: make(map[string]Port)}

	for _, n := range g.Nodes() {
		if !o.portTypes[n.Type] {
			continue
		}

		id, ok := uniqueID(n)
		if !ok {
			return nil, fmt.Errorf("node %d (%s): %w", n.ID, n.Type, ErrMissingUniqueID)
		}

		port, mismatches, err := classify(g, n, id)
		if err != nil {
			return nil, err
		}
		res.Mismatches = append(res.Mismatches, mismatches...)
		for _, m := range mismatches {
			o.log.Warn("port type tag mismatch",
				"unique_id", m.UniqueID,
				"node_id", int64(m.NodeID),
				"expected", m.Expected,
				"actual", m.Actual,
				"link_id", int64(m.LinkID))
		}

		if prev, exists := res.Ports[id]; exists {
			conflict := ConflictError{UniqueID: id, Existing: prev.NodeID, Duplicate: n.ID}
			if o.strict {
				return nil, &conflict
			}
			o.log.Warn("duplicate port unique_id, last definition wins",
				"unique_id", id,
				"replaced_node", int64(prev.NodeID),
				"winning_node", int64(n.ID))
			res.Conflicts = append(res.Conflicts, conflict)
		}
		res.Ports[id] = port
	}
	return res, nil
}

// classify derives one port's mode and data type from its connectivity.
func classify(g *graph.Graph, n *graph.Node, id string) (Port, []TypeMismatch, error) {
	inbound := g.InboundLinks(n.ID)
	outbound := g.OutboundLinks(n.ID)

	port := Port{UniqueID: id, NodeID: n.ID, Tags: tags(n)}
	var mismatches []TypeMismatch

	switch {
	case len(inbound) == 0 && len(outbound) == 0:
		return Port{}, nil, fmt.Errorf("node %d (unique_id %q): %w", n.ID, id, ErrDanglingPort)

	case len(inbound) == 0:
		port.Mode = ModeInput
		port.DataType = outbound[0].Type
		for _, l := range outbound[1:] {
			if l.Type != port.DataType {
				mismatches = append(mismatches, TypeMismatch{
					UniqueID: id, NodeID: n.ID,
					Expected: port.DataType, Actual: l.Type, LinkID: l.ID,
				})
			}
		}

	case len(outbound) == 0:
		port.Mode = ModeOutput
		port.DataType = inbound[0].Type

	default:
		port.Mode = ModePassthru
		port.DataType = inbound[0].Type
		for _, l := range outbound {
			if l.Type != port.DataType {
				mismatches = append(mismatches, TypeMismatch{
					UniqueID: id, NodeID: n.ID,
					Expected: port.DataType, Actual: l.Type, LinkID: l.ID,
				})
			}
		}
	}
	return port, mismatches, nil
}

// uniqueID extracts the port's identifier from node config. Returns false
// for a missing, empty, or non-string value.
func uniqueID(n *graph.Node) (string, bool) {
	v, ok := n.Config[ConfigKeyUniqueID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// tags extracts optional string tags from node config. JSON decoding
// yields []any; programmatic construction may use []string directly.
func tags(n *graph.Node) []string {
	v, ok := n.Config[ConfigKeyTags]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
