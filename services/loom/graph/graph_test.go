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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode builds a node with in unconnected inputs and out outputs.
func testNode(id NodeID, typ string, in, out int) *Node {
	n := &Node{ID: id, Type: typ}
	for i := 0; i < in; i++ {
		n.Inputs = append(n.Inputs, InputSlot{Name: fmt.Sprintf("in%d", i), Type: "ANY"})
	}
	for i := 0; i < out; i++ {
		n.Outputs = append(n.Outputs, OutputSlot{Name: fmt.Sprintf("out%d", i), Type: "ANY"})
	}
	return n
}

func mustAddNode(t *testing.T, g *Graph, n *Node) {
	t.Helper()
	require.NoError(t, g.AddNode(n))
}

func mustAddLink(t *testing.T, g *Graph, l *Link) {
	t.Helper()
	require.NoError(t, g.AddLink(l))
}

func TestGraph_AddNode(t *testing.T) {
	g := New()
	mustAddNode(t, g, testNode(1, "Source", 0, 1))
	assert.Equal(t, 1, g.NodeCount())

	t.Run("duplicate id rejected", func(t *testing.T) {
		err := g.AddNode(testNode(1, "Other", 0, 0))
		require.ErrorIs(t, err, ErrDuplicateNode)
	})

	t.Run("nil rejected", func(t *testing.T) {
		require.ErrorIs(t, g.AddNode(nil), ErrNilNode)
	})
}

func TestGraph_AddLink(t *testing.T) {
	newPair := func(t *testing.T) *Graph {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Sink", 1, 0))
		return g
	}

	t.Run("wires both endpoints", func(t *testing.T) {
		g := newPair(t)
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "ANY"})

		require.NotNil(t, g.Node(2).Inputs[0].Link)
		assert.Equal(t, LinkID(10), *g.Node(2).Inputs[0].Link)
		assert.Equal(t, []LinkID{10}, g.Node(1).Outputs[0].Links)
	})

	t.Run("dangling source rejected", func(t *testing.T) {
		g := newPair(t)
		err := g.AddLink(&Link{ID: 10, Source: 99, Target: 2})
		ve, ok := IsValidation(err)
		require.True(t, ok)
		assert.Equal(t, ReasonDanglingEndpoint, ve.Reason)
	})

	t.Run("slot out of range rejected", func(t *testing.T) {
		g := newPair(t)
		err := g.AddLink(&Link{ID: 10, Source: 1, SourceSlot: 5, Target: 2})
		ve, ok := IsValidation(err)
		require.True(t, ok)
		assert.Equal(t, ReasonSlotOutOfRange, ve.Reason)
	})

	t.Run("occupied input rejected", func(t *testing.T) {
		g := newPair(t)
		mustAddNode(t, g, testNode(3, "Source", 0, 1))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})

		err := g.AddLink(&Link{ID: 11, Source: 3, SourceSlot: 0, Target: 2, TargetSlot: 0})
		ve, ok := IsValidation(err)
		require.True(t, ok)
		assert.Equal(t, ReasonInputOccupied, ve.Reason)
	})
}

func TestGraph_RemoveNode(t *testing.T) {
	g := New()
	mustAddNode(t, g, testNode(1, "Source", 0, 1))
	mustAddNode(t, g, testNode(2, "Mid", 1, 1))
	mustAddNode(t, g, testNode(3, "Sink", 1, 0))
	mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})
	mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0})

	g.RemoveNode(2)

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 0, g.LinkCount())
	assert.Empty(t, g.Node(1).Outputs[0].Links, "peer output slot must be unwired")
	assert.Nil(t, g.Node(3).Inputs[0].Link, "peer input slot must be unwired")
	require.NoError(t, g.Validate())
}

func TestGraph_TopoSort(t *testing.T) {
	t.Run("diamond is deterministic", func(t *testing.T) {
		// Build in reverse insertion order to prove order does not
		// depend on construction history.
		g := New()
		mustAddNode(t, g, testNode(4, "Sink", 2, 0))
		mustAddNode(t, g, testNode(3, "Right", 1, 1))
		mustAddNode(t, g, testNode(2, "Left", 1, 1))
		mustAddNode(t, g, testNode(1, "Source", 0, 2))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 11, Source: 1, SourceSlot: 1, Target: 3, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 12, Source: 2, SourceSlot: 0, Target: 4, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 13, Source: 3, SourceSlot: 0, Target: 4, TargetSlot: 1})

		order, err := g.TopoSort()
		require.NoError(t, err)
		assert.Equal(t, []NodeID{1, 2, 3, 4}, order)
	})

	t.Run("cycle is fatal with path", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "A", 1, 1))
		mustAddNode(t, g, testNode(2, "B", 1, 1))
		mustAddNode(t, g, testNode(3, "C", 1, 1))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 12, Source: 3, SourceSlot: 0, Target: 1, TargetSlot: 0})

		_, err := g.TopoSort()
		ve, ok := IsValidation(err)
		require.True(t, ok)
		assert.Equal(t, ReasonCycle, ve.Reason)
		require.GreaterOrEqual(t, len(ve.Cycle), 2)
		assert.Equal(t, ve.Cycle[0], ve.Cycle[len(ve.Cycle)-1], "path must close on itself")
	})

	t.Run("self link is a cycle", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Loop", 1, 1))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 1, TargetSlot: 0})

		_, err := g.TopoSort()
		ve, ok := IsValidation(err)
		require.True(t, ok)
		assert.Equal(t, ReasonCycle, ve.Reason)
	})
}

func TestGraph_Offset(t *testing.T) {
	g := New()
	mustAddNode(t, g, testNode(1, "Source", 0, 1))
	mustAddNode(t, g, testNode(2, "Sink", 1, 0))
	mustAddLink(t, g, &Link{ID: 5, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "MODEL"})

	shifted := g.Offset(100)

	require.NoError(t, shifted.Validate())
	require.NotNil(t, shifted.Node(101))
	require.NotNil(t, shifted.Node(102))
	l := shifted.Link(105)
	require.NotNil(t, l)
	assert.Equal(t, NodeID(101), l.Source)
	assert.Equal(t, NodeID(102), l.Target)
	assert.Equal(t, "MODEL", l.Type)

	// Original must be untouched.
	require.NotNil(t, g.Node(1))
	assert.Equal(t, int64(5), g.MaxID())
	assert.Equal(t, int64(105), shifted.MaxID())
}

func TestGraph_Clone_ConfigIsolation(t *testing.T) {
	g := New()
	n := testNode(1, "Sampler", 0, 1)
	n.Config = map[string]any{"seed": float64(42), "opts": map[string]any{"cfg": float64(7)}}
	mustAddNode(t, g, n)

	cp := g.Clone()
	cp.Node(1).Config["seed"] = float64(99)
	cp.Node(1).Config["opts"].(map[string]any)["cfg"] = float64(1)

	assert.Equal(t, float64(42), g.Node(1).Config["seed"])
	assert.Equal(t, float64(7), g.Node(1).Config["opts"].(map[string]any)["cfg"])
}
