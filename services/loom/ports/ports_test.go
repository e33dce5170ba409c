// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ports

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// plainNode builds a non-port node with in inputs and out outputs.
func plainNode(id graph.NodeID, typ string, in, out int) *graph.Node {
	n := &graph.Node{ID: id, Type: typ}
	for i := 0; i < in; i++ {
		n.Inputs = append(n.Inputs, graph.InputSlot{Name: "in", Type: "ANY"})
	}
	for i := 0; i < out; i++ {
		n.Outputs = append(n.Outputs, graph.OutputSlot{Name: "out", Type: "ANY"})
	}
	return n
}

// portNode builds a port node with one input and one output slot.
func portNode(id graph.NodeID, uniqueID string) *graph.Node {
	n := plainNode(id, DefaultPortType, 1, 1)
	n.Config = map[string]any{ConfigKeyUniqueID: uniqueID}
	return n
}

func TestResolve_Modes(t *testing.T) {
	// source(1) -> passthru(2) -> sink(3); input(4) -> sink2(5);
	// source2(6) -> output(7)
	g := graph.New()
	require.NoError(t, g.AddNode(plainNode(1, "Source", 0, 1)))
	require.NoError(t, g.AddNode(portNode(2, "state")))
	require.NoError(t, g.AddNode(plainNode(3, "Sink", 1, 0)))
	require.NoError(t, g.AddNode(portNode(4, "seed")))
	require.NoError(t, g.AddNode(plainNode(5, "Sink", 1, 0)))
	require.NoError(t, g.AddNode(plainNode(6, "Source", 0, 1)))
	require.NoError(t, g.AddNode(portNode(7, "result")))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "LATENT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "LATENT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 12, Source: 4, SourceSlot: 0, Target: 5, TargetSlot: 0, Type: "INT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 13, Source: 6, SourceSlot: 0, Target: 7, TargetSlot: 0, Type: "IMAGE"}))

	res, err := Resolve(g, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.Len(t, res.Ports, 3)

	state := res.Ports["state"]
	assert.Equal(t, ModePassthru, state.Mode)
	assert.Equal(t, "LATENT", state.DataType)
	assert.Equal(t, graph.NodeID(2), state.NodeID)

	seed := res.Ports["seed"]
	assert.Equal(t, ModeInput, seed.Mode)
	assert.Equal(t, "INT", seed.DataType)

	result := res.Ports["result"]
	assert.Equal(t, ModeOutput, result.Mode)
	assert.Equal(t, "IMAGE", result.DataType)

	assert.Empty(t, res.Mismatches)
	assert.Empty(t, res.Conflicts)
}

func TestResolve_DanglingPort(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(portNode(1, "orphan")))

	_, err := Resolve(g, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrDanglingPort)
}

func TestResolve_UniqueIDValidation(t *testing.T) {
	cases := []struct {
		name   string
		config map[string]any
	}{
		{"missing key", map[string]any{}},
		{"empty string", map[string]any{ConfigKeyUniqueID: ""}},
		{"non-string", map[string]any{ConfigKeyUniqueID: 42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := graph.New()
			n := plainNode(1, DefaultPortType, 1, 1)
			n.Config = tc.config
			require.NoError(t, g.AddNode(n))
			require.NoError(t, g.AddNode(plainNode(2, "Sink", 1, 0)))
			require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0}))

			_, err := Resolve(g, WithLogger(quietLogger()))
			require.ErrorIs(t, err, ErrMissingUniqueID)
		})
	}
}

func TestResolve_DuplicateUniqueID(t *testing.T) {
	build := func(t *testing.T) *graph.Graph {
		g := graph.New()
		require.NoError(t, g.AddNode(plainNode(1, "Source", 0, 2)))
		require.NoError(t, g.AddNode(portNode(2, "dup")))
		require.NoError(t, g.AddNode(portNode(3, "dup")))
		require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "A"}))
		require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 1, SourceSlot: 1, Target: 3, TargetSlot: 0, Type: "B"}))
		return g
	}

	t.Run("last wins by default", func(t *testing.T) {
		res, err := Resolve(build(t), WithLogger(quietLogger()))
		require.NoError(t, err)

		port := res.Ports["dup"]
		assert.Equal(t, graph.NodeID(3), port.NodeID, "later definition wins")
		assert.Equal(t, "B", port.DataType)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, graph.NodeID(2), res.Conflicts[0].Existing)
		assert.Equal(t, graph.NodeID(3), res.Conflicts[0].Duplicate)
	})

	t.Run("strict rejects", func(t *testing.T) {
		_, err := Resolve(build(t), WithStrict(), WithLogger(quietLogger()))
		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "dup", ce.UniqueID)
	})
}

func TestResolve_PassthruMismatch(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(plainNode(1, "Source", 0, 1)))
	require.NoError(t, g.AddNode(portNode(2, "state")))
	require.NoError(t, g.AddNode(plainNode(3, "Sink", 1, 0)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "LATENT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "IMAGE"}))

	res, err := Resolve(g, WithLogger(quietLogger()))
	require.NoError(t, err, "mismatch is advisory, not fatal")
	require.Len(t, res.Mismatches, 1)
	m := res.Mismatches[0]
	assert.Equal(t, "state", m.UniqueID)
	assert.Equal(t, "LATENT", m.Expected)
	assert.Equal(t, "IMAGE", m.Actual)

	// Inbound tag wins for the port itself.
	assert.Equal(t, "LATENT", res.Ports["state"].DataType)
}

func TestResolve_CustomPortTypes(t *testing.T) {
	g := graph.New()
	n := plainNode(1, "BoundaryPin", 1, 1)
	n.Config = map[string]any{ConfigKeyUniqueID: "x"}
	require.NoError(t, g.AddNode(n))
	require.NoError(t, g.AddNode(plainNode(2, "Sink", 1, 0)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0}))

	res, err := Resolve(g, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Empty(t, res.Ports, "unknown type is not a port")

	res, err = Resolve(g, WithPortTypes("BoundaryPin"), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.Len(t, res.Ports, 1)
	assert.Equal(t, ModeInput, res.Ports["x"].Mode)
}

func TestResolve_Tags(t *testing.T) {
	g := graph.New()
	n := portNode(1, "tagged")
	n.Config[ConfigKeyTags] = []any{"persistent", "large", 7}
	require.NoError(t, g.AddNode(n))
	require.NoError(t, g.AddNode(plainNode(2, "Sink", 1, 0)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0}))

	res, err := Resolve(g, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"persistent", "large"}, res.Ports["tagged"].Tags,
		"non-string entries are skipped")
}
