// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integration exercises the whole pipeline through public
// surfaces only: workflow graphs in, stitched execution on the
// simulator, values carried between runs by the session store. No live
// engine is required; everything here is deterministic.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/ctxstore"
	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/ports"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
	"github.com/AleutianAI/AleutianLoom/services/loom/stitch"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSimulator registers the node vocabulary every graph in this file
// uses: ports, constants, and two arithmetic stages.
func newSimulator() *engine.Simulator {
	sim := engine.NewSimulator()
	sim.Register(ports.DefaultPortType, engine.PassthroughFunc(ports.ConfigKeyValue))
	sim.Register("Const", func(_ context.Context, n *graph.Node, _ []any) ([]any, error) {
		return []any{n.Config["value"]}, nil
	})
	sim.Register("Add", func(_ context.Context, _ *graph.Node, inputs []any) ([]any, error) {
		a, _ := inputs[0].(float64)
		b, _ := inputs[1].(float64)
		return []any{a + b}, nil
	})
	sim.Register("Scale", func(_ context.Context, n *graph.Node, inputs []any) ([]any, error) {
		x, _ := inputs[0].(float64)
		factor, _ := n.Config["factor"].(float64)
		return []any{x * factor}, nil
	})
	return sim
}

func newSession(t *testing.T, scratchRoot string) *session.Session {
	t.Helper()

	h := engine.NewHandle(newSimulator(), engine.WithLogger(quietLogger()))
	require.NoError(t, h.Validate(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	cfg := &config.Config{
		Store: config.StoreConfig{
			RAMBudgetBytes: 1 << 20,
			ScratchRoot:    scratchRoot,
		},
	}
	sess, err := session.Open(context.Background(), cfg, h, session.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func portNode(id graph.NodeID, uniqueID string) *graph.Node {
	return &graph.Node{
		ID:      id,
		Type:    ports.DefaultPortType,
		Inputs:  []graph.InputSlot{{Name: "in", Type: "FLOAT"}},
		Outputs: []graph.OutputSlot{{Name: "out", Type: "FLOAT"}},
		Config:  map[string]any{ports.ConfigKeyUniqueID: uniqueID},
	}
}

// constGraph produces value under the unique_id outID.
func constGraph(t *testing.T, outID string, value float64) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(&graph.Node{
		ID:      1,
		Type:    "Const",
		Outputs: []graph.OutputSlot{{Name: "value", Type: "FLOAT"}},
		Config:  map[string]any{"value": value},
	}))
	require.NoError(t, g.AddNode(portNode(2, outID)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "FLOAT"}))
	return g
}

// scaleGraph consumes inID and produces inID*factor under outID.
func scaleGraph(t *testing.T, inID, outID string, factor float64) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(portNode(1, inID)))
	require.NoError(t, g.AddNode(&graph.Node{
		ID:      2,
		Type:    "Scale",
		Inputs:  []graph.InputSlot{{Name: "x", Type: "FLOAT"}},
		Outputs: []graph.OutputSlot{{Name: "y", Type: "FLOAT"}},
		Config:  map[string]any{"factor": factor},
	}))
	require.NoError(t, g.AddNode(portNode(3, outID)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "FLOAT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "FLOAT"}))
	return g
}

// sumGraph consumes aID and bID and produces their sum under outID.
func sumGraph(t *testing.T, aID, bID, outID string) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(portNode(1, aID)))
	require.NoError(t, g.AddNode(portNode(2, bID)))
	require.NoError(t, g.AddNode(&graph.Node{
		ID:   3,
		Type: "Add",
		Inputs: []graph.InputSlot{
			{Name: "a", Type: "FLOAT"},
			{Name: "b", Type: "FLOAT"},
		},
		Outputs: []graph.OutputSlot{{Name: "sum", Type: "FLOAT"}},
	}))
	require.NoError(t, g.AddNode(portNode(4, outID)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "FLOAT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 1, Type: "FLOAT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 12, Source: 3, SourceSlot: 0, Target: 4, TargetSlot: 0, Type: "FLOAT"}))
	return g
}

// TestWorkflow_ValuesCarryAcrossRuns is the product's core story: run a
// producing workflow once, keep its output in the session store, and
// have later runs consume it by unique_id without resupplying it.
func TestWorkflow_ValuesCarryAcrossRuns(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, t.TempDir())

	t.Log("run 1: produce the base value and persist it by reference")
	res, err := sess.Run(ctx, session.RunSpec{
		Graphs:  []*graph.Graph{constGraph(t, "base", 5)},
		Persist: map[string]session.SaveSpec{"base": {PassBy: config.PassReference}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Values["base"])

	info, err := sess.Store().Info("base")
	require.NoError(t, err)
	assert.Equal(t, ctxstore.PassByReference, info.PassBy)
	assert.Equal(t, ctxstore.TierRAM, info.Tier, "reference recipes stay RAM-resident")

	t.Log("run 2: consume the stored value; the recipe re-executes on demand")
	res, err = sess.Run(ctx, session.RunSpec{
		Graphs: []*graph.Graph{scaleGraph(t, "base", "scaled", 3)},
		Persist: map[string]session.SaveSpec{
			"scaled": {PassBy: config.PassValue, OnDisk: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 15.0, res.Values["scaled"])

	info, err = sess.Store().Info("scaled")
	require.NoError(t, err)
	assert.Equal(t, ctxstore.TierDisk, info.Tier)

	usage := sess.Store().Usage()
	assert.Positive(t, usage.DiskUsedBytes)
	assert.Equal(t, 2, usage.EntryCount)

	t.Log("export the derived value to a local file, removing it from the store")
	dest := filepath.Join(t.TempDir(), "scaled.json")
	require.NoError(t, sess.Store().Export(ctx, "scaled", dest, false))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "15", strings.TrimSpace(string(data)))

	_, err = sess.Store().Info("scaled")
	assert.ErrorIs(t, err, ctxstore.ErrNotFound)
}

// TestWorkflow_MultiGraphComposition stitches three graphs in one run:
// two producers feeding a consumer through unique_id joins.
func TestWorkflow_MultiGraphComposition(t *testing.T) {
	sess := newSession(t, t.TempDir())

	res, err := sess.Run(context.Background(), session.RunSpec{
		Graphs: []*graph.Graph{
			constGraph(t, "a", 2),
			constGraph(t, "b", 3),
			sumGraph(t, "a", "b", "sum"),
		},
		Collect: []string{"sum"},
	})
	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.Equal(t, 5.0, res.Values["sum"])
	assert.NotEmpty(t, res.Stitched.Order)
}

// TestWorkflow_StrictRejectsDuplicates covers both duplicate policies:
// strict composition fails, default composition lets the last
// definition win.
func TestWorkflow_StrictRejectsDuplicates(t *testing.T) {
	sess := newSession(t, t.TempDir())
	graphs := func() []*graph.Graph {
		return []*graph.Graph{
			constGraph(t, "x", 1),
			constGraph(t, "x", 2),
		}
	}

	_, err := sess.Run(context.Background(), session.RunSpec{
		Graphs:        graphs(),
		StitchOptions: []stitch.Option{stitch.Strict()},
	})
	var conflict *ports.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "x", conflict.UniqueID)

	res, err := sess.Run(context.Background(), session.RunSpec{
		Graphs:  graphs(),
		Collect: []string{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Values["x"], "last definition wins by default")
}

// TestWorkflow_CrashRecovery simulates a crashed process's leftovers:
// opening a new session sweeps dead scratch directories and leaves live
// ones alone.
func TestWorkflow_CrashRecovery(t *testing.T) {
	root := t.TempDir()

	writeSentinel := func(dir string, pid int) {
		require.NoError(t, os.MkdirAll(dir, 0o700))
		data, err := json.Marshal(map[string]any{
			"pid":       pid,
			"startedAt": time.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "loom.pid"), data, 0o600))
	}

	stale := filepath.Join(root, "loom-crashed")
	writeSentinel(stale, 999999999) // beyond pid_max on any supported system
	require.NoError(t, os.WriteFile(filepath.Join(stale, "leftover.bin"), []byte("x"), 0o600))

	live := filepath.Join(root, "loom-live")
	writeSentinel(live, os.Getpid())

	sess := newSession(t, root)
	defer func() { _ = sess.Close(context.Background()) }()

	_, err := os.Stat(stale)
	assert.True(t, errors.Is(err, os.ErrNotExist), "dead session directory must be swept at open")
	assert.DirExists(t, live, "directory owned by a live process must survive")
}
