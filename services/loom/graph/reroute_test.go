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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_EliminateReroutes(t *testing.T) {
	t.Run("single reroute with fan-out", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Reroute", 1, 1))
		mustAddNode(t, g, testNode(3, "SinkA", 1, 0))
		mustAddNode(t, g, testNode(4, "SinkB", 1, 0))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "LATENT"})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "LATENT"})
		mustAddLink(t, g, &Link{ID: 12, Source: 2, SourceSlot: 0, Target: 4, TargetSlot: 0, Type: "LATENT"})

		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Nil(t, g.Node(2))
		require.NoError(t, g.Validate())

		// Both sinks now feed directly from the source.
		for _, sink := range []NodeID{3, 4} {
			in := g.InboundLinks(sink)
			require.Len(t, in, 1)
			assert.Equal(t, NodeID(1), in[0].Source)
			assert.Equal(t, "LATENT", in[0].Type)
		}
		assert.Len(t, g.OutboundLinks(1), 2)
	})

	t.Run("chain collapses fully", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Reroute", 1, 1))
		mustAddNode(t, g, testNode(3, "Reroute", 1, 1))
		mustAddNode(t, g, testNode(4, "Sink", 1, 0))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "IMAGE"})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "IMAGE"})
		mustAddLink(t, g, &Link{ID: 12, Source: 3, SourceSlot: 0, Target: 4, TargetSlot: 0, Type: "IMAGE"})

		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.NoError(t, g.Validate())

		in := g.InboundLinks(4)
		require.Len(t, in, 1)
		assert.Equal(t, NodeID(1), in[0].Source)
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.LinkCount())
	})

	t.Run("unconnected reroute left in place", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Reroute", 1, 1))

		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.NotNil(t, g.Node(1))
	})

	t.Run("dead-end reroute removed without rewiring", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Reroute", 1, 1))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})

		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Nil(t, g.Node(2))
		assert.Equal(t, 0, g.LinkCount())
		require.NoError(t, g.Validate())
	})

	t.Run("custom type set", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "PassThrough", 1, 1))
		mustAddNode(t, g, testNode(3, "Sink", 1, 0))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0})

		// Default set ignores the node.
		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = g.EliminateReroutes("PassThrough")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, g.Validate())
	})

	t.Run("multi-slot node of reroute type is not eliminated", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Reroute", 2, 1))
		mustAddNode(t, g, testNode(3, "Sink", 1, 0))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0})

		n, err := g.EliminateReroutes()
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		require.NotNil(t, g.Node(2))
	})

	t.Run("empty link type inherits upstream tag", func(t *testing.T) {
		g := New()
		mustAddNode(t, g, testNode(1, "Source", 0, 1))
		mustAddNode(t, g, testNode(2, "Reroute", 1, 1))
		mustAddNode(t, g, testNode(3, "Sink", 1, 0))
		mustAddLink(t, g, &Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "MODEL"})
		mustAddLink(t, g, &Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: ""})

		_, err := g.EliminateReroutes()
		require.NoError(t, err)
		in := g.InboundLinks(3)
		require.Len(t, in, 1)
		assert.Equal(t, "MODEL", in[0].Type)
	})
}
