// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/ports"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func portNode(id graph.NodeID, uniqueID string) *graph.Node {
	n := plainNode(id, ports.DefaultPortType, 1, 1)
	n.Config = map[string]any{ports.ConfigKeyUniqueID: uniqueID}
	return n
}

// doublerGraph is: port(1, inID) as INPUT -> Double(2) -> port(3, outID)
// as OUTPUT. Feeding inID x yields outID 2x.
func doublerGraph(t *testing.T, inID, outID string) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(portNode(1, inID)))
	require.NoError(t, g.AddNode(plainNode(2, "Double", 1, 1)))
	require.NoError(t, g.AddNode(portNode(3, outID)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "FLOAT"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 3, TargetSlot: 0, Type: "FLOAT"}))
	return g
}

// constGraph is: Const(1, value) -> port(2, outID) as OUTPUT.
func constGraph(t *testing.T, outID string, value float64) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(plainNode(1, "Const", 0, 1)))
	g.Node(1).Config = map[string]any{"value": value}
	require.NoError(t, g.AddNode(portNode(2, outID)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "FLOAT"}))
	return g
}

func cyclicGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddNode(plainNode(1, "A", 1, 1)))
	require.NoError(t, g.AddNode(plainNode(2, "B", 1, 1)))
	require.NoError(t, g.AddLink(&graph.Link{ID: 10, Source: 1, SourceSlot: 0, Target: 2, TargetSlot: 0, Type: "ANY"}))
	require.NoError(t, g.AddLink(&graph.Link{ID: 11, Source: 2, SourceSlot: 0, Target: 1, TargetSlot: 0, Type: "ANY"}))
	return g
}

func wire(t *testing.T, gs ...*graph.Graph) []json.RawMessage {
	t.Helper()
	raws := make([]json.RawMessage, 0, len(gs))
	for _, g := range gs {
		data, err := g.Encode()
		require.NoError(t, err)
		raws = append(raws, data)
	}
	return raws
}

func newTestService(t *testing.T) Service {
	t.Helper()

	sim := engine.NewSimulator()
	sim.Register(ports.DefaultPortType, engine.PassthroughFunc(ports.ConfigKeyValue))
	sim.Register("Const", func(_ context.Context, n *graph.Node, _ []any) ([]any, error) {
		return []any{n.Config["value"]}, nil
	})
	sim.Register("Double", func(_ context.Context, _ *graph.Node, inputs []any) ([]any, error) {
		v, _ := inputs[0].(float64)
		return []any{v * 2}, nil
	})

	h := engine.NewHandle(sim, engine.WithLogger(quietLogger()))
	require.NoError(t, h.Validate(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	cfg := &config.Config{
		Store: config.StoreConfig{
			RAMBudgetBytes: 1 << 20,
			ScratchRoot:    t.TempDir(),
		},
	}
	sess, err := session.Open(context.Background(), cfg, h, session.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	svc, err := New(Config{Addr: "127.0.0.1:0"}, sess, WithLogger(quietLogger()))
	require.NoError(t, err)
	return svc
}

func doRequest(t *testing.T, svc Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

// === Construction ===

func TestNew_NilSession(t *testing.T) {
	_, err := New(Config{}, nil)
	require.ErrorIs(t, err, ErrNilSession)
}

func TestNew_RoutesRegistered(t *testing.T) {
	svc := newTestService(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/stitch"},
		{"POST", "/v1/runs"},
		{"GET", "/v1/context"},
		{"GET", "/v1/context/usage"},
		{"GET", "/v1/context/:key"},
		{"PUT", "/v1/context/:key"},
		{"GET", "/v1/context/:key/value"},
		{"POST", "/v1/context/:key/export"},
	}

	routes := svc.Router().Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestShutdown_BeforeRun(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestRunAndShutdown(t *testing.T) {
	svc := newTestService(t)

	done := make(chan error, 1)
	go func() { done <- svc.Run() }()

	// Give the listener a moment to bind, then stop it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, svc.Shutdown(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err, "graceful shutdown should return nil")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after Shutdown")
	}
}

// === Health and Metrics ===

func TestHealth(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "loom", body["service"])
	assert.NotEmpty(t, body["sessionId"])
}

func TestMetrics_ExporterNotActive(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// === Stitch ===

func TestStitch_ComposesGraphs(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{
		"graphs": wire(t, constGraph(t, "latents", 3.0), doublerGraph(t, "latents", "final")),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.NotNil(t, body["graph"])
	assert.NotEmpty(t, body["order"])

	inputs := body["inputs"].(map[string]any)
	assert.Empty(t, inputs, "joined boundary should leave no residual input")

	outputs := body["outputs"].(map[string]any)
	require.Contains(t, outputs, "final")
	final := outputs["final"].(map[string]any)
	assert.Equal(t, "OUTPUT", final["mode"])
	assert.Equal(t, "FLOAT", final["dataType"])
}

func TestStitch_InvalidJSON(t *testing.T) {
	svc := newTestService(t)

	req, err := http.NewRequest("POST", "/v1/stitch", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStitch_EmptyGraphs(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{"graphs": []json.RawMessage{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStitch_MalformedGraph(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{
		"graphs": []json.RawMessage{json.RawMessage(`{"nodes": "nope"}`)},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "graph 0")
}

func TestStitch_CycleRejected(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{
		"graphs": wire(t, cyclicGraph(t)),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStitch_PrunesProvidedInput(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{
		"graphs":               wire(t, doublerGraph(t, "x", "y")),
		"pruneUnmatchedInputs": true,
		"inputs":               []string{"x"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	inputs := body["inputs"].(map[string]any)
	require.Contains(t, inputs, "x")
	x := inputs["x"].(map[string]any)
	assert.Equal(t, true, x["pruned"])
}

func TestStitch_UnfilledPrunedInput(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/stitch", gin.H{
		"graphs":               wire(t, doublerGraph(t, "x", "y")),
		"pruneUnmatchedInputs": true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// === Runs ===

func TestRun_ExecutesAndReturnsValues(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/runs", gin.H{
		"graphs": wire(t, doublerGraph(t, "x", "y")),
		"inputs": gin.H{"x": 5.0},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	values := body["values"].(map[string]any)
	assert.Equal(t, 10.0, values["y"])
	assert.NotEmpty(t, body["sessionId"])
}

func TestRun_MissingInput(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/runs", gin.H{
		"graphs": wire(t, doublerGraph(t, "x", "y")),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRun_UnknownPassBy(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/runs", gin.H{
		"graphs":  wire(t, doublerGraph(t, "x", "y")),
		"inputs":  gin.H{"x": 5.0},
		"persist": gin.H{"y": gin.H{"passBy": "MAGIC"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRun_PersistsOutputs(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/runs", gin.H{
		"graphs":  wire(t, doublerGraph(t, "x", "y")),
		"inputs":  gin.H{"x": 5.0},
		"persist": gin.H{"y": gin.H{}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, svc, "GET", "/v1/context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w)["keys"], "y")

	w = doRequest(t, svc, "GET", "/v1/context/y", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "VALUE", body["passBy"])

	w = doRequest(t, svc, "GET", "/v1/context/y/value", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10.0, decodeBody(t, w)["value"])
}

func TestRun_ResolvesInputsFromStore(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "PUT", "/v1/context/x", gin.H{"value": 4.0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, svc, "POST", "/v1/runs", gin.H{
		"graphs": wire(t, doublerGraph(t, "x", "y")),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	values := decodeBody(t, w)["values"].(map[string]any)
	assert.Equal(t, 8.0, values["y"])
}

// === Context Store ===

func TestContextSave_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "PUT", "/v1/context/answer", gin.H{"value": 42.0, "dataType": "FLOAT"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "answer", body["key"])
	assert.Equal(t, "RAM", body["tier"])
	assert.Equal(t, "VALUE", body["passBy"])
	assert.Equal(t, "FLOAT", body["dataType"])

	w = doRequest(t, svc, "GET", "/v1/context/answer/value", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42.0, decodeBody(t, w)["value"])
}

func TestContextSave_OnDisk(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "PUT", "/v1/context/big", gin.H{"value": "payload", "onDisk": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "DISK", decodeBody(t, w)["tier"])
}

func TestContextInfo_NotFound(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "GET", "/v1/context/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextLoad_NotFound(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "GET", "/v1/context/missing/value", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextList_Empty(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "GET", "/v1/context", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, 0.0, body["count"])
	assert.NotNil(t, body["keys"])
}

func TestContextUsage(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "PUT", "/v1/context/k", gin.H{"value": "v"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, svc, "GET", "/v1/context/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, 1.0, body["entryCount"])
	assert.Greater(t, body["ramUsedBytes"], 0.0)
}

func TestContextExport_LocalFile(t *testing.T) {
	svc := newTestService(t)
	dest := filepath.Join(t.TempDir(), "answer.json")

	w := doRequest(t, svc, "PUT", "/v1/context/answer", gin.H{"value": 42.0})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, svc, "POST", "/v1/context/answer/export", gin.H{"destination": dest})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "42", string(bytes.TrimSpace(data)))

	// Export removes the entry from the store.
	w = doRequest(t, svc, "GET", "/v1/context/answer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextExport_NoOverwrite(t *testing.T) {
	svc := newTestService(t)
	dest := filepath.Join(t.TempDir(), "existing.json")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	w := doRequest(t, svc, "PUT", "/v1/context/k", gin.H{"value": 1.0})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, svc, "POST", "/v1/context/k/export", gin.H{"destination": dest})
	assert.Equal(t, http.StatusConflict, w.Code)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "destination must be untouched")
}

func TestContextExport_MissingDestination(t *testing.T) {
	svc := newTestService(t)

	w := doRequest(t, svc, "POST", "/v1/context/k/export", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
