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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/ctxstore"
	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/ports"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
	"github.com/AleutianAI/AleutianLoom/services/loom/stitch"
	"github.com/AleutianAI/AleutianLoom/services/loom/telemetry"
)

// === Wire Shapes ===

// stitchRequest asks for a dry-run composition of wire-format workflows.
type stitchRequest struct {
	// Graphs are wire-format workflows, in stitch order.
	Graphs []json.RawMessage `json:"graphs" binding:"required,min=1"`

	// Inputs lists unique_ids the caller would supply at execution time.
	// Consulted by the unmatched-input prune check.
	Inputs []string `json:"inputs"`

	PruneUnmatchedInputs  bool     `json:"pruneUnmatchedInputs"`
	PruneUnmatchedOutputs bool     `json:"pruneUnmatchedOutputs"`
	Strict                bool     `json:"strict"`
	PortTypes             []string `json:"portTypes"`
}

// runRequest submits a composition for execution on the session.
type runRequest struct {
	// Graphs are wire-format workflows, in stitch order.
	Graphs []json.RawMessage `json:"graphs" binding:"required,min=1"`

	// Inputs supplies values for residual INPUT ports by unique_id.
	// Ports not named here resolve from the context store.
	Inputs map[string]any `json:"inputs"`

	// Collect names the output ports to return. Empty returns all.
	Collect []string `json:"collect"`

	// Persist names output ports to keep in the context store.
	Persist map[string]persistSpec `json:"persist"`

	Strict    bool     `json:"strict"`
	PortTypes []string `json:"portTypes"`
}

// persistSpec controls how one run output is kept in the store.
type persistSpec struct {
	// PassBy forces VALUE or REFERENCE. Empty follows the configured
	// pass-by policy for the port's data type.
	PassBy string `json:"passBy"`

	// OnDisk places a VALUE payload on the disk tier directly.
	OnDisk bool `json:"onDisk"`
}

// saveRequest parks a caller-supplied value in the context store.
type saveRequest struct {
	Value    any    `json:"value"`
	OnDisk   bool   `json:"onDisk"`
	DataType string `json:"dataType"`
}

// exportRequest moves a stored value to durable storage.
type exportRequest struct {
	// Destination is a local file path or a gs://bucket/key object.
	Destination string `json:"destination" binding:"required"`
	Overwrite   bool   `json:"overwrite"`
}

// portView is the wire shape of a boundary port.
type portView struct {
	UniqueID string   `json:"uniqueId"`
	NodeID   int64    `json:"nodeId"`
	Mode     string   `json:"mode"`
	DataType string   `json:"dataType,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Pruned   bool     `json:"pruned,omitempty"`
}

func newPortView(p stitch.BoundaryPort) portView {
	return portView{
		UniqueID: p.UniqueID,
		NodeID:   int64(p.NodeID),
		Mode:     p.Mode.String(),
		DataType: p.DataType,
		Tags:     p.Tags,
		Pruned:   p.Pruned,
	}
}

func portViews(m map[string]stitch.BoundaryPort) map[string]portView {
	views := make(map[string]portView, len(m))
	for id, p := range m {
		views[id] = newPortView(p)
	}
	return views
}

// conflictView is the wire shape of a resolved duplicate unique_id.
type conflictView struct {
	UniqueID     string `json:"uniqueId"`
	ReplacedNode int64  `json:"replacedNode"`
	WinningNode  int64  `json:"winningNode"`
}

func conflictViews(cs []ports.ConflictError) []conflictView {
	views := make([]conflictView, 0, len(cs))
	for _, c := range cs {
		views = append(views, conflictView{
			UniqueID:     c.UniqueID,
			ReplacedNode: int64(c.Existing),
			WinningNode:  int64(c.Duplicate),
		})
	}
	return views
}

// parseGraphs decodes each wire-format workflow, naming the failing index.
func parseGraphs(raws []json.RawMessage) ([]*graph.Graph, error) {
	gs := make([]*graph.Graph, 0, len(raws))
	for i, raw := range raws {
		g, err := graph.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("graph %d: %w", i, err)
		}
		gs = append(gs, g)
	}
	return gs, nil
}

// === Error Mapping ===

// statusFor maps a loom error to the HTTP status describing it. More
// specific classifications run first; wrapped causes win over their
// wrappers, so an engine failure inside an input load reports as a
// gateway problem rather than a caller mistake.
func statusFor(err error) int {
	var (
		validation *graph.ValidationError
		conflict   *ports.ConflictError
		unfilled   *stitch.UnfilledInputError
		missing    *session.MissingInputError
		unknown    *session.UnknownOutputError
		collect    *session.CollectError
		capacity   *ctxstore.CapacityError
		export     *ctxstore.ExportError
		recon      *ctxstore.ReconstructionError
	)

	switch {
	case errors.Is(err, ctxstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, ctxstore.ErrStoreClosed),
		errors.Is(err, engine.ErrHandleClosed),
		errors.Is(err, engine.ErrHandleNotReady):
		return http.StatusServiceUnavailable
	case errors.As(err, &capacity):
		return http.StatusInsufficientStorage
	case errors.As(err, &export):
		return http.StatusConflict
	case errors.As(err, &recon), errors.Is(err, engine.ErrRunFailed):
		return http.StatusBadGateway
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &missing),
		errors.As(err, &unknown),
		errors.As(err, &unfilled),
		errors.As(err, &collect),
		errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, graph.ErrMalformedWire),
		errors.Is(err, stitch.ErrNoGraphs),
		errors.Is(err, session.ErrNoGraphs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// === Handlers ===

// handleHealth reports liveness plus the session identity.
func handleHealth(sess *session.Session, started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   "loom",
			"sessionId": sess.ID(),
			"uptime":    time.Since(started).Round(time.Second).String(),
		})
	}
}

// handleMetrics serves the prometheus scrape endpoint when the exporter
// is active.
func handleMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := telemetry.MetricsHandler()
		if h == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "metrics exporter not active"})
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// handleStitch composes workflows without executing them. The response
// carries the executable union in wire format plus its boundary ports,
// so editors can inspect what a run would need and produce.
func handleStitch(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stitchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stitch request: " + err.Error()})
			return
		}

		gs, err := parseGraphs(req.Graphs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := []stitch.Option{stitch.WithLogger(log)}
		if req.PruneUnmatchedInputs {
			opts = append(opts, stitch.PruneUnmatchedInputs())
		}
		if req.PruneUnmatchedOutputs {
			opts = append(opts, stitch.PruneUnmatchedOutputs())
		}
		if req.Strict {
			opts = append(opts, stitch.Strict())
		}
		if len(req.PortTypes) > 0 {
			opts = append(opts, stitch.WithPortTypes(req.PortTypes...))
		}
		if len(req.Inputs) > 0 {
			opts = append(opts, stitch.WithProvidedInputs(req.Inputs...))
		}

		sg, err := stitch.Stitch(c.Request.Context(), gs, opts...)
		if err != nil {
			respondError(c, err)
			return
		}

		encoded, err := sg.Graph.Encode()
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"graph":     json.RawMessage(encoded),
			"inputs":    portViews(sg.Inputs),
			"outputs":   portViews(sg.Outputs),
			"order":     sg.Order,
			"conflicts": conflictViews(sg.Conflicts),
		})
	}
}

// handleRun executes a composition on the session: stitch, resolve
// inputs, execute, collect, persist.
func handleRun(sess *session.Session, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run request: " + err.Error()})
			return
		}

		gs, err := parseGraphs(req.Graphs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		persist := make(map[string]session.SaveSpec, len(req.Persist))
		for id, p := range req.Persist {
			switch p.PassBy {
			case "", config.PassValue, config.PassReference:
			default:
				c.JSON(http.StatusBadRequest, gin.H{
					"error": fmt.Sprintf("persist %q: unknown passBy %q", id, p.PassBy),
				})
				return
			}
			persist[id] = session.SaveSpec{PassBy: p.PassBy, OnDisk: p.OnDisk}
		}

		var stitchOpts []stitch.Option
		if req.Strict {
			stitchOpts = append(stitchOpts, stitch.Strict())
		}
		if len(req.PortTypes) > 0 {
			stitchOpts = append(stitchOpts, stitch.WithPortTypes(req.PortTypes...))
		}

		res, err := sess.Run(c.Request.Context(), session.RunSpec{
			Graphs:        gs,
			Inputs:        req.Inputs,
			Collect:       req.Collect,
			Persist:       persist,
			StitchOptions: stitchOpts,
		})
		if err != nil {
			log.Error("run failed", "session_id", sess.ID(), "error", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"sessionId":  sess.ID(),
			"values":     res.Values,
			"durationMs": res.Duration.Milliseconds(),
			"outputs":    portViews(res.Stitched.Outputs),
		})
	}
}

// handleContextList returns every live context key.
func handleContextList(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := sess.Store().Keys()
		if keys == nil {
			keys = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
	}
}

// handleContextUsage reports live tier occupancy.
func handleContextUsage(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sess.Store().Usage())
	}
}

// handleContextInfo returns one entry's metadata.
func handleContextInfo(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := sess.Store().Info(c.Param("key"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// handleContextSave parks a caller-supplied value in the store. Values
// travel by VALUE only; REFERENCE entries come from run persistence,
// where the producing graph is known.
func handleContextSave(sess *session.Session, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")

		var req saveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid save request: " + err.Error()})
			return
		}

		opts := ctxstore.SaveOptions{UseRAM: !req.OnDisk, DataType: req.DataType}
		if err := sess.Store().Save(c.Request.Context(), key, req.Value, opts); err != nil {
			log.Error("context save failed", "key", key, "error", err)
			respondError(c, err)
			return
		}

		info, err := sess.Store().Info(key)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// handleContextLoad materializes one entry's value. Reference entries
// re-execute their recipe on the engine; the request context bounds the
// reconstruction.
func handleContextLoad(sess *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")

		v, err := sess.Store().Load(c.Request.Context(), key)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "value": v})
	}
}

// handleContextExport moves one entry to durable storage and removes it
// from the store.
func handleContextExport(sess *session.Session, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")

		var req exportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid export request: " + err.Error()})
			return
		}

		if err := sess.Store().Export(c.Request.Context(), key, req.Destination, req.Overwrite); err != nil {
			log.Error("context export failed",
				"key", key,
				"destination", req.Destination,
				"error", err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "exported",
			"key":         key,
			"destination": req.Destination,
		})
	}
}
