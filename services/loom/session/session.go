// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session orchestrates graph runs over one engine and one
// context store.
//
// A session is the unit of iterative work: open it once, run stitched
// graph unions against the engine as many times as needed, and let
// outputs of earlier runs feed inputs of later ones through the store.
// The session resolves residual INPUT ports (caller values first, then
// stored entries), injects them into the executable union, collects
// residual outputs after execution, and persists whatever the caller
// asked to keep.
//
// # Ownership Model
//
// The session owns its context store: Open creates it, Close shuts it
// down and releases every byte it held. The engine handle is borrowed;
// callers create, validate, and close it themselves, which lets several
// sessions share one engine connection.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Concurrent Runs are
// serialized only where they contend: on store keys and on the
// handle's concurrency cap.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/ctxstore"
	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/ports"
	"github.com/AleutianAI/AleutianLoom/services/loom/stitch"
)

// loadConcurrency bounds parallel store loads during input resolution.
const loadConcurrency = 8

// Session binds an engine handle to a context store for repeated runs.
type Session struct {
	id     string
	store  *ctxstore.Store
	handle *engine.Handle
	cfg    *config.Config
	live   *config.Live
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option adjusts session behavior at Open time.
type Option func(*Session)

// WithLogger sets the session logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithLive attaches a hot-reloading configuration holder. The pass-by
// policy is then consulted on every persist decision instead of being
// frozen at Open.
func WithLive(live *config.Live) Option {
	return func(s *Session) { s.live = live }
}

// WithID overrides the generated session id. Used by tests and by
// callers that correlate sessions with external systems.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Open creates a session with its own context store.
//
// Description:
//
//	Sweeps stale scratch directories left by crashed processes, then
//	opens a store configured from cfg.Store with the handle as its
//	reconstruction engine. Reference loads therefore count against the
//	handle's concurrency cap like any other run.
//
// Inputs:
//
//	ctx - Governs store creation. Not retained.
//	cfg - Loaded configuration. Must be non-nil.
//	handle - Validated engine handle. Must be non-nil; not owned.
//	opts - Optional adjustments.
//
// Outputs:
//
//	*Session - Ready for Run. Close it to release the store.
//	error - ErrNilConfig, ErrNilHandle, or store creation failure.
func Open(ctx context.Context, cfg *config.Config, handle *engine.Handle, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if handle == nil {
		return nil, ErrNilHandle
	}

	s := &Session{
		id:     uuid.NewString(),
		handle: handle,
		cfg:    cfg,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("session_id", s.id))

	_, span := startSessionSpan(ctx, "session.Open", s.id)
	defer span.End()

	if cleaned, err := ctxstore.CleanupStale(cfg.Store.ScratchRoot, s.log); err != nil {
		s.log.Warn("scratch cleanup failed",
			slog.String("error", err.Error()))
	} else if cleaned > 0 {
		s.log.Info("removed stale scratch directories",
			slog.Int("count", cleaned))
	}

	store, err := ctxstore.New(ctxstore.Config{
		RAMBudgetBytes:     cfg.Store.RAMBudgetBytes,
		RAMBudgetPercent:   cfg.Store.RAMBudgetPercent,
		DiskBudgetBytes:    cfg.Store.DiskBudgetBytes,
		ScratchRoot:        cfg.Store.ScratchRoot,
		SyncWrites:         cfg.Store.SyncWrites,
		GCSCredentialsFile: cfg.Store.GCSCredentialsFile,
		Engine:             handle,
		Logger:             s.log,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store creation failed")
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s.store = store

	s.log.Info("session opened")
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Store exposes the session's context store for direct saves, loads,
// and exports between runs.
func (s *Session) Store() *ctxstore.Store {
	return s.store
}

// Close shuts down the session's store and releases its RAM and disk.
// Idempotent. The engine handle is left open for the caller.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.store.Shutdown(ctx)
	if err != nil {
		s.log.Warn("store shutdown reported errors",
			slog.String("error", err.Error()))
	} else {
		s.log.Info("session closed")
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// policy returns the active pass-by policy, following hot reloads when
// a live holder is attached.
func (s *Session) policy() config.PassByPolicy {
	if s.live != nil {
		return s.live.Current().Store.PassBy
	}
	return s.cfg.Store.PassBy
}

// RunSpec describes one run: what to stitch, what to feed it, and what
// to keep from it.
type RunSpec struct {
	// Graphs are stitched into one executable union, in order. Later
	// graphs consume the unique_id outputs of earlier ones.
	Graphs []*graph.Graph

	// Inputs supplies values for residual INPUT ports by unique_id.
	// Caller values take precedence over stored entries. Ids that match
	// no residual input are logged and ignored.
	Inputs map[string]any

	// Collect names the residual output ports to return by unique_id.
	// Empty collects every residual output.
	Collect []string

	// Persist names output ports to write into the session store after
	// the run, keyed by unique_id.
	Persist map[string]SaveSpec

	// StitchOptions appends stitcher options, e.g. stitch.Strict().
	StitchOptions []stitch.Option
}

// SaveSpec controls how one output is persisted.
type SaveSpec struct {
	// PassBy overrides the configured policy for this output: VALUE
	// stores the produced bytes, REFERENCE stores the reproduction
	// recipe. Empty consults the policy table by the port's data type.
	PassBy string

	// OnDisk places a VALUE entry directly on the disk tier instead of
	// RAM-first.
	OnDisk bool
}

// RunResult is the outcome of one completed run.
type RunResult struct {
	// Values holds the collected output values by unique_id.
	Values map[string]any

	// Stitched is the executed union with its boundary port maps.
	Stitched *stitch.StitchedGraph

	// Duration is the end to end run time, stitch through persist.
	Duration time.Duration
}

// Run stitches, resolves, executes, collects, and persists.
//
// Description:
//
//	The five stages in order: (1) stitch spec.Graphs into one union;
//	(2) fill each residual INPUT port from spec.Inputs or, in parallel,
//	from the store; (3) inject the values into the port nodes and
//	execute the union on the engine; (4) collect the requested output
//	values; (5) persist the outputs named in spec.Persist under the
//	active pass-by policy. Any stage failing fails the run; the store
//	is never left with partial writes because persistence is last.
//
// Inputs:
//
//	ctx - Cancels the run between and within stages.
//	spec - The run description.
//
// Outputs:
//
//	*RunResult - Collected values and the executed union.
//	error - ErrClosed, ErrNoGraphs, stitch and validation errors,
//	        *MissingInputError, *UnknownOutputError, *CollectError,
//	        engine and store failures.
func (s *Session) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(spec.Graphs) == 0 {
		return nil, ErrNoGraphs
	}

	start := time.Now()
	ctx, span := startSessionSpan(ctx, "session.Run", s.id)
	defer span.End()
	span.SetAttributes(attribute.Int("graphs", len(spec.Graphs)))

	fail := func(stage string, err error) (*RunResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		recordRun(ctx, time.Since(start), true)
		return nil, err
	}

	stitchOpts := append([]stitch.Option{stitch.WithLogger(s.log)}, spec.StitchOptions...)
	sg, err := stitch.Stitch(ctx, spec.Graphs, stitchOpts...)
	if err != nil {
		return fail("stitch failed", fmt.Errorf("stitch: %w", err))
	}

	values, err := s.resolveInputs(ctx, sg, spec.Inputs)
	if err != nil {
		return fail("input resolution failed", err)
	}
	injectInputs(sg, values)

	out, err := s.handle.Execute(ctx, sg.Graph)
	if err != nil {
		return fail("execution failed", fmt.Errorf("execute: %w", err))
	}

	collected, err := collectOutputs(sg, out, spec.Collect)
	if err != nil {
		return fail("collection failed", err)
	}

	if err := s.persistOutputs(ctx, sg, out, spec.Persist); err != nil {
		return fail("persistence failed", err)
	}

	elapsed := time.Since(start)
	recordRun(ctx, elapsed, false)
	s.log.Info("run completed",
		slog.Int("nodes", sg.Graph.NodeCount()),
		slog.Int("inputs_resolved", len(values)),
		slog.Int("outputs_collected", len(collected)),
		slog.Duration("duration", elapsed))

	return &RunResult{
		Values:   collected,
		Stitched: sg,
		Duration: elapsed,
	}, nil
}

// resolveInputs fills every residual INPUT port: caller-supplied values
// first, then parallel store loads for the rest.
func (s *Session) resolveInputs(ctx context.Context, sg *stitch.StitchedGraph, supplied map[string]any) (map[string]any, error) {
	for uid := range supplied {
		if _, ok := sg.Inputs[uid]; !ok {
			s.log.Warn("supplied input matches no residual port",
				slog.String("unique_id", uid))
		}
	}

	values := make(map[string]any, len(sg.Inputs))
	var fromStore []string
	for uid := range sg.Inputs {
		if v, ok := supplied[uid]; ok {
			values[uid] = v
			recordInputResolved(ctx, "caller")
			continue
		}
		fromStore = append(fromStore, uid)
	}
	if len(fromStore) == 0 {
		return values, nil
	}
	sort.Strings(fromStore)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, uid := range fromStore {
		uid := uid
		g.Go(func() error {
			v, err := s.store.Load(gctx, uid)
			if err != nil {
				if errors.Is(err, ctxstore.ErrNotFound) {
					return &MissingInputError{UniqueID: uid}
				}
				return &MissingInputError{UniqueID: uid, Cause: err}
			}
			mu.Lock()
			values[uid] = v
			mu.Unlock()
			recordInputResolved(gctx, "store")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// injectInputs writes each resolved value into its port node's config,
// where the engine's port implementation emits it.
func injectInputs(sg *stitch.StitchedGraph, values map[string]any) {
	for uid, v := range values {
		port, ok := sg.Inputs[uid]
		if !ok {
			continue
		}
		n := sg.Graph.Node(port.NodeID)
		if n == nil {
			continue
		}
		if n.Config == nil {
			n.Config = make(map[string]any, 1)
		}
		n.Config[ports.ConfigKeyValue] = v
	}
}

// collectOutputs extracts the requested output values from the engine's
// results. Empty ids collects every residual output.
func collectOutputs(sg *stitch.StitchedGraph, out engine.Outputs, ids []string) (map[string]any, error) {
	if len(ids) == 0 {
		ids = make([]string, 0, len(sg.Outputs))
		for uid := range sg.Outputs {
			ids = append(ids, uid)
		}
		sort.Strings(ids)
	}

	values := make(map[string]any, len(ids))
	for _, uid := range ids {
		v, err := outputValue(sg, out, uid)
		if err != nil {
			return nil, err
		}
		values[uid] = v
	}
	return values, nil
}

// outputValue reads one output port's value: the port node's slot 0,
// falling back to its feeding producer for engines that skip relay
// nodes in their results.
func outputValue(sg *stitch.StitchedGraph, out engine.Outputs, uid string) (any, error) {
	port, ok := sg.Outputs[uid]
	if !ok {
		return nil, &UnknownOutputError{UniqueID: uid}
	}
	if v, found := out.Slot(port.NodeID, 0); found {
		return v, nil
	}
	for _, l := range sg.Graph.InboundLinks(port.NodeID) {
		if v, found := out.Slot(l.Source, l.SourceSlot); found {
			return v, nil
		}
	}
	return nil, &CollectError{UniqueID: uid, Node: port.NodeID}
}

// persistOutputs writes the requested outputs into the store, choosing
// VALUE or REFERENCE per output.
func (s *Session) persistOutputs(ctx context.Context, sg *stitch.StitchedGraph, out engine.Outputs, persist map[string]SaveSpec) error {
	if len(persist) == 0 {
		return nil
	}

	ids := make([]string, 0, len(persist))
	for uid := range persist {
		ids = append(ids, uid)
	}
	sort.Strings(ids)

	for _, uid := range ids {
		save := persist[uid]
		port, ok := sg.Outputs[uid]
		if !ok {
			return &UnknownOutputError{UniqueID: uid}
		}

		passBy := save.PassBy
		if passBy == "" {
			passBy = s.policy().For(port.DataType)
		}

		switch passBy {
		case config.PassReference:
			target, slot, err := producerOf(sg, port)
			if err != nil {
				return err
			}
			if err := s.store.SaveReference(ctx, uid, sg.Graph, target, slot, port.DataType); err != nil {
				return fmt.Errorf("persist %q: %w", uid, err)
			}

		default:
			v, err := outputValue(sg, out, uid)
			if err != nil {
				return err
			}
			opts := ctxstore.SaveOptions{UseRAM: !save.OnDisk, DataType: port.DataType}
			if err := s.store.Save(ctx, uid, v, opts); err != nil {
				return fmt.Errorf("persist %q: %w", uid, err)
			}
		}
		recordOutputSaved(ctx, passBy)
		s.log.Debug("output persisted",
			slog.String("unique_id", uid),
			slog.String("pass_by", passBy),
			slog.String("data_type", port.DataType))
	}
	return nil
}

// producerOf locates the node and slot feeding an output port. Recipes
// target the producer rather than the relay port, keeping them one node
// smaller and engine-agnostic.
func producerOf(sg *stitch.StitchedGraph, port stitch.BoundaryPort) (graph.NodeID, int, error) {
	links := sg.Graph.InboundLinks(port.NodeID)
	if len(links) == 0 {
		return 0, 0, &CollectError{UniqueID: port.UniqueID, Node: port.NodeID}
	}
	return links[0].Source, links[0].SourceSlot, nil
}
