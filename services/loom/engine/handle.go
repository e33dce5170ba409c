// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// State is a handle's lifecycle position.
type State int

const (
	// StateUninitialized is the state before the first Validate.
	StateUninitialized State = iota

	// StateReady means validation succeeded and Execute is available.
	StateReady

	// StateFailed means the last Validate failed. Validate may be
	// retried; Execute is refused.
	StateFailed

	// StateClosed is terminal.
	StateClosed
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle wraps an Engine with an explicit lifecycle and a concurrency
// cap. Every component that needs execution receives a handle; nothing
// reaches for a shared global.
//
// Lifecycle: uninitialized -> ready | failed -> closed. Validate moves
// between uninitialized/failed and ready; Close is idempotent and
// terminal.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Execute calls run in parallel
// up to the configured concurrency limit.
type Handle struct {
	mu     sync.RWMutex
	state  State
	engine Engine
	sem    *semaphore.Weighted
	log    *slog.Logger
}

// HandleOption adjusts handle construction.
type HandleOption func(*Handle)

// WithMaxConcurrent caps concurrent Execute calls. Zero or negative
// means unlimited. Engine runs dominate system latency, so callers
// typically set this from config.
func WithMaxConcurrent(n int64) HandleOption {
	return func(h *Handle) {
		if n > 0 {
			h.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLogger sets the handle's logger.
func WithLogger(log *slog.Logger) HandleOption {
	return func(h *Handle) { h.log = log }
}

// NewHandle wraps an engine in an uninitialized handle.
func NewHandle(e Engine, opts ...HandleOption) *Handle {
	h := &Handle{
		state:  StateUninitialized,
		engine: e,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Validate probes the engine and moves the handle to ready or failed.
//
// Description:
//
//	Engines implementing HealthChecker are pinged; others are assumed
//	reachable. A failed handle may be validated again (transient engine
//	outages recover without rebuilding the handle). A closed handle
//	cannot.
//
// Outputs:
//
//	error - nil and state ready; or the probe error and state failed;
//	        or ErrHandleClosed.
func (h *Handle) Validate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return ErrHandleClosed
	}

	if hc, ok := h.engine.(HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			h.state = StateFailed
			h.log.Error("engine validation failed", "error", err)
			return fmt.Errorf("engine validation: %w", err)
		}
	}
	h.state = StateReady
	return nil
}

// Execute runs a graph on the underlying engine.
//
// Inputs:
//
//	ctx - Cancels the wait; the engine call observes the cancellation.
//	g   - The graph to execute.
//
// Outputs:
//
//	Outputs - Per-node, per-slot values.
//	error   - ErrHandleClosed, ErrHandleNotReady, ctx errors, or the
//	          engine's failure.
func (h *Handle) Execute(ctx context.Context, g *graph.Graph) (Outputs, error) {
	h.mu.RLock()
	state := h.state
	eng := h.engine
	h.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil, ErrHandleClosed
	case StateReady:
		// proceed
	default:
		return nil, fmt.Errorf("handle state %s: %w", state, ErrHandleNotReady)
	}

	if h.sem != nil {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer h.sem.Release(1)
	}
	return eng.Execute(ctx, g)
}

// Close releases the handle and, when the engine itself is closable, the
// engine. Idempotent: the second and later calls are no-ops.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return nil
	}
	h.state = StateClosed

	if c, ok := h.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close engine: %w", err)
		}
	}
	return nil
}
