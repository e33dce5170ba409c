// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNilConfig is returned by Open when given a nil configuration.
	ErrNilConfig = errors.New("session: nil config")

	// ErrNilHandle is returned by Open when given a nil engine handle.
	ErrNilHandle = errors.New("session: nil engine handle")

	// ErrNoGraphs is returned by Run when the RunSpec names no graphs.
	ErrNoGraphs = errors.New("session: run spec contains no graphs")
)

// MissingInputError reports a residual INPUT port that neither the
// caller's inputs nor the session store could fill.
type MissingInputError struct {
	// UniqueID is the unfilled port's boundary identifier.
	UniqueID string

	// Cause is the store's load error, nil when the key was simply
	// absent.
	Cause error
}

// Error implements the error interface.
func (e *MissingInputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("input port %q: load failed: %v", e.UniqueID, e.Cause)
	}
	return fmt.Sprintf("input port %q has no supplied value and no stored entry", e.UniqueID)
}

// Unwrap returns the underlying load error, if any.
func (e *MissingInputError) Unwrap() error {
	return e.Cause
}

// UnknownOutputError reports a Collect or Persist id that matches no
// residual output port of the stitched graph.
type UnknownOutputError struct {
	UniqueID string
}

// Error implements the error interface.
func (e *UnknownOutputError) Error() string {
	return fmt.Sprintf("no output port %q in the stitched graph", e.UniqueID)
}

// CollectError reports an output port the engine produced no value for.
type CollectError struct {
	// UniqueID is the port's boundary identifier.
	UniqueID string

	// Node is the port node whose value was expected.
	Node graph.NodeID
}

// Error implements the error interface.
func (e *CollectError) Error() string {
	return fmt.Sprintf("run produced no value for output %q (node %d)", e.UniqueID, e.Node)
}
