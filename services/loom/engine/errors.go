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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// === Sentinel Errors ===

var (
	// ErrHandleClosed indicates an operation on a closed handle. Closed
	// is terminal; create a new handle instead.
	ErrHandleClosed = errors.New("engine handle is closed")

	// ErrHandleNotReady indicates Execute was called before a successful
	// Validate, or after validation failed.
	ErrHandleNotReady = errors.New("engine handle is not ready")

	// ErrRunFailed indicates the engine accepted the graph but the run
	// ended in failure. The wrapping error carries the engine's message.
	ErrRunFailed = errors.New("engine run failed")

	// ErrUnknownNodeType indicates the simulator has no registered
	// function for a node's type.
	ErrUnknownNodeType = errors.New("no function registered for node type")
)

// RunError reports the failing node of a simulator run.
type RunError struct {
	// Node is the node whose function returned an error.
	Node graph.NodeID

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("node %d failed: %v", e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}
