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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// === Sentinel Errors ===

var (
	// ErrMissingUniqueID indicates a port node has no unique_id config
	// value, or the value is not a non-empty string.
	ErrMissingUniqueID = errors.New("port node missing unique_id")

	// ErrDanglingPort indicates a port node with neither side connected.
	// Such a port can neither provide nor capture a value, so resolution
	// rejects it rather than guessing a mode.
	ErrDanglingPort = errors.New("port node connected on neither side")
)

// ConflictError reports two port nodes claiming the same unique_id within
// one resolution pass. Under the default last-wins policy the conflict is
// recorded and resolution continues; under Strict it is returned as the
// resolution error.
type ConflictError struct {
	// UniqueID is the contested identifier.
	UniqueID string

	// Existing is the node that held the id first.
	Existing graph.NodeID

	// Duplicate is the node that claimed it afterwards. Under last-wins
	// this node keeps the id.
	Duplicate graph.NodeID
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate port unique_id %q: node %d and node %d",
		e.UniqueID, e.Existing, e.Duplicate)
}
