// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stitch

import (
	"errors"
	"fmt"
)

// === Sentinel Errors ===

var (
	// ErrNoGraphs indicates Stitch was called with an empty graph list.
	ErrNoGraphs = errors.New("no graphs to stitch")
)

// UnfilledInputError reports an unmatched INPUT port that was asked to be
// pruned while no caller-supplied value fills it. Pruning such a port
// would silently sever its consumers' only input path, so stitching fails
// instead.
type UnfilledInputError struct {
	// UniqueID is the boundary identifier of the unfilled port.
	UniqueID string

	// Consumers are the input endpoints that would have been severed.
	Consumers []Endpoint
}

// Error implements the error interface.
func (e *UnfilledInputError) Error() string {
	return fmt.Sprintf("unmatched INPUT port %q has no supplied value (%d consumers would be severed)",
		e.UniqueID, len(e.Consumers))
}
