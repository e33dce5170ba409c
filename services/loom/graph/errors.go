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
	"errors"
	"fmt"
	"strings"
)

// === Sentinel Errors ===

var (
	// ErrNilNode indicates AddNode was called with a nil node.
	ErrNilNode = errors.New("node is nil")

	// ErrNilLink indicates AddLink was called with a nil link.
	ErrNilLink = errors.New("link is nil")

	// ErrDuplicateNode indicates a node id is already present in the graph.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrDuplicateLink indicates a link id is already present in the graph.
	ErrDuplicateLink = errors.New("duplicate link id")

	// ErrMalformedWire indicates the wire-format JSON could not be decoded
	// into a structurally valid graph.
	ErrMalformedWire = errors.New("malformed wire format")
)

// === Validation Errors ===

// Reason classifies why a graph failed validation.
type Reason int

const (
	// ReasonUnknown is the zero value and never constructed deliberately.
	ReasonUnknown Reason = iota

	// ReasonDanglingEndpoint means a link references a node id that does
	// not exist in the graph.
	ReasonDanglingEndpoint

	// ReasonSlotOutOfRange means a link references a slot index beyond
	// the endpoint node's declared slots.
	ReasonSlotOutOfRange

	// ReasonInputOccupied means two links target the same input slot.
	ReasonInputOccupied

	// ReasonWiringMismatch means a node's slot back-references disagree
	// with the link table.
	ReasonWiringMismatch

	// ReasonCycle means the graph contains a directed cycle and cannot
	// be scheduled.
	ReasonCycle
)

// String returns the human-readable name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonDanglingEndpoint:
		return "dangling_endpoint"
	case ReasonSlotOutOfRange:
		return "slot_out_of_range"
	case ReasonInputOccupied:
		return "input_occupied"
	case ReasonWiringMismatch:
		return "wiring_mismatch"
	case ReasonCycle:
		return "cycle"
	default:
		return "unknown"
	}
}

// ValidationError reports a structural defect in a graph. The stitcher
// treats every ValidationError as fatal; there is no partial stitching.
type ValidationError struct {
	// Reason classifies the defect.
	Reason Reason

	// Detail is a human-readable description naming the offending ids.
	Detail string

	// Cycle holds one representative cycle path (first node repeated at
	// the end) when Reason is ReasonCycle.
	Cycle []NodeID
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Reason == ReasonCycle && len(e.Cycle) > 0 {
		parts := make([]string, len(e.Cycle))
		for i, id := range e.Cycle {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return fmt.Sprintf("graph validation failed (%s): %s", e.Reason, strings.Join(parts, " -> "))
	}
	return fmt.Sprintf("graph validation failed (%s): %s", e.Reason, e.Detail)
}

// newValidationError constructs a ValidationError without a cycle path.
func newValidationError(reason Reason, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// IsValidation reports whether err is (or wraps) a ValidationError,
// returning it for inspection.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
