// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ctxstore

import (
	"errors"
	"fmt"
)

// === Sentinel Errors ===

var (
	// ErrNotFound indicates a load, info, or export of a key the store does
	// not hold. Local to the failing call; the store remains usable.
	ErrNotFound = errors.New("context entry not found")

	// ErrStoreClosed indicates an operation on a store after Shutdown.
	ErrStoreClosed = errors.New("context store is shut down")

	// ErrNoEngine indicates a reference load on a store that was opened
	// without an execution engine. Reference entries cannot be materialized
	// without one.
	ErrNoEngine = errors.New("no execution engine configured")
)

// CapacityError reports a save whose payload cannot be placed on any tier:
// it does not fit the remaining RAM budget and the disk tier has a byte cap
// that the payload would exceed. The error is local to the save; existing
// entries are untouched.
type CapacityError struct {
	// Key is the entry that could not be placed.
	Key string

	// Size is the serialized payload size in bytes.
	Size int64

	// RAMCapacity and DiskCapacity are the configured tier budgets.
	RAMCapacity  int64
	DiskCapacity int64
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("entry %q (%d bytes) exceeds combined storage budget (ram %d bytes, disk %d bytes)",
		e.Key, e.Size, e.RAMCapacity, e.DiskCapacity)
}

// ExportError reports a failed export. Reference entries are not
// self-contained and always fail; value entries fail when the destination
// already exists without overwrite, or when the write itself errors.
type ExportError struct {
	// Key is the entry being exported.
	Key string

	// Dest is the requested destination (local path or gs:// URL).
	Dest string

	// Reason describes the failure when no underlying error exists.
	Reason string

	// Err is the underlying write error, if any.
	Err error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exporting %q to %s: %v", e.Key, e.Dest, e.Err)
	}
	return fmt.Sprintf("exporting %q to %s: %s", e.Key, e.Dest, e.Reason)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// ReconstructionError reports a failed re-execution of a reference entry's
// recipe. The stored entry is left intact so the caller may retry once the
// engine recovers.
type ReconstructionError struct {
	// Key is the reference entry being loaded.
	Key string

	// Err is the engine failure.
	Err error
}

// Error implements the error interface.
func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("reconstructing %q: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ReconstructionError) Unwrap() error {
	return e.Err
}
