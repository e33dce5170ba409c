// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"os"

	"github.com/mattn/go-isatty"
)

// stdoutIsTerminal reports whether stdout is an interactive terminal.
// Terminals get indented JSON; pipes get one compact document per
// result so downstream tools can consume it directly.
func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// OutputJSON writes structured data as JSON to stdout.
//
// # Inputs
//
//   - data: The data to encode. Must be JSON-serializable.
//   - compact: If true, output without indentation.
//
// # Outputs
//
//   - error: Non-nil if encoding fails.
func OutputJSON(data any, compact bool) error {
	encoder := json.NewEncoder(os.Stdout)
	if !compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RunValuesResult is the `loom run` output shape.
type RunValuesResult struct {
	SessionID  string         `json:"sessionId"`
	DurationMs int64          `json:"durationMs"`
	Values     map[string]any `json:"values"`
}

// StoreListResult is the `loom store ls` output shape.
type StoreListResult struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// StoreGCResult is the `loom store gc` output shape.
type StoreGCResult struct {
	Removed int    `json:"removed"`
	Root    string `json:"root"`
}
