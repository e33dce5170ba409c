// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package ctxstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// isProcessAlive checks if a process exists using kill -0.
//
// Signal 0 doesn't actually send anything, just checks whether the process
// exists and we may signal it. EPERM still means the process is alive.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(unix.Signal(0))
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
