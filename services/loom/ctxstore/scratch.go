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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// scratchPrefix names per-session scratch directories under the
	// scratch root.
	scratchPrefix = "loom-"

	// sentinelName is the ownership marker inside each scratch directory.
	sentinelName = "loom.pid"
)

// sentinel records which process owns a scratch directory. Startup cleanup
// removes directories whose recorded pid no longer exists.
type sentinel struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// createScratch makes a fresh session scratch directory under root and
// marks it with this process's sentinel.
func createScratch(root string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, scratchPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create scratch directory %s: %w", dir, err)
	}

	s := sentinel{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode scratch sentinel: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sentinelName), data, 0600); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write scratch sentinel: %w", err)
	}
	return dir, nil
}

// readSentinel loads a scratch directory's ownership marker.
func readSentinel(dir string) (*sentinel, error) {
	data, err := os.ReadFile(filepath.Join(dir, sentinelName))
	if err != nil {
		return nil, err
	}
	var s sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scratch sentinel: %w", err)
	}
	return &s, nil
}

// CleanupStale removes leftover scratch directories from crashed sessions.
//
// Description:
//
//	Scans the scratch root for session directories whose pid sentinel
//	points at a process that no longer exists, and removes them. A
//	directory with a missing or unreadable sentinel is skipped: it may
//	belong to a session mid-creation. Intended to run once at startup
//	before any store is opened.
//
// Inputs:
//
//	root - Scratch root to scan. Empty uses the OS temp directory.
//	log - Logger for cleanup events. Nil uses the default logger.
//
// Outputs:
//
//	int - Number of stale directories removed.
//	error - Non-nil if the root cannot be read. Per-directory removal
//	        failures are logged and skipped.
func CleanupStale(root string, log *slog.Logger) (int, error) {
	if root == "" {
		root = os.TempDir()
	}
	if log == nil {
		log = slog.Default()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch root %s: %w", root, err)
	}

	cleaned := 0
	for _, ent := range entries {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), scratchPrefix) {
			continue
		}
		dir := filepath.Join(root, ent.Name())

		s, err := readSentinel(dir)
		if err != nil {
			log.Warn("skipping scratch directory without readable sentinel",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		if isProcessAlive(s.PID) {
			continue
		}

		log.Info("removing stale scratch directory",
			slog.String("dir", dir),
			slog.Int("old_pid", s.PID))
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove stale scratch directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
