// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Live holds the active configuration and swaps it atomically on reload.
// Readers call Current on every policy decision, so an edit to the pass-by
// table takes effect on the next save without restarting the session.
type Live struct {
	v atomic.Pointer[Config]
}

// NewLive wraps a loaded configuration for hot reload.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.v.Store(cfg)
	return l
}

// Current returns the active configuration. The returned value must be
// treated as read-only; reloads replace it wholesale.
func (l *Live) Current() *Config {
	return l.v.Load()
}

// Swap replaces the active configuration. Watch uses it on reload;
// callers may use it to apply a programmatic override.
func (l *Live) Swap(cfg *Config) {
	l.v.Store(cfg)
}

// Watch re-reads the config file on change and swaps it into live.
//
// Description:
//
//	Watches the file's directory (editors replace files by rename, which
//	drops a watch on the file itself) and reloads on any write, create,
//	or rename event naming the config file. A file that fails to parse
//	or validate is logged and ignored; the previous configuration stays
//	active. Blocks until ctx is done.
//
// Inputs:
//
//	ctx - Cancels the watch.
//	path - Config file to watch.
//	live - Holder receiving reloaded configurations.
//	log - Logger for reload events. Nil uses the default logger.
//
// Outputs:
//
//	error - Non-nil if the watcher cannot be created or the directory
//	        cannot be watched.
func Watch(ctx context.Context, path string, live *Live, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := LoadPath(path)
			if err != nil {
				log.Warn("ignoring config reload",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			live.Swap(cfg)
			log.Info("config reloaded",
				slog.String("path", path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error",
				slog.String("error", err.Error()))
		}
	}
}
