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
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// diskTier is the spill target for payloads that do not fit the RAM arena.
// It wraps a BadgerDB instance living inside the session's scratch
// directory, so the whole tier disappears with the directory on shutdown.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
type diskTier struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	log    *slog.Logger
}

// diskConfig holds tuning for the disk tier. Zero values select the
// defaults noted per field.
type diskConfig struct {
	// path is the database directory. Required unless inMemory.
	path string

	// inMemory keeps the tier entirely off disk. Testing only.
	inMemory bool

	// syncWrites forces an fsync per write. Scratch data is rebuildable,
	// so the default is false.
	syncWrites bool

	// gcInterval is how often to run value log garbage collection.
	// 0 disables GC.
	gcInterval time.Duration

	// gcDiscardRatio is the minimum garbage ratio before GC rewrites a
	// value log file. Default 0.5.
	gcDiscardRatio float64

	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openDiskTier opens the spill database and starts value log GC when
// configured. Call close when done; the caller owns directory removal.
func openDiskTier(cfg diskConfig) (*diskTier, error) {
	if !cfg.inMemory && cfg.path == "" {
		return nil, errors.New("path is required for a persistent disk tier")
	}

	var opts badger.Options
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.path, 0750); err != nil {
			return nil, fmt.Errorf("create disk tier directory %s: %w", cfg.path, err)
		}
		opts = badger.DefaultOptions(cfg.path)
	}

	opts = opts.WithSyncWrites(cfg.syncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open disk tier database: %w", err)
	}

	d := &diskTier{
		db:  db,
		log: cfg.logger,
	}

	if cfg.gcInterval > 0 && !cfg.inMemory {
		ratio := cfg.gcDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		d.stopGC = make(chan struct{})
		d.doneGC = make(chan struct{})
		go d.gcLoop(cfg.gcInterval, ratio)
	}

	return d, nil
}

// put writes a payload, replacing any previous payload under the key.
func (d *diskTier) put(key string, data []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write disk tier entry %q: %w", key, err)
	}
	return nil
}

// get reads a payload. The returned slice is a copy owned by the caller.
func (d *diskTier) get(key string) ([]byte, error) {
	var data []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read disk tier entry %q: %w", key, err)
	}
	return data, nil
}

// delete removes a payload. Unknown keys are a no-op.
func (d *diskTier) delete(key string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete disk tier entry %q: %w", key, err)
	}
	return nil
}

// close stops GC and closes the database. The scratch directory itself is
// removed by the store's shutdown.
func (d *diskTier) close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
	}
	return d.db.Close()
}

func (d *diskTier) gcLoop(interval time.Duration, ratio float64) {
	defer close(d.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing needed
			// collecting; that is not a failure.
			err := d.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				if d.log != nil {
					d.log.Debug("disk tier value log GC completed")
				}
			case !errors.Is(err, badger.ErrNoRewrite):
				if d.log != nil {
					d.log.Warn("disk tier value log GC error",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
