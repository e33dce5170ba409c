// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ctxstore provides the tiered context store that carries values
// across engine runs.
//
// Values are stored per unique key as either a serialized payload
// (pass-by-value) or a minimal recipe graph that reproduces the payload by
// re-execution (pass-by-reference). Value payloads occupy a fixed-capacity
// RAM arena first and spill automatically to a per-session BadgerDB scratch
// database when the arena budget is exhausted. Reference entries are always
// RAM-resident; their recipes are small by construction.
//
// # Ownership Model
//
// A Store exclusively owns every resource it creates: arena buffers, the
// scratch database, and the scratch directory itself. Entries never outlive
// their store; Shutdown reclaims both tiers unconditionally. A scratch
// directory left behind by a crashed process carries a pid sentinel and is
// removed by CleanupStale on the next startup.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Mutations are
// linearizable per key: a completed save happens-before any later load of
// the same key, and Usage never reports a half-applied mutation. Loading a
// reference entry re-executes its recipe on the configured engine and holds
// that key's guard for the full run; unrelated keys proceed in parallel.
package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/prune"
)

// Config holds store configuration. Zero values select the defaults noted
// per field.
type Config struct {
	// RAMBudgetBytes is the absolute arena capacity. Ignored when
	// RAMBudgetPercent resolves.
	RAMBudgetBytes int64

	// RAMBudgetPercent sizes the arena as a percentage of currently free
	// system memory. Takes precedence over RAMBudgetBytes when positive
	// and the free-memory probe is available on this platform.
	RAMBudgetPercent float64

	// DiskBudgetBytes caps the disk tier. 0 means unbounded; the tier is
	// scratch space and normally bounded only by the filesystem.
	DiskBudgetBytes int64

	// ScratchRoot is where the per-session scratch directory is created.
	// Empty uses the OS temp directory.
	ScratchRoot string

	// SyncWrites forces an fsync per disk-tier write. Scratch data is
	// rebuildable, so the default is false.
	SyncWrites bool

	// GCInterval is how often the disk tier runs value log garbage
	// collection. 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a
	// value log file. Default 0.5.
	GCDiscardRatio float64

	// InMemoryDisk keeps the disk tier entirely in memory. Testing only.
	InMemoryDisk bool

	// GCSCredentialsFile is an optional service account key for gs://
	// exports. Empty uses application default credentials.
	GCSCredentialsFile string

	// Codec serializes value payloads. Nil uses JSON.
	Codec Codec

	// Engine reconstructs reference entries. Nil stores may still save
	// references, but loading one fails with ErrNoEngine.
	Engine engine.Engine

	// Logger for store events. Nil uses the default logger.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration: a quarter of free
// memory for the arena, unbounded disk, five-minute GC.
func DefaultConfig() Config {
	return Config{
		RAMBudgetPercent: 25,
		GCInterval:       5 * time.Minute,
		GCDiscardRatio:   0.5,
	}
}

// SaveOptions controls value placement for one save.
type SaveOptions struct {
	// UseRAM requests arena placement. The save spills to disk when the
	// payload does not fit the remaining budget.
	UseRAM bool

	// DataType records the link data type on the entry, for reports.
	DataType string
}

// DefaultSaveOptions returns the usual placement: RAM first, spill on
// demand.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{UseRAM: true}
}

// keyLock serializes operations touching one key. Refcounted so idle keys
// do not accumulate locks.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Store is the tiered context store. Create with New; always Shutdown.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	keyLocks map[string]*keyLock
	arena    *arena
	disk     *diskTier
	diskUsed int64
	refBytes int64
	closed   bool

	diskBudget int64
	scratch    string
	codec      Codec
	engine     engine.Engine
	objects    objectStore
	log        *slog.Logger
}

// New opens a store: resolves the RAM budget, creates the session scratch
// directory with its pid sentinel, and opens the disk tier inside it.
//
// Description:
//
//	The RAM budget comes from RAMBudgetPercent of free system memory when
//	that resolves, else from RAMBudgetBytes. The scratch directory is
//	exclusive to this store and deleted by Shutdown.
//
// Inputs:
//
//	cfg - Store configuration. See Config for defaults.
//
// Outputs:
//
//	*Store - Ready-to-use store. Caller must call Shutdown when done.
//	error - Non-nil if the budget is unresolvable or the scratch
//	        directory or disk tier cannot be created.
func New(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	budget, err := resolveRAMBudget(cfg)
	if err != nil {
		return nil, err
	}

	scratch, err := createScratch(cfg.ScratchRoot)
	if err != nil {
		return nil, err
	}

	disk, err := openDiskTier(diskConfig{
		path:           filepath.Join(scratch, "db"),
		inMemory:       cfg.InMemoryDisk,
		syncWrites:     cfg.SyncWrites,
		gcInterval:     cfg.GCInterval,
		gcDiscardRatio: cfg.GCDiscardRatio,
		logger:         log,
	})
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, err
	}

	codec := cfg.Codec
	if codec == nil {
		codec = jsonCodec{}
	}

	s := &Store{
		entries:    make(map[string]*entry),
		keyLocks:   make(map[string]*keyLock),
		arena:      newArena(budget),
		disk:       disk,
		diskBudget: cfg.DiskBudgetBytes,
		scratch:    scratch,
		codec:      codec,
		engine:     cfg.Engine,
		objects:    &gcsStore{credentialsFile: cfg.GCSCredentialsFile},
		log:        log,
	}

	log.Info("context store opened",
		slog.Int64("ram_budget_bytes", budget),
		slog.String("scratch_dir", scratch))
	return s, nil
}

// resolveRAMBudget turns the configured percent or byte cap into an arena
// capacity.
func resolveRAMBudget(cfg Config) (int64, error) {
	if cfg.RAMBudgetPercent < 0 || cfg.RAMBudgetPercent > 100 {
		return 0, fmt.Errorf("ram budget percent %.1f out of range [0, 100]", cfg.RAMBudgetPercent)
	}
	if cfg.RAMBudgetPercent > 0 {
		if free := freeSystemMemory(); free > 0 {
			return int64(float64(free) * cfg.RAMBudgetPercent / 100), nil
		}
	}
	if cfg.RAMBudgetBytes > 0 {
		return cfg.RAMBudgetBytes, nil
	}
	return 0, fmt.Errorf("ram budget unresolvable: set RAMBudgetBytes or RAMBudgetPercent on a supported platform")
}

// lockKey acquires the key's guard. Callers must pair with unlockKey.
func (s *Store) lockKey(key string) (*keyLock, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	kl, ok := s.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		s.keyLocks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return kl, nil
}

func (s *Store) unlockKey(key string, kl *keyLock) {
	kl.mu.Unlock()
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.keyLocks, key)
	}
	s.mu.Unlock()
}

// releaseLocked frees the resources behind an entry. Caller holds s.mu.
// Returns true when the caller must also delete the key from the disk tier
// after releasing the lock.
func (s *Store) releaseLocked(e *entry) bool {
	switch {
	case e.info.PassBy == PassByReference:
		s.refBytes -= e.info.Size
	case e.info.Tier == TierRAM:
		s.arena.release(e.info.Key)
	case e.info.Tier == TierDisk:
		s.diskUsed -= e.info.Size
		return true
	}
	return false
}

// Save stores a value under a key, replacing any previous entry wholesale.
//
// Description:
//
//	Serializes the value and places it in the RAM arena when UseRAM is
//	set and the payload fits the remaining budget, else in the disk
//	tier. Spilling is automatic and never an error by itself; a payload
//	that fits neither budget fails with CapacityError and leaves any
//	previous entry under the key untouched.
//
// Inputs:
//
//	ctx - Context for tracing.
//	id - Entry key.
//	value - Value to serialize. Must be encodable by the store's codec.
//	opts - Placement options. Use DefaultSaveOptions for RAM-first.
//
// Outputs:
//
//	error - Non-nil on serialization failure, CapacityError, disk write
//	        failure, or a shut-down store.
func (s *Store) Save(ctx context.Context, id string, value any, opts SaveOptions) error {
	ctx, span := startStoreSpan(ctx, "Store.Save", id)
	defer span.End()

	data, err := s.codec.Encode(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("save %q: %w", id, err)
	}
	size := int64(len(data))

	kl, err := s.lockKey(id)
	if err != nil {
		return err
	}
	defer s.unlockKey(id, kl)

	// RAM placement decides and commits in one critical section so two
	// saves can never overcommit the arena.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if opts.UseRAM && s.arena.fits(id, size) {
		old := s.entries[id]
		var diskOrphan bool
		if old != nil {
			diskOrphan = s.releaseLocked(old)
		}
		s.arena.acquire(id, data)
		s.entries[id] = &entry{info: Entry{
			Key:       id,
			PassBy:    PassByValue,
			Tier:      TierRAM,
			DataType:  opts.DataType,
			Size:      size,
			CreatedAt: time.Now(),
		}}
		disk := s.disk
		s.mu.Unlock()

		if diskOrphan && disk != nil {
			if err := disk.delete(id); err != nil {
				s.log.Warn("failed to drop replaced disk payload",
					slog.String("key", id),
					slog.String("error", err.Error()))
			}
		}
		recordSave(ctx, TierRAM, false)
		s.log.Debug("saved context entry",
			slog.String("key", id),
			slog.String("tier", TierRAM.String()),
			slog.Int64("bytes", size))
		return nil
	}

	// Disk spill. The budget check counts a same-key disk entry as
	// reclaimable since the replacement frees it.
	reclaim := int64(0)
	if old := s.entries[id]; old != nil && old.info.PassBy == PassByValue && old.info.Tier == TierDisk {
		reclaim = old.info.Size
	}
	if s.diskBudget > 0 && s.diskUsed-reclaim+size > s.diskBudget {
		capErr := &CapacityError{
			Key:          id,
			Size:         size,
			RAMCapacity:  s.arena.capacity,
			DiskCapacity: s.diskBudget,
		}
		s.mu.Unlock()
		span.RecordError(capErr)
		span.SetStatus(codes.Error, "capacity exceeded")
		return capErr
	}
	disk := s.disk
	s.mu.Unlock()

	if err := disk.put(id, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "disk write failed")
		return fmt.Errorf("save %q: %w", id, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if old := s.entries[id]; old != nil {
		s.releaseLocked(old)
	}
	s.entries[id] = &entry{info: Entry{
		Key:       id,
		PassBy:    PassByValue,
		Tier:      TierDisk,
		DataType:  opts.DataType,
		Size:      size,
		CreatedAt: time.Now(),
	}}
	s.diskUsed += size
	s.mu.Unlock()

	recordSave(ctx, TierDisk, opts.UseRAM)
	s.log.Debug("saved context entry",
		slog.String("key", id),
		slog.String("tier", TierDisk.String()),
		slog.Int64("bytes", size),
		slog.Bool("spilled", opts.UseRAM))
	return nil
}

// SaveReference stores a key as the minimal recipe that reproduces a
// value, instead of the value itself.
//
// Description:
//
//	Prunes the graph to the ancestor closure of the target slot and
//	stores the resulting recipe. Reference entries are always
//	RAM-resident and replace any previous entry under the key. Every
//	later Load re-executes the recipe on the store's engine; recipes
//	over non-deterministic subgraphs reproduce drifting values, which
//	the store does not detect.
//
// Inputs:
//
//	ctx - Context for tracing.
//	id - Entry key.
//	g - Graph the value originated from. Not retained; the recipe owns
//	    a pruned copy.
//	target - Producing node in g.
//	slot - Output slot index on the producing node.
//	dataType - Link data type recorded on the entry.
//
// Outputs:
//
//	error - Non-nil if pruning fails or the store is shut down.
func (s *Store) SaveReference(ctx context.Context, id string, g *graph.Graph, target graph.NodeID, slot int, dataType string) error {
	ctx, span := startStoreSpan(ctx, "Store.SaveReference", id)
	defer span.End()

	recipe, err := prune.Prune(g, target, slot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prune failed")
		return fmt.Errorf("save reference %q: %w", id, err)
	}
	// Recipes are accounted at their encoded size so Usage reflects what a
	// persisted session would actually carry.
	encodedBytes, err := json.Marshal(recipe)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recipe encode failed")
		return fmt.Errorf("save reference %q: %w", id, err)
	}
	encoded := int64(len(encodedBytes))

	kl, err := s.lockKey(id)
	if err != nil {
		return err
	}
	defer s.unlockKey(id, kl)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	old := s.entries[id]
	var diskOrphan bool
	if old != nil {
		diskOrphan = s.releaseLocked(old)
	}
	s.entries[id] = &entry{
		info: Entry{
			Key:       id,
			PassBy:    PassByReference,
			Tier:      TierRAM,
			DataType:  dataType,
			Size:      encoded,
			CreatedAt: time.Now(),
		},
		recipe: recipe,
	}
	s.refBytes += encoded
	disk := s.disk
	s.mu.Unlock()

	if diskOrphan && disk != nil {
		if err := disk.delete(id); err != nil {
			s.log.Warn("failed to drop replaced disk payload",
				slog.String("key", id),
				slog.String("error", err.Error()))
		}
	}
	recordSave(ctx, TierRAM, false)
	s.log.Debug("saved context reference",
		slog.String("key", id),
		slog.Int64("recipe_bytes", encoded),
		slog.Int("recipe_nodes", recipe.Graph.NodeCount()))
	return nil
}

// Load returns the value stored under a key.
//
// Description:
//
//	Value entries deserialize from their tier. Reference entries submit
//	the recipe graph to the store's engine, wait for completion, and
//	return the designated output slot; there is no memoization, so every
//	load of a reference re-executes its recipe. A failed or cancelled
//	reconstruction leaves the stored entry untouched for retry.
//
// Inputs:
//
//	ctx - Context; cancels an in-flight reconstruction.
//	id - Entry key.
//
// Outputs:
//
//	any - The stored or reproduced value.
//	error - ErrNotFound for unknown keys, ReconstructionError for engine
//	        failures, or a deserialization/disk error.
func (s *Store) Load(ctx context.Context, id string) (any, error) {
	ctx, span := startStoreSpan(ctx, "Store.Load", id)
	defer span.End()

	kl, err := s.lockKey(id)
	if err != nil {
		return nil, err
	}
	defer s.unlockKey(id, kl)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		recordLoad(ctx, PassBy(-1), true)
		return nil, fmt.Errorf("load %q: %w", id, ErrNotFound)
	}
	info := e.info
	recipe := e.recipe
	var ramData []byte
	if info.PassBy == PassByValue && info.Tier == TierRAM {
		ramData, _ = s.arena.get(id)
	}
	disk := s.disk
	s.mu.Unlock()

	switch {
	case info.PassBy == PassByReference:
		v, err := s.reconstruct(ctx, id, recipe)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconstruction failed")
			recordLoad(ctx, info.PassBy, true)
			return nil, err
		}
		recordLoad(ctx, info.PassBy, false)
		return v, nil

	case info.Tier == TierRAM:
		v, err := s.codec.Decode(ramData)
		if err != nil {
			recordLoad(ctx, info.PassBy, true)
			return nil, fmt.Errorf("load %q: %w", id, err)
		}
		recordLoad(ctx, info.PassBy, false)
		return v, nil

	default:
		data, err := disk.get(id)
		if err != nil {
			recordLoad(ctx, info.PassBy, true)
			return nil, fmt.Errorf("load %q: %w", id, err)
		}
		v, err := s.codec.Decode(data)
		if err != nil {
			recordLoad(ctx, info.PassBy, true)
			return nil, fmt.Errorf("load %q: %w", id, err)
		}
		recordLoad(ctx, info.PassBy, false)
		return v, nil
	}
}

// reconstruct re-executes a recipe and extracts the designated slot.
func (s *Store) reconstruct(ctx context.Context, id string, recipe *prune.Recipe) (any, error) {
	if s.engine == nil {
		return nil, &ReconstructionError{Key: id, Err: ErrNoEngine}
	}

	start := time.Now()
	out, err := s.engine.Execute(ctx, recipe.Graph)
	if err != nil {
		return nil, &ReconstructionError{Key: id, Err: err}
	}
	v, ok := out.Slot(recipe.Target, recipe.TargetSlot)
	if !ok {
		return nil, &ReconstructionError{
			Key: id,
			Err: fmt.Errorf("engine returned no value for node %d slot %d", recipe.Target, recipe.TargetSlot),
		}
	}
	recordReconstruction(ctx, time.Since(start))
	s.log.Debug("reconstructed context reference",
		slog.String("key", id),
		slog.Duration("took", time.Since(start)))
	return v, nil
}

// Info returns a snapshot of one entry's metadata.
func (s *Store) Info(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrStoreClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("info %q: %w", id, ErrNotFound)
	}
	return e.info, nil
}

// Keys returns every live key in lexical order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Usage reports live tier occupancy as of the most recently completed
// mutation.
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		RAMUsedBytes:     s.arena.used + s.refBytes,
		RAMCapacityBytes: s.arena.capacity,
		DiskUsedBytes:    s.diskUsed,
		EntryCount:       len(s.entries),
	}
}

// Shutdown releases every RAM buffer, closes the disk tier, and deletes
// the scratch directory.
//
// Description:
//
//	Idempotent: the first call tears the store down, later calls return
//	nil. Operations racing a shutdown fail with ErrStoreClosed or a
//	closed-database error from the disk tier.
//
// Inputs:
//
//	ctx - Context for tracing only; teardown is unconditional.
//
// Outputs:
//
//	error - First teardown failure, or nil.
func (s *Store) Shutdown(ctx context.Context) error {
	_, span := startStoreSpan(ctx, "Store.Shutdown", "")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entryCount := len(s.entries)
	s.entries = make(map[string]*entry)
	s.arena.releaseAll()
	s.refBytes = 0
	s.diskUsed = 0
	disk := s.disk
	s.disk = nil
	scratch := s.scratch
	s.scratch = ""
	s.mu.Unlock()

	var firstErr error
	if disk != nil {
		if err := disk.close(); err != nil {
			firstErr = fmt.Errorf("close disk tier: %w", err)
		}
	}
	if scratch != "" {
		if err := os.RemoveAll(scratch); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove scratch directory: %w", err)
		}
	}

	s.log.Info("context store shut down",
		slog.Int("entries_released", entryCount))
	return firstErr
}
