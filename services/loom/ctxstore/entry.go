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
	"time"

	"github.com/AleutianAI/AleutianLoom/services/loom/prune"
)

// Tier identifies where an entry's payload physically lives.
type Tier int

const (
	// TierRAM places the payload in the in-process byte arena.
	TierRAM Tier = iota

	// TierDisk places the payload in the session's disk scratch database.
	TierDisk
)

// String returns the tier name for logs and reports.
func (t Tier) String() string {
	switch t {
	case TierRAM:
		return "RAM"
	case TierDisk:
		return "DISK"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the tier as its name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// PassBy identifies how an entry reproduces its value on load.
type PassBy int

const (
	// PassByValue stores the serialized value itself.
	PassByValue PassBy = iota

	// PassByReference stores a minimal recipe graph whose re-execution
	// reproduces the value.
	PassByReference
)

// String returns the policy name for logs and reports.
func (p PassBy) String() string {
	switch p {
	case PassByValue:
		return "VALUE"
	case PassByReference:
		return "REFERENCE"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the policy as its name.
func (p PassBy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Entry describes one stored context entry. Returned by Info; treat as a
// read-only snapshot.
type Entry struct {
	// Key is the entry's unique identifier.
	Key string `json:"key"`

	// PassBy is the reproduction strategy: VALUE or REFERENCE.
	PassBy PassBy `json:"passBy"`

	// Tier is the payload's physical placement. Reference entries are
	// always RAM-resident.
	Tier Tier `json:"tier"`

	// DataType is the caller-declared link data type, when known.
	DataType string `json:"dataType,omitempty"`

	// Size is the serialized payload size in bytes. For reference entries
	// this is the encoded recipe size, not the reproduced value's size.
	Size int64 `json:"size"`

	// CreatedAt is when the entry was last written.
	CreatedAt time.Time `json:"createdAt"`
}

// entry is the store-internal record behind an Entry snapshot. Payload
// bytes live in the arena (RAM tier) or the scratch database (disk tier);
// reference entries keep their decoded recipe here.
type entry struct {
	info   Entry
	recipe *prune.Recipe
}

// Usage reports live tier occupancy. Counters reflect the most recently
// completed mutation; an in-flight save or export is never visible.
type Usage struct {
	// RAMUsedBytes is arena occupancy plus resident recipe bytes.
	RAMUsedBytes int64 `json:"ramUsedBytes"`

	// RAMCapacityBytes is the configured arena budget.
	RAMCapacityBytes int64 `json:"ramCapacityBytes"`

	// DiskUsedBytes is the sum of disk-tier payload sizes.
	DiskUsedBytes int64 `json:"diskUsedBytes"`

	// EntryCount is the number of live entries across both tiers.
	EntryCount int `json:"entryCount"`
}

// MB converts a byte count to mebibytes.
func MB(bytes int64) float64 {
	return float64(bytes) / (1 << 20)
}

// GB converts a byte count to gibibytes.
func GB(bytes int64) float64 {
	return float64(bytes) / (1 << 30)
}
