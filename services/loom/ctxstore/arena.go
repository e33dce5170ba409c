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

// arena is the fixed-capacity RAM tier: one owned byte buffer per key with
// explicit acquire/release. It does no locking of its own; the Store
// serializes access under its mutex so that occupancy and entry visibility
// update atomically.
type arena struct {
	capacity int64
	used     int64
	bufs     map[string][]byte
}

func newArena(capacity int64) *arena {
	return &arena{
		capacity: capacity,
		bufs:     make(map[string][]byte),
	}
}

// fits reports whether a payload of the given size can be acquired without
// exceeding the budget. A key already holding a buffer frees it on
// replacement, so its current size counts as available.
func (a *arena) fits(key string, size int64) bool {
	avail := a.capacity - a.used
	if buf, ok := a.bufs[key]; ok {
		avail += int64(len(buf))
	}
	return size <= avail
}

// acquire copies data into a buffer owned by the arena, replacing any
// buffer the key already holds. Returns false without storing when the
// payload does not fit.
func (a *arena) acquire(key string, data []byte) bool {
	if !a.fits(key, int64(len(data))) {
		return false
	}
	a.release(key)
	buf := make([]byte, len(data))
	copy(buf, data)
	a.bufs[key] = buf
	a.used += int64(len(buf))
	return true
}

// release frees the key's buffer and returns the bytes reclaimed. Unknown
// keys are a no-op.
func (a *arena) release(key string) int64 {
	buf, ok := a.bufs[key]
	if !ok {
		return 0
	}
	delete(a.bufs, key)
	a.used -= int64(len(buf))
	return int64(len(buf))
}

// get returns the key's buffer. The slice remains owned by the arena:
// callers read it in place and must not retain it past the key's next
// release or replacement.
func (a *arena) get(key string) ([]byte, bool) {
	buf, ok := a.bufs[key]
	return buf, ok
}

// releaseAll frees every buffer.
func (a *arena) releaseAll() {
	a.bufs = make(map[string][]byte)
	a.used = 0
}
