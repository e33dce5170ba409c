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
)

// Codec serializes context values for tier placement. Implementations must
// be safe for concurrent use.
type Codec interface {
	// Name identifies the codec in entry metadata and exports.
	Name() string

	// Encode serializes a value.
	Encode(v any) ([]byte, error)

	// Decode reverses Encode. The returned value uses the codec's natural
	// Go shapes (for JSON: float64 numbers, map[string]any objects).
	Decode(data []byte) (any, error)
}

// jsonCodec is the default codec. JSON keeps exported payloads readable and
// round-trips every config-shaped value the graph layer produces.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return v, nil
}
