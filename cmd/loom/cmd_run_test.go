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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
)

func TestParseInputAssignments(t *testing.T) {
	inputs, err := parseInputAssignments([]string{
		"steps=30",
		"cfg=7.5",
		"enabled=true",
		`prompt="a harbor at dawn"`,
		"raw=plain text",
		`size={"w":512,"h":512}`,
		"expr=a=b",
		"empty=",
	})
	require.NoError(t, err)

	assert.Equal(t, float64(30), inputs["steps"])
	assert.Equal(t, 7.5, inputs["cfg"])
	assert.Equal(t, true, inputs["enabled"])
	assert.Equal(t, "a harbor at dawn", inputs["prompt"])
	assert.Equal(t, "plain text", inputs["raw"])
	assert.Equal(t, map[string]any{"w": float64(512), "h": float64(512)}, inputs["size"])
	assert.Equal(t, "a=b", inputs["expr"], "only the first = separates key from value")
	assert.Equal(t, "", inputs["empty"])
}

func TestParseInputAssignments_Invalid(t *testing.T) {
	_, err := parseInputAssignments([]string{"noequals"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")

	_, err = parseInputAssignments([]string{"=5"})
	require.Error(t, err)
}

func TestParseInputAssignments_Empty(t *testing.T) {
	inputs, err := parseInputAssignments(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)
}

func TestParsePersistSpecs(t *testing.T) {
	persist, err := parsePersistSpecs([]string{
		"latents",
		"final=VALUE",
		"model=reference",
	}, true)
	require.NoError(t, err)
	require.Len(t, persist, 3)

	assert.Equal(t, session.SaveSpec{PassBy: "", OnDisk: true}, persist["latents"],
		"bare id defers to the policy table")
	assert.Equal(t, session.SaveSpec{PassBy: config.PassValue, OnDisk: true}, persist["final"])
	assert.Equal(t, session.SaveSpec{PassBy: config.PassReference, OnDisk: true}, persist["model"],
		"pass-by names are case-insensitive")
}

func TestParsePersistSpecs_UnknownPassBy(t *testing.T) {
	_, err := parsePersistSpecs([]string{"x=MAGIC"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALUE or REFERENCE")
}

func TestParsePersistSpecs_EmptyID(t *testing.T) {
	_, err := parsePersistSpecs([]string{"=VALUE"}, false)
	require.Error(t, err)
}

func TestParsePersistSpecs_Empty(t *testing.T) {
	persist, err := parsePersistSpecs(nil, false)
	require.NoError(t, err)
	assert.Nil(t, persist)
}

func TestParseExportSpecs(t *testing.T) {
	exports, err := parseExportSpecs([]string{
		"image=./out.png",
		"latents=gs://bucket/run-7/latents.bin",
		"report=/tmp/report=v2.json",
	})
	require.NoError(t, err)
	require.Len(t, exports, 3)

	assert.Equal(t, "./out.png", exports["image"])
	assert.Equal(t, "gs://bucket/run-7/latents.bin", exports["latents"])
	assert.Equal(t, "/tmp/report=v2.json", exports["report"],
		"only the first = separates id from destination")
}

func TestParseExportSpecs_Invalid(t *testing.T) {
	for _, spec := range []string{"noequals", "=dest", "id="} {
		_, err := parseExportSpecs([]string{spec})
		require.Error(t, err, "spec %q", spec)
		assert.Contains(t, err.Error(), "id=destination")
	}
}

func TestParseExportSpecs_Empty(t *testing.T) {
	exports, err := parseExportSpecs(nil)
	require.NoError(t, err)
	assert.Nil(t, exports)
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Empty(t, sortedKeys(nil))
}
