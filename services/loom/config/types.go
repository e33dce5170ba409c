// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and watches the Loom configuration file.
//
// The file lives at ~/.aleutian/loom.yaml and is created with defaults on
// first run. The pass-by policy table can be hot-reloaded while a session
// is running; everything else is read at startup.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Pass-by policy names as they appear in the config file.
const (
	PassValue     = "VALUE"
	PassReference = "REFERENCE"
)

// loomValidate is the validator instance for config types.
var loomValidate *validator.Validate

func init() {
	loomValidate = validator.New()
}

// Config is the root of loom.yaml.
type Config struct {
	// Engine is the external execution engine endpoint.
	Engine EngineConfig `yaml:"engine"`

	// Store configures the tiered context store.
	Store StoreConfig `yaml:"context_store"`

	// Server configures the local API server (loom serve).
	Server ServerConfig `yaml:"server"`

	// Telemetry configures trace export and the metrics endpoint.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig points Loom at the node-graph execution engine.
type EngineConfig struct {
	// BaseURL is the engine's HTTP endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// TimeoutSeconds bounds a single HTTP request. 0 uses the client
	// default.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`

	// MaxConcurrent caps simultaneous runs submitted to the engine.
	// 0 means unlimited.
	MaxConcurrent int64 `yaml:"max_concurrent" validate:"gte=0"`

	// DisableWebSocket forces run completion to be observed by polling.
	DisableWebSocket bool `yaml:"disable_websocket"`
}

// StoreConfig sizes the context store's tiers and sets pass-by policy.
type StoreConfig struct {
	// RAMBudgetPercent sizes the RAM tier as a percentage of free system
	// memory. Takes precedence over RAMBudgetBytes when positive.
	RAMBudgetPercent float64 `yaml:"ram_budget_percent" validate:"gte=0,lte=100"`

	// RAMBudgetBytes is the absolute RAM tier cap.
	RAMBudgetBytes int64 `yaml:"ram_budget_bytes" validate:"gte=0"`

	// DiskBudgetBytes caps the disk tier. 0 means unbounded.
	DiskBudgetBytes int64 `yaml:"disk_budget_bytes" validate:"gte=0"`

	// ScratchRoot is where session scratch directories are created.
	// Empty uses the OS temp directory.
	ScratchRoot string `yaml:"scratch_root"`

	// SyncWrites forces an fsync per disk-tier write.
	SyncWrites bool `yaml:"sync_writes"`

	// GCSCredentialsFile is a service account key for gs:// exports.
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	// PassBy maps link data types to their default reproduction strategy.
	PassBy PassByPolicy `yaml:"pass_by"`
}

// PassByPolicy decides VALUE versus REFERENCE per link data type. Large
// engine-side objects (models, encoders) default to REFERENCE so the store
// carries a recipe instead of gigabytes; everything else travels by value.
type PassByPolicy struct {
	// Default applies to data types absent from Types.
	Default string `yaml:"default" validate:"omitempty,oneof=VALUE REFERENCE"`

	// Types overrides the default per data type, keyed case-insensitively.
	Types map[string]string `yaml:"types" validate:"dive,oneof=VALUE REFERENCE"`
}

// For returns the policy for a data type: the per-type override when
// present, else the default, else VALUE.
func (p PassByPolicy) For(dataType string) string {
	if v, ok := p.Types[strings.ToUpper(dataType)]; ok {
		return v
	}
	if p.Default != "" {
		return p.Default
	}
	return PassValue
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	// Addr is the listen address for loom serve.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// Exporter selects the span exporter: none, stdout, or otlp.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := loomValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Default returns the first-run configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			BaseURL:        "http://127.0.0.1:8188",
			TimeoutSeconds: 30,
			MaxConcurrent:  4,
		},
		Store: StoreConfig{
			RAMBudgetPercent: 25,
			PassBy: PassByPolicy{
				Default: PassValue,
				Types: map[string]string{
					"MODEL": PassReference,
					"CLIP":  PassReference,
					"VAE":   PassReference,
				},
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7860",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}
