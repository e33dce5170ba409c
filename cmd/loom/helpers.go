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
	"context"
	"os"
	"time"

	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
)

// Fallback endpoints when neither flags, environment, nor config name
// one.
const (
	DefaultServerURL = "http://127.0.0.1:7860"
	DefaultEngineURL = "http://127.0.0.1:8188"
)

// getEngineBaseURL returns the engine endpoint for this invocation.
func getEngineBaseURL(flagValue string) string {
	// 1. Priority: explicit flag
	if flagValue != "" {
		return flagValue
	}
	// 2. Environment variable (used by tests and scripted overrides)
	if url := os.Getenv("LOOM_ENGINE_URL"); url != "" {
		return url
	}
	// 3. Config default
	if cliCfg != nil && cliCfg.Engine.BaseURL != "" {
		return cliCfg.Engine.BaseURL
	}
	return DefaultEngineURL
}

// getServerBaseURL returns the loom serve endpoint for store commands.
func getServerBaseURL(flagValue string) string {
	// 1. Priority: explicit flag
	if flagValue != "" {
		return flagValue
	}
	// 2. Environment variable (used by tests and scripted overrides)
	if url := os.Getenv("LOOM_SERVER_URL"); url != "" {
		return url
	}
	// 3. Config listen address
	if cliCfg != nil && cliCfg.Server.Addr != "" {
		return "http://" + cliCfg.Server.Addr
	}
	return DefaultServerURL
}

// newEngineHandle builds and validates a handle on the configured
// engine. Exits when the engine is unreachable; a run that cannot
// execute should fail before any graph work happens.
func newEngineHandle(ctx context.Context, urlFlag string) *engine.Handle {
	baseURL := getEngineBaseURL(urlFlag)

	client, err := engine.NewClient(engine.ClientConfig{
		BaseURL:          baseURL,
		RequestTimeout:   time.Duration(cliCfg.Engine.TimeoutSeconds) * time.Second,
		DisableWebSocket: cliCfg.Engine.DisableWebSocket,
		Logger:           cliLog.Slog(),
	})
	if err != nil {
		fatalf("Error creating engine client: %v", err)
	}

	handle := engine.NewHandle(client,
		engine.WithMaxConcurrent(cliCfg.Engine.MaxConcurrent),
		engine.WithLogger(cliLog.Slog()))
	if err := handle.Validate(ctx); err != nil {
		fatalf("Engine at %s is not reachable: %v", baseURL, err)
	}
	return handle
}
