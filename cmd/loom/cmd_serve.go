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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLoom/pkg/logging"
	"github.com/AleutianAI/AleutianLoom/services/loom/api"
	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/engine"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
	"github.com/AleutianAI/AleutianLoom/services/loom/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	serveAddr      string // Listen address override
	serveEngineURL string // Engine endpoint override
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// serveCmd keeps one session alive behind a local HTTP API, so context
// entries survive across client invocations and other tools can stitch
// and run without linking Loom.
//
// # Examples
//
//	loom serve                         # Listen on the configured address
//	loom serve --addr 127.0.0.1:9000   # Override the listen address
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local Loom API server with a persistent session",
	Long: `Serve opens one long-lived session and exposes it over a local HTTP
API: stitching, running, and the context store surface. The process
holds the session's RAM arena and scratch directory; stopping it with
SIGINT or SIGTERM drains in-flight requests and releases both.

The server binds a loopback address and carries no authentication. Do
not point it at an interface other machines can reach.`,
	Args: cobra.NoArgs,
	Run:  runServeCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (default from config, or 127.0.0.1:7860)")
	serveCmd.Flags().StringVar(&serveEngineURL, "engine", "",
		"Engine base URL (default from config)")

	rootCmd.AddCommand(serveCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runServeCommand wires telemetry, engine, session, and API together
// and runs until signalled.
func runServeCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The server keeps a file trail alongside stderr; one-shot commands
	// do not.
	srvLog := logging.New(logging.Config{
		Level:   logLevelFromFlags(),
		LogDir:  "~/.aleutian/logs",
		Service: "loom-api",
		Quiet:   quietLogs,
	})
	defer srvLog.Close()
	cliLog = srvLog

	telShutdown := initServeTelemetry(ctx)
	defer telShutdown()

	engineURL := getEngineBaseURL(serveEngineURL)
	client, err := engine.NewClient(engine.ClientConfig{
		BaseURL:          engineURL,
		RequestTimeout:   time.Duration(cliCfg.Engine.TimeoutSeconds) * time.Second,
		DisableWebSocket: cliCfg.Engine.DisableWebSocket,
		Logger:           srvLog.Slog(),
	})
	if err != nil {
		fatalf("Error creating engine client: %v", err)
	}

	handle := engine.NewHandle(client,
		engine.WithMaxConcurrent(cliCfg.Engine.MaxConcurrent),
		engine.WithLogger(srvLog.Slog()))
	defer handle.Close()

	// A down engine does not stop the server: the store surface stays
	// useful and runs are refused until validation succeeds.
	if err := handle.Validate(ctx); err != nil {
		srvLog.Warn("engine unreachable, retrying in background",
			"engine", engineURL, "error", err)
		go revalidateEngine(ctx, handle, srvLog)
	}

	// Pass-by policy edits in loom.yaml apply to running sessions.
	live := config.NewLive(cliCfg)
	cfgPath := resolvedConfigPath()
	go func() {
		if err := config.Watch(ctx, cfgPath, live, srvLog.Slog()); err != nil {
			srvLog.Warn("config watch unavailable", "path", cfgPath, "error", err)
		}
	}()

	sess, err := session.Open(ctx, cliCfg, handle,
		session.WithLogger(srvLog.Slog()),
		session.WithLive(live))
	if err != nil {
		fatalf("Error opening session: %v", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cliCfg.Server.Addr
	}
	svc, err := api.New(api.Config{Addr: addr, GinMode: "release"}, sess,
		api.WithLogger(srvLog.Slog()))
	if err != nil {
		_ = sess.Close(context.Background())
		fatalf("Error creating API server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	srvLog.Info("loom api listening",
		"addr", addr,
		"engine", engineURL,
		"session_id", sess.ID())

	select {
	case err := <-errCh:
		// Bind failures land here before any signal does.
		_ = sess.Close(context.Background())
		fatalf("Server error: %v", err)
	case <-ctx.Done():
	}

	srvLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		srvLog.Warn("server shutdown failed", "error", err)
	}
	if err := sess.Close(shutdownCtx); err != nil {
		srvLog.Warn("session close failed", "error", err)
	}
}

// logLevelFromFlags maps the persistent verbosity flag to a level.
func logLevelFromFlags() logging.Level {
	if verbose {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

// resolvedConfigPath names the config file this invocation loaded.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	path, err := config.DefaultPath()
	if err != nil {
		return ""
	}
	return path
}

// initServeTelemetry installs the OTel providers per the config file and
// returns a shutdown hook for the deferred exit path.
func initServeTelemetry(ctx context.Context) func() {
	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = "loom-api"
	telCfg.ServiceVersion = version
	if cliCfg.Telemetry.Exporter != "" {
		telCfg.TraceExporter = cliCfg.Telemetry.Exporter
	}
	if cliCfg.Telemetry.Endpoint != "" {
		telCfg.OTLPEndpoint = cliCfg.Telemetry.Endpoint
	}

	telShutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		fatalf("Error initializing telemetry: %v", err)
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telShutdown(flushCtx); err != nil {
			cliLog.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// revalidateEngine retries Validate until the engine answers or the
// server stops. While the handle is failed, run requests are refused
// with a not-ready error.
func revalidateEngine(ctx context.Context, handle *engine.Handle, log *logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handle.Validate(ctx); err == nil {
				log.Info("engine reachable")
				return
			}
		}
	}
}
