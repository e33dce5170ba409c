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
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLoom/pkg/logging"
	"github.com/AleutianAI/AleutianLoom/services/loom/config"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	verbose    bool
	quietLogs  bool

	// cliCfg and cliLog are populated by rootCmd's PersistentPreRun and
	// are valid inside every command's Run function.
	cliCfg *config.Config
	cliLog *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "loom",
		Short: "A cli to stitch and run node-graph workflows on a local engine",
		Long: `Loom composes modular workflow graphs into one executable graph,
				runs it on a node-graph execution engine, and keeps intermediate
				values available between runs in a session context store.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "version" {
				return // version works without a config file
			}
			loadCLIConfig()
			initCLILogging()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the loom config file (default ~/.aleutian/loom.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVarP(&quietLogs, "quiet", "q", false,
		"Suppress stderr logging; command output still goes to stdout")

	rootCmd.AddCommand(versionCmd)
}

// loadCLIConfig resolves configuration for this invocation. The default
// path is created with defaults on first run, so a missing file is not
// an error; an unreadable or invalid one is.
func loadCLIConfig() {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatalf("Error loading configuration: %v", err)
	}
	cliCfg = cfg
}

// initCLILogging builds the process logger and installs it as the slog
// default so library packages pick it up.
func initCLILogging() {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	cliLog = logging.New(logging.Config{
		Level:   level,
		Service: "loom",
		Quiet:   quietLogs,
	})
	slog.SetDefault(cliLog.Slog())
}

// fatalf reports an unrecoverable CLI error to stderr and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
