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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLoom/services/loom/config"
	"github.com/AleutianAI/AleutianLoom/services/loom/session"
	"github.com/AleutianAI/AleutianLoom/services/loom/stitch"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runInputs    []string      // --input key=value assignments
	runCollect   []string      // Output unique_ids to return (default: all)
	runPersist   []string      // Outputs to keep in the session store
	runExports   []string      // --export key=destination pairs
	runOverwrite bool          // Replace existing export destinations
	runOnDisk    bool          // Place persisted VALUE entries on the disk tier
	runStrict    bool          // Reject duplicate unique_ids
	runPortTypes []string      // Extra node types treated as ports
	runEngineURL string        // Engine endpoint override
	runTimeout   time.Duration // Overall deadline, 0 means none
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd stitches the given workflow files and executes the union on
// the configured engine in a one-shot session.
//
// # Examples
//
//	loom run flow.json --input prompt="a harbor at dawn"
//	loom run base.json detail.json --collect final
//	loom run flow.json --export image=./out.png
//	loom run flow.json --input steps=30 --timeout 5m
var runCmd = &cobra.Command{
	Use:   "run [workflow.json ...]",
	Short: "Stitch workflow files and execute them on the engine",
	Long: `Run composes the given workflow graph files, fills their residual
INPUT ports from --input values, executes the union on the configured
engine, and prints the collected output values as JSON.

Outputs named by --export are persisted and then written to a local
file or gs:// object, for values too large to print. The run's store is
released when the command exits, so --persist on its own only matters
for pass-by and tier control of exported outputs; state that outlives
an invocation needs a persistent session (see loom serve).`,
	Args: cobra.MinimumNArgs(1),
	Run:  runRunCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil,
		"Residual input value as key=value; value parsed as JSON when possible (repeatable)")
	runCmd.Flags().StringArrayVar(&runCollect, "collect", nil,
		"Output unique_id to return; default returns every residual output (repeatable)")
	runCmd.Flags().StringArrayVar(&runPersist, "persist", nil,
		"Output to keep in the session store, as id or id=VALUE|REFERENCE (repeatable)")
	runCmd.Flags().StringArrayVar(&runExports, "export", nil,
		"Output to write out after the run, as id=path or id=gs://bucket/object (repeatable)")
	runCmd.Flags().BoolVar(&runOverwrite, "overwrite", false,
		"Replace existing --export destinations")
	runCmd.Flags().BoolVar(&runOnDisk, "on-disk", false,
		"Write persisted VALUE entries to the disk tier instead of RAM")
	runCmd.Flags().BoolVar(&runStrict, "strict", false,
		"Fail on duplicate unique_ids instead of letting the last definition win")
	runCmd.Flags().StringArrayVar(&runPortTypes, "port-type", nil,
		"Additional node type to treat as a port node (repeatable)")
	runCmd.Flags().StringVar(&runEngineURL, "engine", "",
		"Engine base URL (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"Overall deadline for the run, e.g. 5m (default none)")

	rootCmd.AddCommand(runCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runRunCommand executes one stitched run end to end.
func runRunCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	graphs := readWorkflowFiles(args)

	inputs, err := parseInputAssignments(runInputs)
	if err != nil {
		fatalf("Error: %v", err)
	}
	persist, err := parsePersistSpecs(runPersist, runOnDisk)
	if err != nil {
		fatalf("Error: %v", err)
	}
	exports, err := parseExportSpecs(runExports)
	if err != nil {
		fatalf("Error: %v", err)
	}
	// An exported output must be in the store after the run; the
	// pass-by policy decides VALUE vs REFERENCE unless --persist says.
	for id := range exports {
		if _, ok := persist[id]; !ok {
			if persist == nil {
				persist = make(map[string]session.SaveSpec)
			}
			persist[id] = session.SaveSpec{OnDisk: runOnDisk}
		}
	}

	handle := newEngineHandle(ctx, runEngineURL)
	defer handle.Close()

	sess, err := session.Open(ctx, cliCfg, handle, session.WithLogger(cliLog.Slog()))
	if err != nil {
		fatalf("Error opening session: %v", err)
	}

	var stitchOpts []stitch.Option
	if runStrict {
		stitchOpts = append(stitchOpts, stitch.Strict())
	}
	if len(runPortTypes) > 0 {
		stitchOpts = append(stitchOpts, stitch.WithPortTypes(runPortTypes...))
	}

	res, err := sess.Run(ctx, session.RunSpec{
		Graphs:        graphs,
		Inputs:        inputs,
		Collect:       runCollect,
		Persist:       persist,
		StitchOptions: stitchOpts,
	})
	if err != nil {
		// Close before exiting so the scratch directory does not wait
		// for a later `loom store gc`.
		_ = sess.Close(context.Background())
		fatalf("Run failed: %v", err)
	}

	for _, id := range sortedKeys(exports) {
		if err := sess.Store().Export(ctx, id, exports[id], runOverwrite); err != nil {
			_ = sess.Close(context.Background())
			fatalf("Export of %q failed: %v", id, err)
		}
		cliLog.Info("exported output", "unique_id", id, "destination", exports[id])
	}

	out := RunValuesResult{
		SessionID:  sess.ID(),
		DurationMs: res.Duration.Milliseconds(),
		Values:     res.Values,
	}
	if err := OutputJSON(out, !stdoutIsTerminal()); err != nil {
		_ = sess.Close(context.Background())
		fatalf("Error encoding result: %v", err)
	}

	if err := sess.Close(context.Background()); err != nil {
		cliLog.Warn("session close failed", "error", err)
	}
}

// parseInputAssignments turns --input key=value pairs into run inputs.
// Values are decoded as JSON when they parse (numbers, booleans, arrays,
// objects, quoted strings); anything else is taken as a literal string.
func parseInputAssignments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --input %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

// parsePersistSpecs turns --persist id[=VALUE|REFERENCE] entries into
// save specs. A bare id defers to the configured pass-by policy for the
// port's data type.
func parsePersistSpecs(specs []string, onDisk bool) (map[string]session.SaveSpec, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	persist := make(map[string]session.SaveSpec, len(specs))
	for _, spec := range specs {
		id, passBy, _ := strings.Cut(spec, "=")
		if id == "" {
			return nil, fmt.Errorf("invalid --persist %q: want id or id=VALUE|REFERENCE", spec)
		}
		passBy = strings.ToUpper(passBy)
		switch passBy {
		case "", config.PassValue, config.PassReference:
		default:
			return nil, fmt.Errorf("invalid --persist %q: pass-by must be VALUE or REFERENCE", spec)
		}
		persist[id] = session.SaveSpec{PassBy: passBy, OnDisk: onDisk}
	}
	return persist, nil
}

// parseExportSpecs turns --export id=destination pairs into an export
// plan. Destinations are local paths or gs:// URLs.
func parseExportSpecs(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	exports := make(map[string]string, len(specs))
	for _, spec := range specs {
		id, dest, found := strings.Cut(spec, "=")
		if !found || id == "" || dest == "" {
			return nil, fmt.Errorf("invalid --export %q: want id=destination", spec)
		}
		exports[id] = dest
	}
	return exports, nil
}

// sortedKeys returns a map's keys in stable order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
