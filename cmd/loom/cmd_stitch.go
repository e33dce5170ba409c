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
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/stitch"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	stitchOutputPath   string   // Write the stitched graph here instead of stdout
	stitchProvided     []string // unique_ids the caller will supply values for
	stitchPruneInputs  bool     // Drop port nodes for provided inputs
	stitchPruneOutputs bool     // Drop uncollected output port nodes
	stitchStrict       bool     // Reject duplicate unique_ids instead of last-wins
	stitchPortTypes    []string // Extra node types to treat as ports
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// stitchCmd composes workflow files without executing anything. The
// stitched graph goes to stdout (or --output); the residual boundary
// ports are summarized on stderr so redirection stays clean.
//
// # Examples
//
//	loom stitch base.json detail.json              # Composite to stdout
//	loom stitch base.json detail.json -o out.json  # Composite to file
//	loom stitch a.json b.json --provide prompt --prune-inputs
var stitchCmd = &cobra.Command{
	Use:   "stitch [workflow.json ...]",
	Short: "Compose workflow graph files into one executable graph",
	Long: `Stitch joins two or more workflow graph files by their port nodes:
an OUTPUT port in one graph feeds every INPUT port sharing its unique_id
in the others. Reroute nodes are eliminated, node and link ids are
renumbered to stay disjoint, and the result is validated acyclic.

The composed graph is written to stdout (or --output) as workflow JSON,
ready for loom run or for any engine client.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runStitchCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	stitchCmd.Flags().StringVarP(&stitchOutputPath, "output", "o", "",
		"Write the stitched graph to this file instead of stdout")
	stitchCmd.Flags().StringArrayVar(&stitchProvided, "provide", nil,
		"unique_id whose value the caller will supply at run time (repeatable)")
	stitchCmd.Flags().BoolVar(&stitchPruneInputs, "prune-inputs", false,
		"Remove port nodes for inputs named by --provide")
	stitchCmd.Flags().BoolVar(&stitchPruneOutputs, "prune-outputs", false,
		"Remove port nodes for outputs nothing consumes")
	stitchCmd.Flags().BoolVar(&stitchStrict, "strict", false,
		"Fail on duplicate unique_ids instead of letting the last definition win")
	stitchCmd.Flags().StringArrayVar(&stitchPortTypes, "port-type", nil,
		"Additional node type to treat as a port node (repeatable)")

	rootCmd.AddCommand(stitchCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runStitchCommand reads, composes, and emits the graphs.
func runStitchCommand(cmd *cobra.Command, args []string) {
	graphs := readWorkflowFiles(args)

	opts := []stitch.Option{stitch.WithLogger(cliLog.Slog())}
	if stitchPruneInputs {
		opts = append(opts, stitch.PruneUnmatchedInputs())
	}
	if stitchPruneOutputs {
		opts = append(opts, stitch.PruneUnmatchedOutputs())
	}
	if stitchStrict {
		opts = append(opts, stitch.Strict())
	}
	if len(stitchPortTypes) > 0 {
		opts = append(opts, stitch.WithPortTypes(stitchPortTypes...))
	}
	if len(stitchProvided) > 0 {
		opts = append(opts, stitch.WithProvidedInputs(stitchProvided...))
	}

	sg, err := stitch.Stitch(context.Background(), graphs, opts...)
	if err != nil {
		fatalf("Error stitching graphs: %v", err)
	}

	printBoundarySummary(sg)

	// Indent only for a human watching a terminal; files and pipes get
	// the compact wire form.
	var encoded []byte
	if stitchOutputPath == "" && stdoutIsTerminal() {
		encoded, err = sg.Graph.EncodeIndent()
	} else {
		encoded, err = sg.Graph.Encode()
	}
	if err != nil {
		fatalf("Error encoding stitched graph: %v", err)
	}

	if stitchOutputPath != "" {
		if err := os.WriteFile(stitchOutputPath, append(encoded, '\n'), 0o644); err != nil {
			fatalf("Error writing %s: %v", stitchOutputPath, err)
		}
		cliLog.Info("stitched graph written",
			"path", stitchOutputPath,
			"graphs", len(graphs),
			"nodes", len(sg.Order))
		return
	}
	fmt.Println(string(encoded))
}

// readWorkflowFiles parses each path as workflow JSON, failing fast with
// the offending filename.
func readWorkflowFiles(paths []string) []*graph.Graph {
	graphs := make([]*graph.Graph, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("Error reading %s: %v", path, err)
		}
		g, err := graph.Parse(data)
		if err != nil {
			fatalf("Error parsing %s: %v", path, err)
		}
		graphs = append(graphs, g)
	}
	return graphs
}

// printBoundarySummary lists the residual ports on stderr. Suppressed
// under --quiet so pipelines see nothing but the graph itself.
func printBoundarySummary(sg *stitch.StitchedGraph) {
	if quietLogs {
		return
	}
	for _, id := range sortedPortIDs(sg.Inputs) {
		p := sg.Inputs[id]
		suffix := ""
		if p.Pruned {
			suffix = " (provided)"
		}
		fmt.Fprintf(os.Stderr, "input  %-24s %s%s\n", id, p.DataType, suffix)
	}
	for _, id := range sortedPortIDs(sg.Outputs) {
		p := sg.Outputs[id]
		fmt.Fprintf(os.Stderr, "output %-24s %s\n", id, p.DataType)
	}
	for i := range sg.Conflicts {
		c := &sg.Conflicts[i]
		fmt.Fprintf(os.Stderr, "warning: duplicate unique_id %q, node %d replaces node %d\n",
			c.UniqueID, c.Duplicate, c.Existing)
	}
}

// sortedPortIDs returns the map keys in lexical order for stable output.
func sortedPortIDs(m map[string]stitch.BoundaryPort) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
