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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLoom/services/loom/ctxstore"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	storeServerURL string // --server endpoint override
	storeOverwrite bool   // export: replace an existing destination
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// The store subcommands ls, usage, and export talk to a running
// `loom serve` instance; entries live inside that process, so there is
// nothing to inspect offline. gc is the one offline subcommand: it
// reaps scratch directories whose owning process died.
var (
	storeCmd = &cobra.Command{
		Use:   "store",
		Short: "Inspect and manage the session context store",
	}
	storeLsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List live context entries on the running server",
		Run:   runStoreList,
	}
	storeUsageCmd = &cobra.Command{
		Use:   "usage",
		Short: "Show tier occupancy of the running server's store",
		Run:   runStoreUsage,
	}
	storeExportCmd = &cobra.Command{
		Use:   "export [key] [destination]",
		Short: "Export one entry to a file or gs:// object and drop it from the store",
		Args:  cobra.ExactArgs(2),
		Run:   runStoreExport,
	}
	storeGCCmd = &cobra.Command{
		Use:   "gc",
		Short: "Remove stale scratch directories left by crashed sessions",
		Run:   runStoreGC,
	}
)

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	storeCmd.PersistentFlags().StringVar(&storeServerURL, "server", "",
		"loom serve base URL (default from config, or "+DefaultServerURL+")")
	storeExportCmd.Flags().BoolVar(&storeOverwrite, "overwrite", false,
		"Replace the destination if it already exists")

	storeCmd.AddCommand(storeLsCmd)
	storeCmd.AddCommand(storeUsageCmd)
	storeCmd.AddCommand(storeExportCmd)
	storeCmd.AddCommand(storeGCCmd)
	rootCmd.AddCommand(storeCmd)
}

// =============================================================================
// SERVER WIRE SHAPES
// =============================================================================

// storeEntryView mirrors the server's entry JSON. Tier and pass-by
// arrive as their names, so the CLI keeps them as strings.
type storeEntryView struct {
	Key       string    `json:"key"`
	PassBy    string    `json:"passBy"`
	Tier      string    `json:"tier"`
	DataType  string    `json:"dataType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runStoreList prints the live entries: a table on a terminal, the raw
// key list as JSON when piped.
func runStoreList(cmd *cobra.Command, args []string) {
	var list StoreListResult
	storeGet("/v1/context", &list)

	if !stdoutIsTerminal() {
		if err := OutputJSON(list, true); err != nil {
			fatalf("Error encoding result: %v", err)
		}
		return
	}

	if list.Count == 0 {
		fmt.Println("No live entries.")
		return
	}

	fmt.Printf("%-32s %-5s %-10s %-10s %-10s %s\n",
		"KEY", "TIER", "PASS-BY", "TYPE", "SIZE", "CREATED")
	for _, key := range list.Keys {
		var entry storeEntryView
		storeGet("/v1/context/"+url.PathEscape(key), &entry)
		fmt.Printf("%-32s %-5s %-10s %-10s %-10s %s\n",
			entry.Key,
			entry.Tier,
			entry.PassBy,
			entry.DataType,
			formatBytes(entry.Size),
			entry.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

// runStoreUsage prints tier occupancy.
func runStoreUsage(cmd *cobra.Command, args []string) {
	var usage ctxstore.Usage
	storeGet("/v1/context/usage", &usage)

	if !stdoutIsTerminal() {
		if err := OutputJSON(usage, true); err != nil {
			fatalf("Error encoding result: %v", err)
		}
		return
	}

	ramPct := 0.0
	if usage.RAMCapacityBytes > 0 {
		ramPct = 100 * float64(usage.RAMUsedBytes) / float64(usage.RAMCapacityBytes)
	}
	fmt.Printf("RAM:     %s / %s (%.1f%%)\n",
		formatBytes(usage.RAMUsedBytes), formatBytes(usage.RAMCapacityBytes), ramPct)
	fmt.Printf("Disk:    %s\n", formatBytes(usage.DiskUsedBytes))
	fmt.Printf("Entries: %d\n", usage.EntryCount)
}

// runStoreExport moves one entry to durable storage via the server.
func runStoreExport(cmd *cobra.Command, args []string) {
	key, destination := args[0], args[1]

	payload := map[string]any{
		"destination": destination,
		"overwrite":   storeOverwrite,
	}
	var resp struct {
		Status      string `json:"status"`
		Key         string `json:"key"`
		Destination string `json:"destination"`
	}
	storePost("/v1/context/"+url.PathEscape(key)+"/export", payload, &resp)

	if !stdoutIsTerminal() {
		if err := OutputJSON(resp, true); err != nil {
			fatalf("Error encoding result: %v", err)
		}
		return
	}
	fmt.Printf("Exported %s to %s\n", resp.Key, resp.Destination)
}

// runStoreGC reaps stale scratch directories. Runs offline: directories
// whose pid sentinel names a dead process are deleted, everything else
// is left alone.
func runStoreGC(cmd *cobra.Command, args []string) {
	root := cliCfg.Store.ScratchRoot
	if root == "" {
		root = os.TempDir()
	}

	removed, err := ctxstore.CleanupStale(root, cliLog.Slog())
	if err != nil {
		fatalf("Error cleaning scratch root %s: %v", root, err)
	}

	if !stdoutIsTerminal() {
		if err := OutputJSON(StoreGCResult{Removed: removed, Root: root}, true); err != nil {
			fatalf("Error encoding result: %v", err)
		}
		return
	}
	fmt.Printf("Removed %d stale session directories under %s\n", removed, root)
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// storeGet fetches one server endpoint and decodes the JSON response.
func storeGet(path string, out any) {
	baseURL := getServerBaseURL(storeServerURL)

	resp, err := http.Get(baseURL + path)
	if err != nil {
		fatalf("Error contacting %s: %v (is `loom serve` running?)", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("Error reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("Server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		fatalf("Error decoding response: %v", err)
	}
}

// storePost sends a JSON payload to one server endpoint and decodes the
// response.
func storePost(path string, payload, out any) {
	baseURL := getServerBaseURL(storeServerURL)

	data, err := json.Marshal(payload)
	if err != nil {
		fatalf("Error encoding request: %v", err)
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fatalf("Error contacting %s: %v (is `loom serve` running?)", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("Error reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("Server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		fatalf("Error decoding response: %v", err)
	}
}

// formatBytes renders a byte count in binary units.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
