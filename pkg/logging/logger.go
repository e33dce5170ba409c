// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for Loom components.
//
// The same logger serves the loom CLI and the loom API server, so it is
// layered: stderr for interactive use, an optional JSON log file for
// long-running sessions, and an exporter hook for deployments that ship
// logs somewhere central.
//
//   - Default: stderr output, text format (Unix CLI conventions)
//   - Optional: per-day JSON log files under a configured directory
//   - Extension: LogExporter for cloud or aggregator upload
//
// # Architecture
//
// Everything is built on the standard library slog package. A fan-out
// handler writes each record to every configured destination:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Logger                              │
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
//	│  │   stderr    │  │  log file   │  │   LogExporter       │ │
//	│  │  (default)  │  │  (optional) │  │   (extension)       │ │
//	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
//	└─────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
// For CLI commands that log to stderr:
//
//	logger := logging.Default()
//	logger.Info("stitched graphs", "graphs", 3, "nodes", stitched.Graph.NodeCount())
//	logger.Error("run failed", "error", err)
//
// # File Logging
//
// Long sessions and the API server keep a file trail:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/logs", // ~ expands to the home directory
//	    Service: "loom",
//	})
//	defer logger.Close() // flushes and closes the file
//
// Files are named `{service}_{date}.log` and always JSON.
//
// # Export
//
// Implement LogExporter to forward entries to an external system. The
// exporter receives LogEntry values asynchronously and should buffer
// internally; export failures never disrupt local logging.
//
//	logger := logging.New(logging.Config{
//	    Level:    logging.LevelInfo,
//	    Service:  "loom-api",
//	    Exporter: exporter,
//	})
//
// # Log Levels
//
// Four levels, matching slog conventions:
//
//   - Debug: tracing execution (port resolution decisions, tier moves)
//   - Info: normal operations (run started, entry spilled, config reloaded)
//   - Warn: recoverable issues (duplicate unique_id, websocket fallback)
//   - Error: operation failures the process survives
//
// # Thread Safety
//
// Logger is safe for concurrent use. Mutable state is mutex-protected
// and the underlying slog.Logger is itself thread-safe.
//
// # Security Considerations
//
// Nothing here redacts. Callers must keep credentials and user content
// out of log attributes:
//
//	// BAD: logs the credential path contents
//	logger.Info("gcs", "key", string(keyBytes))
//
//	// GOOD: log presence only
//	logger.Info("gcs", "credentials_configured", keyPath != "")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is log severity, ordered Debug < Info < Warn < Error. Setting a
// minimum level discards everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	LevelInfo

	// LevelWarn is for unexpected but survivable situations.
	LevelWarn

	// LevelError is for failed operations where the process continues.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library's slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value writes Info and
// above to stderr as text, which is what one-shot CLI commands want.
type Config struct {
	// Level is the minimum level to emit.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging in the given directory. Logs then go
	// to both stderr and a file named "{Service}_{YYYY-MM-DD}.log". The
	// directory is created with 0750 permissions if missing. A leading
	// ~ expands to the home directory.
	// Default: "" (file logging disabled)
	LogDir string

	// Service names the component in every entry's "service" attribute.
	// Loom uses "loom" for the CLI and "loom-api" for the server.
	// Default: "" (no service attribute)
	Service string

	// JSON switches stderr output from text to JSON. File output is
	// always JSON regardless; files exist for machines.
	// Default: false
	JSON bool

	// Quiet drops the stderr destination. Logs still reach the file and
	// exporter when configured. Used when the CLI prints graph JSON to
	// stdout and must keep stderr noise out of shell pipelines.
	// Default: false
	Quiet bool

	// Exporter, when set, receives every emitted entry asynchronously.
	// Export failures are dropped; local logging never blocks on it.
	// Default: nil
	Exporter LogExporter
}

// =============================================================================
// Export Extension
// =============================================================================

// LogExporter forwards log entries to an external system: object
// storage, a log aggregator, or a collector.
//
// Implementations must not block in Export; buffer internally and batch
// uploads. Flush sends everything buffered and is called on shutdown,
// followed by Close.
type LogExporter interface {
	// Export sends one entry. Called asynchronously per entry with a
	// short-timeout context; errors are logged nowhere and never
	// propagate to the logging call site.
	Export(ctx context.Context, entry LogEntry) error

	// Flush blocks until all buffered entries are sent. Called during
	// graceful shutdown with a bounded context.
	Flush(ctx context.Context) error

	// Close releases exporter resources after Flush.
	Close() error
}

// LogEntry is the exporter-facing form of one log record.
type LogEntry struct {
	// Timestamp when the entry was generated (local time).
	Timestamp time.Time

	// Level of the entry.
	Level Level

	// Message is the primary log message.
	Message string

	// Service is Config.Service at emit time.
	Service string

	// Attrs holds the key-value attributes of the entry.
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a multi-destination structured logger.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines.
//
// # Resource Management
//
// Close the logger when file logging or an exporter is configured:
//
//	logger := logging.New(cfg)
//	defer logger.Close()
//
// With derives child loggers carrying extra attributes:
//
//	runLog := logger.With("run_id", runID)
//	runLog.Info("execution started") // includes run_id
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger from the configuration.
//
// Description:
//
//	Assembles the destination set: stderr unless Quiet, a per-day JSON
//	file when LogDir is set, and the exporter when configured. File
//	setup failures degrade silently to the remaining destinations; a
//	logger is always returned.
//
// Inputs:
//
//	config - Destination and level settings.
//
// Outputs:
//
//	*Logger - Ready to use. Close it to flush file and exporter.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "loom"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// File logs are always JSON.
				fileHandler := slog.NewJSONHandler(file, opts)
				handlers = append(handlers, fileHandler)
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs a sink for error visibility.
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger with CLI defaults: Info level, text to
// stderr, service "loom".
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "loom",
	})
}

// Debug logs at Debug level with slog-style key-value args.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at Info level with slog-style key-value args.
//
// Example:
//
//	logger.Info("run completed",
//	    "run_id", runID,
//	    "duration_ms", elapsed.Milliseconds(),
//	)
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at Warn level with slog-style key-value args.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at Error level with slog-style key-value args. For fatal
// conditions, follow with os.Exit; the logger never terminates the
// process itself.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child logger carrying additional attributes. The
// parent is not modified; file handle and exporter are shared.
//
// Example:
//
//	sessLog := logger.With("session_id", id)
//	sessLog.Info("store opened", "scratch", dir)
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger for packages that take the
// standard interface directly.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the logger.
//
// Description:
//
//	Flushes then closes the exporter, syncs then closes the log file.
//	Safe to call on loggers with neither; it is then a no-op.
//
// Outputs:
//
//	error - First error encountered during cleanup.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to slog and hands the entry to the exporter.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		// Export off the caller's goroutine; a slow sink must not
		// stall a Save or Execute that logged on its way through.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans one record out to several slog handlers, which is
// how stderr text and file JSON coexist.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any handler wants the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to every enabled handler.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a fan-out over handlers carrying the attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a fan-out over handlers carrying the group.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory. Other
// paths pass through unchanged.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style alternating key-value args to a map
// for LogEntry.Attrs. Non-string keys and trailing odd values are
// skipped, matching slog's leniency.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Used where an exporter is required
// but export is disabled.
type NopExporter struct{}

// Export discards the entry.
func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush is a no-op.
func (e *NopExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory. Tests use it to assert
// on emitted logs:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter})
//
//	logger.Warn("duplicate unique_id", "unique_id", "latents")
//
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *BufferedExporter) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (e *BufferedExporter) Close() error {
	return nil
}

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter writes entries to an io.Writer, one line each.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter over w. The exporter does
// not own the writer; Close never closes it.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the formatted entry to the writer.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *WriterExporter) Close() error { return nil }
