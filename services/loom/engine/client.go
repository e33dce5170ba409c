// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
	"github.com/AleutianAI/AleutianLoom/services/loom/telemetry"
)

// ClientConfig configures a remote engine client.
type ClientConfig struct {
	// BaseURL is the engine's HTTP root, e.g. "http://127.0.0.1:8188".
	BaseURL string

	// ClientID identifies this client on the event stream. Defaults to
	// a fresh UUID.
	ClientID string

	// RequestTimeout bounds individual HTTP requests (not the run wait).
	// Defaults to 30s.
	RequestTimeout time.Duration

	// PollInterval is the completion polling cadence when the WebSocket
	// stream is unavailable. Defaults to 500ms.
	PollInterval time.Duration

	// DisableWebSocket forces the polling path. Mostly for tests and
	// engines without an event stream.
	DisableWebSocket bool

	// HTTPClient overrides the default client. Timeout is applied per
	// request via context, not on the client itself.
	HTTPClient *http.Client

	// Logger for transport events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to a remote execution engine over HTTP.
//
// A run is submitted with POST /api/v1/graphs, then awaited on the
// WebSocket event stream at /api/v1/runs/<id>/events, falling back to
// rate-limited polling of GET /api/v1/runs/<id> when the stream cannot be
// established.
//
// # Thread Safety
//
// Safe for concurrent use; each Execute call owns its run and, when used,
// its own WebSocket connection.
type Client struct {
	base    *url.URL
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient validates the config and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("engine client: BaseURL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("engine client: parse BaseURL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("engine client: unsupported scheme %q", base.Scheme)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		base:    base,
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		log:     cfg.Logger,
	}, nil
}

// submitRequest is the POST /api/v1/graphs body.
type submitRequest struct {
	ClientID string       `json:"client_id"`
	Graph    *graph.Graph `json:"graph"`
}

// submitResponse is the engine's acceptance reply.
type submitResponse struct {
	RunID string `json:"run_id"`
}

// runStatus is the GET /api/v1/runs/<id> body and the payload of
// terminal WebSocket events.
type runStatus struct {
	RunID   string  `json:"run_id"`
	Status  string  `json:"status"` // pending | running | completed | failed
	Outputs Outputs `json:"outputs,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// wsEvent is one message on the run event stream.
type wsEvent struct {
	Type    string  `json:"type"` // run_completed | run_failed | progress...
	RunID   string  `json:"run_id"`
	Outputs Outputs `json:"outputs,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Ping probes the engine's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/v1/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health: status %d", resp.StatusCode)
	}
	return nil
}

// Execute submits the graph and blocks until the run reaches a terminal
// state or ctx is cancelled.
func (c *Client) Execute(ctx context.Context, g *graph.Graph) (Outputs, error) {
	runID, err := c.submit(ctx, g)
	if err != nil {
		return nil, err
	}
	c.log.Debug("run submitted", "run_id", runID, "nodes", g.NodeCount())

	if !c.cfg.DisableWebSocket {
		out, definitive, err := c.waitWebSocket(ctx, runID)
		if definitive {
			return out, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("event stream unavailable, falling back to polling",
			"run_id", runID, "error", err)
	}
	return c.poll(ctx, runID)
}

// submit posts the graph and returns the assigned run id.
func (c *Client) submit(ctx context.Context, g *graph.Graph) (string, error) {
	body, err := json.Marshal(submitRequest{ClientID: c.cfg.ClientID, Graph: g})
	if err != nil {
		return "", fmt.Errorf("encode graph: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/graphs"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	// Carry the caller's trace across to the engine.
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit graph: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.RunID == "" {
		return "", errors.New("submit graph: engine returned empty run_id")
	}
	return sr.RunID, nil
}

// waitWebSocket awaits the run's terminal event on the event stream.
// definitive=false means the stream could not deliver a verdict and the
// caller should fall back to polling.
func (c *Client) waitWebSocket(ctx context.Context, runID string) (out Outputs, definitive bool, err error) {
	wsURL, err := c.wsEndpoint("/api/v1/runs/" + url.PathEscape(runID) + "/events")
	if err != nil {
		return nil, false, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, false, fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil, true, ctx.Err()
			}
			return nil, false, fmt.Errorf("event stream read: %w", err)
		}
		if ev.RunID != "" && ev.RunID != runID {
			continue
		}
		switch ev.Type {
		case "run_completed":
			return ev.Outputs, true, nil
		case "run_failed":
			return nil, true, fmt.Errorf("run %s: %s: %w", runID, ev.Error, ErrRunFailed)
		default:
			// Progress events are informational.
		}
	}
}

// poll fetches run status until terminal, at the configured rate.
func (c *Client) poll(ctx context.Context, runID string) (Outputs, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		st, err := c.fetchStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case "completed":
			return st.Outputs, nil
		case "failed":
			return nil, fmt.Errorf("run %s: %s: %w", runID, st.Error, ErrRunFailed)
		case "pending", "running":
			// Keep polling.
		default:
			return nil, fmt.Errorf("run %s: unknown status %q", runID, st.Status)
		}
	}
}

// fetchStatus performs one GET /api/v1/runs/<id>.
func (c *Client) fetchStatus(ctx context.Context, runID string) (*runStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/api/v1/runs/"+url.PathEscape(runID)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch run status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch run status: status %d", resp.StatusCode)
	}
	var st runStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	return &st, nil
}

// endpoint joins the base URL with an API path.
func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// wsEndpoint translates an API path to the WebSocket scheme.
func (c *Client) wsEndpoint(path string) (string, error) {
	u := *c.base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("no websocket scheme for %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
