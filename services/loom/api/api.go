// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves Loom's local HTTP control surface.
//
// The server wraps one open session. Callers stitch workflows without
// executing them, submit runs, and manage the session's context store
// between runs. Values parked in the store by one request are visible to
// every later request until the session closes.
//
// The surface binds to loopback by default and carries no authentication;
// it is a local control plane for editors and scripts, not a public API.
//
// # Thread Safety
//
// The service is safe for concurrent requests after New returns. Run
// blocks; call Shutdown from another goroutine to stop it.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianLoom/services/loom/session"
)

// Service is the control surface lifecycle contract.
type Service interface {
	// Run starts the HTTP server and blocks until Shutdown or a listener
	// error.
	Run() error

	// Shutdown stops the server gracefully, draining in-flight requests
	// until ctx expires.
	Shutdown(ctx context.Context) error

	// Router returns the underlying gin engine for testing. Callers must
	// not modify it.
	Router() *gin.Engine
}

// Config holds server options. Zero values use defaults.
type Config struct {
	// Addr is the listen address. Default "127.0.0.1:7860".
	Addr string

	// GinMode overrides the gin framework mode when non-empty. Valid
	// values: "debug", "release", "test".
	GinMode string
}

// service implements Service around one session.
type service struct {
	cfg     Config
	sess    *session.Session
	log     *slog.Logger
	router  *gin.Engine
	srv     *http.Server
	started time.Time
}

// Option adjusts service construction.
type Option func(*service)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds the control surface around an open session.
//
// Description:
//
//	Applies config defaults, builds the gin router with recovery and
//	otel middleware, and registers all routes. The session stays owned
//	by the caller: closing the service never closes the session.
//
// Inputs:
//
//	cfg  - Server options. Zero values use defaults.
//	sess - The open session every handler operates on.
//	opts - Optional behavior adjustments.
//
// Outputs:
//
//	Service - Ready to Run.
//	error   - ErrNilSession when sess is nil.
func New(cfg Config, sess *session.Session, opts ...Option) (Service, error) {
	if sess == nil {
		return nil, ErrNilSession
	}

	s := &service{
		cfg:     applyConfigDefaults(cfg),
		sess:    sess,
		log:     slog.Default(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}
	s.initRouter()

	s.srv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
	}
	return s, nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7860"
	}
	return cfg
}

// Run starts the HTTP server and blocks until Shutdown or a listener
// error. A graceful shutdown returns nil.
func (s *service) Run() error {
	s.log.Info("starting loom control surface",
		"addr", s.cfg.Addr,
		"session_id", s.sess.ID())

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires. Safe to call more than once.
func (s *service) Shutdown(ctx context.Context) error {
	s.log.Info("stopping loom control surface", "addr", s.cfg.Addr)
	return s.srv.Shutdown(ctx)
}

// Router returns the configured gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// initRouter builds the gin engine and registers all routes.
//
// The engine uses gin.New rather than gin.Default: request logging goes
// through the service's slog logger, not gin's stdout middleware, so the
// server stays quiet when embedded in the CLI.
func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("loom-api"))

	s.router.GET("/health", handleHealth(s.sess, s.started))
	s.router.GET("/metrics", handleMetrics())

	v1 := s.router.Group("/v1")
	{
		v1.POST("/stitch", handleStitch(s.log))
		v1.POST("/runs", handleRun(s.sess, s.log))

		contexts := v1.Group("/context")
		{
			contexts.GET("", handleContextList(s.sess))
			contexts.GET("/usage", handleContextUsage(s.sess))
			contexts.GET("/:key", handleContextInfo(s.sess))
			contexts.PUT("/:key", handleContextSave(s.sess, s.log))
			contexts.GET("/:key/value", handleContextLoad(s.sess))
			contexts.POST("/:key/export", handleContextExport(s.sess, s.log))
		}
	}
}

// Compile-time interface compliance.
var _ Service = (*service)(nil)
