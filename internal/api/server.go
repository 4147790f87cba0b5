// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the operational HTTP surface: health, Prometheus
// metrics and a JSON status snapshot of the recovery engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chapterfall/internal/engine"
	"chapterfall/internal/metrics"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	host    string
	port    int
	version string

	engine    *engine.Engine
	collector *metrics.Collector
}

type Dependencies struct {
	Host      string
	Port      int
	Version   string
	Engine    *engine.Engine
	Collector *metrics.Collector
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:    log.Logger.With().Str("module", "api").Logger(),
		host:      deps.Host,
		port:      deps.Port,
		version:   deps.Version,
		engine:    deps.Engine,
		collector: deps.Collector,
	}
}

func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msg("Starting status server")

	s.server.Handler = s.Handler()
	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := struct {
		Version string `json:"version"`
		engine.Status
	}{
		Version: s.version,
		Status:  s.engine.Status(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode status response")
	}
}
