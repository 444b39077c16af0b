// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package api serves the operational HTTP surface of switchcastd: the
// control API for directors and cameras, websocket upgrades for UI
// clients, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/director"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/projector"
	"github.com/switchcast/switchcast/internal/realtime"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/syncengine"
	"github.com/switchcast/switchcast/internal/websocket"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Deps carries the components the HTTP surface exposes.
type Deps struct {
	Director  *director.Director
	Engine    *syncengine.Engine
	Manager   *realtime.ConnectionManager
	Projector *projector.Projector
	Hub       *websocket.Hub
	Store     store.Store
}

// Server is the switchcastd HTTP server. It satisfies the suture service
// contract via Serve.
type Server struct {
	cfg    config.HTTPConfig
	deps   Deps
	router chi.Router

	mu      sync.Mutex
	watches map[string]func()
}

// NewServer builds the server and its route tree.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		watches: make(map[string]func()),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.RatePerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RatePerMinute, time.Minute))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		websocket.ServeWS(s.deps.Hub, w, req)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleCreateEvent)
		r.Get("/events/{eventID}", s.handleGetEvent)
		r.Put("/events/{eventID}/status", s.handleUpdateStatus)
		r.Post("/events/{eventID}/cameras", s.handleRegisterCamera)
		r.Get("/events/{eventID}/cameras", s.handleListCameras)
		r.Post("/events/{eventID}/switch", s.handleSwitchCamera)
		r.Get("/events/{eventID}/switches", s.handleListSwitches)
		r.Post("/events/{eventID}/watch", s.handleWatch)
		r.Delete("/events/{eventID}/watch", s.handleUnwatch)
		r.Get("/stats", s.handleStats)
		r.Get("/conflicts", s.handleListConflicts)
		r.Post("/conflicts/{index}/resolve", s.handleResolveConflict)
	})

	return r
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("http server shutdown failed")
		}
		s.dropWatches()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// dropWatches cancels every live projector subscription.
func (s *Server) dropWatches() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]func())
	s.mu.Unlock()
	for _, cancel := range watches {
		cancel()
	}
}
