// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package main is the entry point for the switchcastd daemon.
//
// switchcastd is the realtime coordination server for multi-camera live
// sports streaming. It keeps every participant of an event (directors,
// camera operators, viewers) on the same state in real time:
//
//   - a durable store (SQLite) holds events, cameras and switch logs
//   - every durable write publishes a row-change notification over NATS
//   - per-event projections turn the notification feed into typed views
//     pushed to browsers over websockets
//   - an optimistic sync engine makes control-room mutations locally
//     visible immediately and reconciles conflicts against the store
//
// # Startup order
//
//  1. Configuration: koanf layering of defaults, config.yaml and
//     SWITCHCAST_ environment variables
//  2. Logging: zerolog, JSON or console per configuration
//  3. Store: SQLite (or in-memory for development)
//  4. Transport: NATS, optionally an embedded in-process server
//  5. Realtime core: connection manager, sync engine, projector, hub
//  6. Supervision: a suture tree runs the long-lived services and
//     restarts them on failure
//
// # Signal handling
//
// SIGINT and SIGTERM stop the supervisor tree; the HTTP server drains
// in-flight requests for up to 10 seconds before the process exits.
package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/switchcast/switchcast/internal/api"
	"github.com/switchcast/switchcast/internal/cache"
	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/director"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/projector"
	"github.com/switchcast/switchcast/internal/realtime"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/supervisor"
	"github.com/switchcast/switchcast/internal/syncengine"
	"github.com/switchcast/switchcast/internal/transport"
	ws "github.com/switchcast/switchcast/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})
	logging.Info().
		Str("store_driver", cfg.Store.Driver).
		Str("nats_url", cfg.NATS.URL).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("starting switchcastd")

	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		ns, err := transport.StartEmbeddedServer(transport.EmbeddedServerConfig{
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to start embedded nats server")
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
	}

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	tr, err := transport.NewNATS(transport.NATSTransportConfig{
		URL:        natsURL,
		StreamName: cfg.NATS.StreamName,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect transport")
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing transport")
		}
	}()

	// Every durable write is announced on the owning event's channel, so
	// projections on any node observe it.
	notifying := store.WithNotify(st, projector.RowFeed(tr))

	c := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	mgr := realtime.NewConnectionManager(tr, cfg.Realtime)
	defer mgr.Close()
	engine := syncengine.New(notifying, c, cfg.Sync)
	proj := projector.New(notifying, c, mgr)
	hub := ws.NewHub()

	server := api.NewServer(cfg.HTTP, api.Deps{
		Director:  director.New(engine, notifying),
		Engine:    engine,
		Manager:   mgr,
		Projector: proj,
		Hub:       hub,
		Store:     notifying,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(mgr)
	tree.AddRealtimeService(engine)
	tree.AddRealtimeService(hub)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.HTTP.Addr).Msg("switchcastd ready")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree exited")
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services did not stop within timeout")
	}
	logging.Info().Msg("switchcastd stopped")
}

// openStore builds the configured durable store and its close function.
func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("error closing store")
			}
		}, nil
	}
}
