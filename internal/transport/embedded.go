// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package transport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/switchcast/switchcast/internal/logging"
)

// EmbeddedServerConfig configures an in-process NATS server with JetStream,
// for single-binary deployments where running a separate broker is overkill.
type EmbeddedServerConfig struct {
	Host     string
	Port     int
	StoreDir string
	// ReadyTimeout bounds the wait for the server to accept connections.
	ReadyTimeout time.Duration
}

// StartEmbeddedServer boots an in-process NATS server and blocks until it
// is ready for connections. The caller owns shutdown via Server.Shutdown.
func StartEmbeddedServer(cfg EmbeddedServerConfig) (*server.Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready within %v", cfg.ReadyTimeout)
	}

	logging.Info().Str("addr", ns.ClientURL()).Msg("embedded nats server ready")
	return ns, nil
}
