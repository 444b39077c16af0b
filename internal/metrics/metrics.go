// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package metrics exposes Prometheus instrumentation for the realtime core:
// connection health, presence churn, optimistic sync throughput, conflict
// resolution outcomes, and cache efficiency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcast_reconnect_attempts_total",
			Help: "Total reconnect attempts per channel manager",
		},
		[]string{"outcome"}, // "scheduled", "exhausted"
	)

	HeartbeatLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchcast_heartbeat_latency_seconds",
			Help:    "Round-trip broadcast ping latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5},
		},
	)

	HeartbeatsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_heartbeats_lost_total",
			Help: "Heartbeat pings that timed out without a pong",
		},
	)

	ConnectionQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchcast_connection_quality",
			Help: "Connection quality (0=disconnected, 1=poor, 2=good, 3=excellent)",
		},
	)

	// Presence metrics
	PresenceJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_presence_joins_total",
			Help: "Participants joining event channels",
		},
	)

	PresenceLeaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_presence_leaves_total",
			Help: "Participants leaving event channels",
		},
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchcast_presence_online",
			Help: "Currently tracked online participants",
		},
	)

	// Optimistic sync metrics
	PendingUpdates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchcast_sync_pending_updates",
			Help: "Optimistic updates awaiting server confirmation",
		},
	)

	SyncWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcast_sync_writes_total",
			Help: "Write-through attempts by outcome",
		},
		[]string{"outcome"}, // "confirmed", "conflict", "transient", "dropped"
	)

	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcast_sync_conflicts_resolved_total",
			Help: "Conflicts resolved by strategy",
		},
		[]string{"strategy"},
	)

	UpdatesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_sync_updates_lost_total",
			Help: "Pending updates dropped after exhausting the retry budget",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_cache_hits_total",
			Help: "TTL cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_cache_misses_total",
			Help: "TTL cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchcast_cache_evictions_total",
			Help: "TTL cache entries evicted by expiry or capacity pressure",
		},
	)

	// WebSocket push metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchcast_websocket_clients",
			Help: "Currently connected UI push clients",
		},
	)

	WebSocketBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcast_websocket_broadcasts_total",
			Help: "Messages broadcast to UI push clients by type",
		},
		[]string{"type"},
	)
)
