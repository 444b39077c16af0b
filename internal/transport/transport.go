// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package transport abstracts the pub/sub backend carrying row-change
// notifications, presence, and broadcast messages for event channels.
//
// The realtime core depends only on the Channel/Transport semantics below,
// never on a concrete backend. Two implementations exist: NATS (production)
// and an in-process memory broker (tests, single-node development).
//
// Delivery is at-least-once: consumers must tolerate duplicate and
// out-of-order notifications, and repair state after reconnects by
// re-fetching from the durable store.
package transport

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/models"
)

// ErrDisconnected is returned by operations attempted while the underlying
// transport has no live connection.
var ErrDisconnected = errors.New("transport: disconnected")

// ErrChannelClosed is returned by operations on an unsubscribed channel.
var ErrChannelClosed = errors.New("transport: channel closed")

// Status reports a channel subscription state change.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// EventType identifies the class of channel traffic a handler binds to.
type EventType string

const (
	EventRowChange     EventType = "row_change"
	EventBroadcast     EventType = "broadcast"
	EventPresenceSync  EventType = "presence_sync"
	EventPresenceJoin  EventType = "presence_join"
	EventPresenceLeave EventType = "presence_leave"
)

// Handler receives the raw payload for one channel event. Handlers run on
// the transport's delivery goroutine and must not block.
type Handler func(payload []byte)

// Message is an ephemeral broadcast sent to every client attached to a
// channel, including the sender. Broadcasts are never persisted.
type Message struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// RowChange is a row-changed notification for one durable-store record.
type RowChange struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"` // INSERT, UPDATE or DELETE
	RecordID  string          `json:"record_id"`
	Row       json.RawMessage `json:"row,omitempty"`
}

// EncodeRowChange serializes a row change for publishing.
func EncodeRowChange(rc RowChange) ([]byte, error) {
	return json.Marshal(rc)
}

// DecodeRowChange parses a row-change payload.
func DecodeRowChange(payload []byte) (RowChange, error) {
	var rc RowChange
	if err := json.Unmarshal(payload, &rc); err != nil {
		return RowChange{}, err
	}
	return rc, nil
}

// PresenceDiff carries the records that joined or left under one
// connection key.
type PresenceDiff struct {
	Key     string                  `json:"key"`
	Records []models.PresenceRecord `json:"records"`
}

// PresenceState is the full channel presence mapping delivered on sync:
// connection key to the records tracked under that connection. One user
// with several tabs appears under several keys.
type PresenceState map[string][]models.PresenceRecord

// ChannelConfig carries per-channel options.
type ChannelConfig struct {
	// Presence enables presence semantics (Track/Untrack and the
	// presence_* events) on this channel.
	Presence bool
}

// Channel is one logical pub/sub topic for one event: row-change
// notifications, presence, and ephemeral broadcasts.
type Channel interface {
	// Name returns the channel name.
	Name() string

	// On registers a handler for an event class. For EventRowChange the
	// filter may restrict delivery to one table ("table=cameras"); an
	// empty filter receives everything. Handlers must be registered
	// before Subscribe.
	On(event EventType, filter string, h Handler)

	// Subscribe attaches the channel to the transport. The status
	// callback observes subscription lifecycle transitions.
	Subscribe(status func(Status, error)) error

	// Track announces the given presence record for this connection.
	Track(p models.PresenceRecord) error

	// Untrack withdraws this connection's presence record.
	Untrack() error

	// Send broadcasts an ephemeral message to every attached client,
	// including the sender.
	Send(msg Message) error

	// Unsubscribe detaches the channel. Registered handlers are dropped;
	// presence tracked by this connection is withdrawn.
	Unsubscribe() error
}

// Transport owns the connection to the pub/sub backend and creates
// channels on it.
type Transport interface {
	// Channel creates (but does not subscribe) a channel.
	Channel(name string, cfg ChannelConfig) Channel

	// RemoveChannel unsubscribes and forgets a channel.
	RemoveChannel(ch Channel) error

	// Connected probes current backend connectivity. The realtime layer
	// polls this rather than trusting push callbacks, because not every
	// backend reports disconnects reliably.
	Connected() bool

	// Close tears down all channels and the backend connection.
	Close() error
}

// RowPublisher is implemented by transports that can also produce
// row-change notifications. The realtime core only consumes the feed; the
// daemon's store bridge uses this as the server-side producer hook.
type RowPublisher interface {
	PublishRowChange(channelName string, rc RowChange) error
}

// matchFilter reports whether a row change passes a handler filter of the
// form "table=<name>". An empty filter matches everything; a malformed
// filter matches nothing rather than everything.
func matchFilter(filter string, rc RowChange) bool {
	if filter == "" {
		return true
	}
	const prefix = "table="
	if len(filter) <= len(prefix) || filter[:len(prefix)] != prefix {
		return false
	}
	return rc.Table == filter[len(prefix):]
}
