// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package websocket pushes projector output to browser clients: event
// updates, status transitions, camera lists, program switches and
// presence changes, fanned out over one hub per daemon.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/metrics"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/projector"
)

// Message types pushed to UI clients.
const (
	MessageTypeEventUpdate  = "event_update"
	MessageTypeStatusChange = "status_change"
	MessageTypeCameraList   = "camera_list"
	MessageTypeCameraSwitch = "camera_switch"
	MessageTypePresence     = "presence"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is one frame pushed to UI clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub. Run Serve under supervision before
// registering clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub loop until ctx is cancelled, then closes every
// client. It satisfies the suture service contract.
//
// Selection is priority ordered so behavior stays deterministic when
// several channels are ready at once: shutdown first, then client
// lifecycle, then broadcasts. Client state is therefore always settled
// before a message fans out.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.drop(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.drop(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(clients)).
		AnErr("reason", ctx.Err()).
		Msg("websocket hub stopped")
}

// broadcastToClients fans a message out in client-id order. Clients whose
// send buffer is full are dropped rather than allowed to stall the fanout.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		logging.Warn().Uint64("client_id", client.id).Msg("dropping slow websocket client")
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(msgType string, data any) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: data}:
		metrics.WebSocketBroadcasts.WithLabelValues(msgType).Inc()
	default:
		logging.Warn().Str("message_type", msgType).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastEventUpdate pushes a full event row to all clients.
func (h *Hub) BroadcastEventUpdate(ev models.Event) {
	h.enqueue(MessageTypeEventUpdate, ev)
}

// StatusChangeData carries one lifecycle transition.
type StatusChangeData struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// BroadcastStatusChange pushes a lifecycle transition to all clients.
func (h *Hub) BroadcastStatusChange(from, to models.EventStatus) {
	h.enqueue(MessageTypeStatusChange, StatusChangeData{
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastCameraList pushes the full camera list to all clients.
func (h *Hub) BroadcastCameraList(cameras []models.Camera) {
	h.enqueue(MessageTypeCameraList, cameras)
}

// CameraSwitchData carries one program-feed switch.
type CameraSwitchData struct {
	Label     string `json:"label"`
	Timestamp string `json:"timestamp"`
}

// BroadcastCameraSwitch pushes a program-feed switch to all clients.
func (h *Hub) BroadcastCameraSwitch(label string) {
	h.enqueue(MessageTypeCameraSwitch, CameraSwitchData{
		Label:     label,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// BroadcastPresence pushes the current participant list to all clients.
func (h *Hub) BroadcastPresence(records []models.PresenceRecord) {
	h.enqueue(MessageTypePresence, records)
}

// ProjectionHandlers adapts the hub into the projector callback set, so a
// subscription's output streams straight to the UI clients.
func (h *Hub) ProjectionHandlers() projector.Handlers {
	return projector.Handlers{
		OnEventUpdate:      h.BroadcastEventUpdate,
		OnStatusChange:     h.BroadcastStatusChange,
		OnCameraListUpdate: h.BroadcastCameraList,
		OnCameraSwitch:     h.BroadcastCameraSwitch,
	}
}
