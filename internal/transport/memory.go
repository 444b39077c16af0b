// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package transport

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/switchcast/switchcast/internal/models"
)

// MemoryTransport is an in-process pub/sub broker implementing Transport.
// Delivery is synchronous and in publish order, which makes it the
// deterministic backend for tests and single-node development.
//
// SetConnected simulates network loss: while disconnected nothing is
// delivered and Send fails, but subscriptions are retained so callers can
// exercise their reconnect paths.
type MemoryTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	channels  map[string][]*memoryChannel
	presence  map[string]PresenceState
}

// NewMemory creates a connected in-process transport.
func NewMemory() *MemoryTransport {
	return &MemoryTransport{
		connected: true,
		channels:  make(map[string][]*memoryChannel),
		presence:  make(map[string]PresenceState),
	}
}

// Channel creates a channel on this transport.
func (t *MemoryTransport) Channel(name string, cfg ChannelConfig) Channel {
	return &memoryChannel{
		t:        t,
		name:     name,
		key:      uuid.NewString(),
		cfg:      cfg,
		handlers: make(map[EventType][]handlerEntry),
	}
}

// RemoveChannel unsubscribes and forgets a channel.
func (t *MemoryTransport) RemoveChannel(ch Channel) error {
	mc, ok := ch.(*memoryChannel)
	if !ok {
		return nil
	}
	return mc.Unsubscribe()
}

// Connected reports the simulated connectivity state.
func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// SetConnected flips the simulated connectivity state. Turning it off emits
// nothing; disconnect detection is the poll-based health check's job.
func (t *MemoryTransport) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// Close tears down all channels.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*memoryChannel
	for _, chs := range t.channels {
		all = append(all, chs...)
	}
	t.channels = make(map[string][]*memoryChannel)
	t.presence = make(map[string]PresenceState)
	t.mu.Unlock()

	for _, mc := range all {
		mc.notifyStatus(StatusClosed, nil)
	}
	return nil
}

// PublishRowChange delivers a row-change notification to every subscribed
// channel with the given name. The daemon's store bridge and the tests use
// this as the server side of the change feed.
func (t *MemoryTransport) PublishRowChange(channelName string, rc RowChange) error {
	payload, err := EncodeRowChange(rc)
	if err != nil {
		return err
	}
	for _, mc := range t.attached(channelName) {
		mc.dispatchRow(rc, payload)
	}
	return nil
}

// attached snapshots the subscribed channels for a name; returns nil while
// disconnected so nothing is delivered during a simulated outage.
func (t *MemoryTransport) attached(name string) []*memoryChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.closed {
		return nil
	}
	chs := t.channels[name]
	out := make([]*memoryChannel, len(chs))
	copy(out, chs)
	return out
}

func (t *MemoryTransport) presenceSnapshot(name string) PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := make(PresenceState, len(t.presence[name]))
	for k, recs := range t.presence[name] {
		cp := make([]models.PresenceRecord, len(recs))
		copy(cp, recs)
		state[k] = cp
	}
	return state
}

type handlerEntry struct {
	filter  string
	handler Handler
}

type memoryChannel struct {
	mu         sync.Mutex
	t          *MemoryTransport
	name       string
	key        string
	cfg        ChannelConfig
	handlers   map[EventType][]handlerEntry
	statusCb   func(Status, error)
	subscribed bool
	tracked    *models.PresenceRecord
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) On(event EventType, filter string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handlerEntry{filter: filter, handler: h})
}

func (c *memoryChannel) Subscribe(status func(Status, error)) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.statusCb = status
	c.mu.Unlock()

	c.t.mu.Lock()
	if c.t.closed {
		c.t.mu.Unlock()
		return ErrChannelClosed
	}
	c.t.channels[c.name] = append(c.t.channels[c.name], c)
	c.t.mu.Unlock()

	c.notifyStatus(StatusSubscribed, nil)
	return nil
}

func (c *memoryChannel) Track(p models.PresenceRecord) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.tracked = &p
	c.mu.Unlock()

	if !c.t.Connected() {
		return ErrDisconnected
	}

	c.t.mu.Lock()
	if c.t.presence[c.name] == nil {
		c.t.presence[c.name] = make(PresenceState)
	}
	c.t.presence[c.name][c.key] = []models.PresenceRecord{p}
	c.t.mu.Unlock()

	diff := PresenceDiff{Key: c.key, Records: []models.PresenceRecord{p}}
	c.t.emitPresence(c.name, EventPresenceJoin, diff, c)
	c.t.emitPresenceSync(c.name)
	return nil
}

func (c *memoryChannel) Untrack() error {
	c.mu.Lock()
	c.tracked = nil
	c.mu.Unlock()
	c.withdrawPresence()
	return nil
}

func (c *memoryChannel) withdrawPresence() {
	c.t.mu.Lock()
	records := c.t.presence[c.name][c.key]
	delete(c.t.presence[c.name], c.key)
	c.t.mu.Unlock()

	if len(records) == 0 {
		return
	}
	diff := PresenceDiff{Key: c.key, Records: records}
	c.t.emitPresence(c.name, EventPresenceLeave, diff, c)
	c.t.emitPresenceSync(c.name)
}

func (c *memoryChannel) Send(msg Message) error {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		return ErrChannelClosed
	}
	if !c.t.Connected() {
		return ErrDisconnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Broadcasts loop back to the sender; heartbeat pings rely on that.
	for _, mc := range c.t.attached(c.name) {
		mc.dispatch(EventBroadcast, payload)
	}
	return nil
}

func (c *memoryChannel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	c.mu.Unlock()

	c.withdrawPresence()

	c.t.mu.Lock()
	chs := c.t.channels[c.name]
	for i, mc := range chs {
		if mc == c {
			c.t.channels[c.name] = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	c.t.mu.Unlock()

	c.notifyStatus(StatusClosed, nil)
	return nil
}

func (c *memoryChannel) notifyStatus(s Status, err error) {
	c.mu.Lock()
	cb := c.statusCb
	c.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
}

func (c *memoryChannel) dispatch(event EventType, payload []byte) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.mu.Unlock()
	for _, e := range entries {
		e.handler(payload)
	}
}

func (c *memoryChannel) dispatchRow(rc RowChange, payload []byte) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[EventRowChange]))
	copy(entries, c.handlers[EventRowChange])
	c.mu.Unlock()
	for _, e := range entries {
		if matchFilter(e.filter, rc) {
			e.handler(payload)
		}
	}
}

func (t *MemoryTransport) emitPresence(name string, event EventType, diff PresenceDiff, from *memoryChannel) {
	payload, err := json.Marshal(diff)
	if err != nil {
		return
	}
	for _, mc := range t.attached(name) {
		if mc == from {
			continue
		}
		mc.dispatch(event, payload)
	}
}

func (t *MemoryTransport) emitPresenceSync(name string) {
	state := t.presenceSnapshot(name)
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	for _, mc := range t.attached(name) {
		mc.dispatch(EventPresenceSync, payload)
	}
}
