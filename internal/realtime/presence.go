// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/metrics"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/transport"
)

// PresenceTracker maintains the who-is-online view for event channels. One
// Attach per channel; the returned handle carries the channel's presence
// state, callbacks and ephemeral indicators.
type PresenceTracker struct {
	mgr *ConnectionManager

	mu      sync.Mutex
	handles map[string]*Presence
}

// NewPresenceTracker builds a tracker on top of mgr. Channels attached
// here inherit the manager's reconnect handling; presence is re-announced
// automatically after a reconnect recreates the channel.
func NewPresenceTracker(mgr *ConnectionManager) *PresenceTracker {
	return &PresenceTracker{mgr: mgr, handles: make(map[string]*Presence)}
}

// Indicator is an ephemeral per-user signal (typing, camera adjusting and
// the like) shared over the channel. Indicators are keyed by (type, user):
// a newer indicator replaces the previous one, it never accumulates.
type Indicator struct {
	Type   string         `json:"type"`
	UserID string         `json:"user_id"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

type indicatorKey struct {
	kind   string
	userID string
}

// Presence is the handle for one attached channel.
type Presence struct {
	tracker *PresenceTracker
	name    string
	self    models.PresenceRecord

	mu         sync.Mutex
	ch         transport.Channel
	state      transport.PresenceState
	flattened  []models.PresenceRecord
	indicators map[indicatorKey]Indicator
	syncCbs    []func([]models.PresenceRecord)
	joinCbs    []func([]models.PresenceRecord)
	leaveCbs   []func([]models.PresenceRecord)
	unregister func()
	detached   bool
}

// Attach joins channelName with self as this connection's presence record
// and returns the presence handle. Register callbacks on the handle before
// other participants churn if you need to observe every transition.
func (t *PresenceTracker) Attach(channelName string, self models.PresenceRecord) (*Presence, error) {
	if !self.Valid() {
		return nil, fmt.Errorf("realtime: presence record for channel %q is malformed", channelName)
	}

	t.mu.Lock()
	if _, exists := t.handles[channelName]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("realtime: already attached to channel %q", channelName)
	}
	p := &Presence{
		tracker:    t,
		name:       channelName,
		self:       self,
		state:      make(transport.PresenceState),
		indicators: make(map[indicatorKey]Indicator),
	}
	t.handles[channelName] = p
	t.mu.Unlock()

	err := t.mgr.RegisterChannel(channelName, transport.ChannelConfig{Presence: true}, p.bind)
	if err != nil {
		t.mu.Lock()
		delete(t.handles, channelName)
		t.mu.Unlock()
		return nil, err
	}

	if err := p.track(); err != nil {
		// Subscribed but not announced; the reconnect path will retry.
		logging.Warn().Err(err).Str("channel", channelName).Msg("initial presence track failed")
	}

	unregister := t.mgr.OnReconnected(func() {
		if p.isDetached() {
			return
		}
		if err := p.track(); err != nil {
			logging.Warn().Err(err).Str("channel", channelName).Msg("presence re-track failed")
		}
	})
	p.mu.Lock()
	p.unregister = unregister
	p.mu.Unlock()
	return p, nil
}

// Detach leaves the channel, withdrawing presence and dropping state. The
// handle's reconnect hook is unregistered so the manager holds no reference
// to it afterwards.
func (t *PresenceTracker) Detach(p *Presence) error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	p.detached = true
	unregister := p.unregister
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}

	t.mu.Lock()
	delete(t.handles, p.name)
	t.mu.Unlock()

	return t.mgr.UnregisterChannel(p.name)
}

// bind wires presence handlers onto a freshly created channel. It runs on
// initial attach and again whenever reconnection recreates the channel.
func (p *Presence) bind(ch transport.Channel) error {
	ch.On(transport.EventPresenceSync, "", p.handleSync)
	ch.On(transport.EventPresenceJoin, "", p.handleJoin)
	ch.On(transport.EventPresenceLeave, "", p.handleLeave)
	ch.On(transport.EventBroadcast, "", p.handleBroadcast)

	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func (p *Presence) track() error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return transport.ErrChannelClosed
	}
	return ch.Track(p.self)
}

func (p *Presence) isDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

// OnSync registers a callback for full presence snapshots. The callback
// receives the flattened, validated, priority-sorted participant list.
func (p *Presence) OnSync(cb func([]models.PresenceRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncCbs = append(p.syncCbs, cb)
}

// OnJoin registers a callback for participants joining.
func (p *Presence) OnJoin(cb func([]models.PresenceRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joinCbs = append(p.joinCbs, cb)
}

// OnLeave registers a callback for participants leaving.
func (p *Presence) OnLeave(cb func([]models.PresenceRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveCbs = append(p.leaveCbs, cb)
}

// Participants returns the current flattened, sorted participant list.
func (p *Presence) Participants() []models.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PresenceRecord, len(p.flattened))
	copy(out, p.flattened)
	return out
}

// Indicators returns the live indicators, ordered by type then user.
func (p *Presence) Indicators() []Indicator {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Indicator, 0, len(p.indicators))
	for _, ind := range p.indicators {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// BroadcastIndicator shares an ephemeral indicator with everyone on the
// channel, the sender included via broadcast loopback.
func (p *Presence) BroadcastIndicator(kind string, data map[string]any) error {
	p.mu.Lock()
	ch := p.ch
	userID := p.self.UserID
	p.mu.Unlock()
	if ch == nil {
		return transport.ErrChannelClosed
	}
	return ch.Send(transport.Message{
		Type:  "broadcast",
		Event: "indicator",
		Payload: map[string]any{
			"type":    kind,
			"user_id": userID,
			"data":    data,
		},
	})
}

// handleSync replaces the full presence state. A sync that changes nothing
// is absorbed silently; the transport may deliver duplicates.
func (p *Presence) handleSync(payload []byte) {
	var state transport.PresenceState
	if err := json.Unmarshal(payload, &state); err != nil {
		logging.Warn().Err(err).Str("channel", p.name).Msg("malformed presence sync")
		return
	}
	flat := flattenPresence(state)

	p.mu.Lock()
	if samePresence(p.flattened, flat) {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.flattened = flat
	cbs := append([]func([]models.PresenceRecord){}, p.syncCbs...)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(flat)
	}
}

func (p *Presence) handleJoin(payload []byte) {
	var diff transport.PresenceDiff
	if err := json.Unmarshal(payload, &diff); err != nil {
		logging.Warn().Err(err).Str("channel", p.name).Msg("malformed presence join")
		return
	}
	joined := validRecords(diff.Records)
	if len(joined) == 0 {
		return
	}

	p.mu.Lock()
	p.state[diff.Key] = diff.Records
	p.flattened = flattenPresence(p.state)
	cbs := append([]func([]models.PresenceRecord){}, p.joinCbs...)
	p.mu.Unlock()

	metrics.PresenceJoins.Add(float64(len(joined)))
	metrics.PresenceOnline.Add(float64(len(joined)))
	for _, cb := range cbs {
		cb(joined)
	}
}

// handleLeave removes the departing connection and prunes every indicator
// belonging to users no longer present under any connection key.
func (p *Presence) handleLeave(payload []byte) {
	var diff transport.PresenceDiff
	if err := json.Unmarshal(payload, &diff); err != nil {
		logging.Warn().Err(err).Str("channel", p.name).Msg("malformed presence leave")
		return
	}
	left := validRecords(diff.Records)

	p.mu.Lock()
	delete(p.state, diff.Key)
	p.flattened = flattenPresence(p.state)
	still := make(map[string]bool, len(p.flattened))
	for _, rec := range p.flattened {
		still[rec.UserID] = true
	}
	for key := range p.indicators {
		if !still[key.userID] {
			delete(p.indicators, key)
		}
	}
	cbs := append([]func([]models.PresenceRecord){}, p.leaveCbs...)
	p.mu.Unlock()

	if len(left) == 0 {
		return
	}
	metrics.PresenceLeaves.Add(float64(len(left)))
	metrics.PresenceOnline.Sub(float64(len(left)))
	for _, cb := range cbs {
		cb(left)
	}
}

// handleBroadcast intercepts indicator broadcasts; other broadcast traffic
// is none of the presence layer's business.
func (p *Presence) handleBroadcast(payload []byte) {
	var msg transport.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Event != "indicator" {
		return
	}
	kind, _ := msg.Payload["type"].(string)
	userID, _ := msg.Payload["user_id"].(string)
	if kind == "" || userID == "" {
		return
	}
	data, _ := msg.Payload["data"].(map[string]any)

	p.mu.Lock()
	p.indicators[indicatorKey{kind: kind, userID: userID}] = Indicator{
		Type:   kind,
		UserID: userID,
		Data:   data,
		At:     time.Now(),
	}
	p.mu.Unlock()
}

// flattenPresence turns the per-connection state map into the sorted
// participant list: malformed records dropped, ordered by role priority
// descending with user id as the deterministic tiebreak.
func flattenPresence(state transport.PresenceState) []models.PresenceRecord {
	var flat []models.PresenceRecord
	for _, records := range state {
		flat = append(flat, validRecords(records)...)
	}
	sort.SliceStable(flat, func(i, j int) bool {
		pi, pj := flat[i].Role.Priority(), flat[j].Role.Priority()
		if pi != pj {
			return pi > pj
		}
		return flat[i].UserID < flat[j].UserID
	})
	return flat
}

func validRecords(records []models.PresenceRecord) []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(records))
	for _, rec := range records {
		if rec.Valid() {
			out = append(out, rec)
		}
	}
	return out
}

// samePresence reports whether two flattened lists describe the same
// participants in the same order.
func samePresence(a, b []models.PresenceRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].Role != b[i].Role || !a[i].OnlineAt.Equal(b[i].OnlineAt) {
			return false
		}
	}
	return true
}
