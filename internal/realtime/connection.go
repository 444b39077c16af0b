// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package realtime keeps event channels healthy and tracks who is present
// on them. ConnectionManager owns channel lifecycle, heartbeats and
// reconnection; PresenceTracker owns the who-is-online view per channel.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/metrics"
	"github.com/switchcast/switchcast/internal/transport"
)

// Quality is the coarse connection-health classification derived from the
// rolling heartbeat latency window.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// ConnectionStats is a point-in-time snapshot of connection health.
type ConnectionStats struct {
	Connected         bool
	ReconnectAttempts int
	LastReconnectTime time.Time
	AverageLatency    time.Duration
	MessagesReceived  int64
	MessagesLost      int64
	Quality           Quality
}

// BindFunc attaches handlers (and presence) to a freshly created channel.
// It runs on initial registration and again on every reconnect, because
// reconnection tears channels down and recreates them from scratch.
type BindFunc func(ch transport.Channel) error

type managedChannel struct {
	name string
	cfg  transport.ChannelConfig
	bind BindFunc
	ch   transport.Channel
}

// ConnectionManager supervises the transport connection for a set of event
// channels. Health is established by polling, not by trusting transport
// push callbacks. A broadcast ping measures round-trip latency; pings loop
// back to the sender like any other broadcast.
type ConnectionManager struct {
	tr      transport.Transport
	cfg     config.RealtimeConfig
	limiter *rate.Limiter

	mu            sync.Mutex
	channels      map[string]*managedChannel
	connected     bool
	attempts      int
	lastReconnect time.Time
	latencies     []time.Duration
	received      int64
	lost          int64
	timer         *time.Timer
	onReconnected []reconnectHook
	reconnectSeq  int
	closed        bool

	heartbeatName string
	heartbeat     transport.Channel
	pings         map[string]time.Time
}

// NewConnectionManager builds a manager over tr. The manager assumes the
// transport starts connected; the first health poll corrects that if not.
func NewConnectionManager(tr transport.Transport, cfg config.RealtimeConfig) *ConnectionManager {
	limit := rate.Inf
	if cfg.ReconnectPerMinute > 0 {
		limit = rate.Limit(float64(cfg.ReconnectPerMinute) / 60.0)
	}
	return &ConnectionManager{
		tr:            tr,
		cfg:           cfg,
		limiter:       rate.NewLimiter(limit, 1),
		channels:      make(map[string]*managedChannel),
		connected:     tr.Connected(),
		heartbeatName: "sys:heartbeat:" + uuid.NewString(),
		pings:         make(map[string]time.Time),
	}
}

// RegisterChannel creates, binds and subscribes a channel under name. The
// bind function is retained and re-run when reconnection recreates the
// channel.
func (m *ConnectionManager) RegisterChannel(name string, cfg transport.ChannelConfig, bind BindFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transport.ErrChannelClosed
	}
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("realtime: channel %q already registered", name)
	}

	mc := &managedChannel{name: name, cfg: cfg, bind: bind}
	if err := m.openLocked(mc); err != nil {
		return err
	}
	m.channels[name] = mc
	return nil
}

// UnregisterChannel unsubscribes and forgets a channel. When the last
// channel goes away any pending reconnect timer is cancelled too.
func (m *ConnectionManager) UnregisterChannel(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.channels[name]
	if !ok {
		return fmt.Errorf("realtime: channel %q not registered", name)
	}
	delete(m.channels, name)
	if len(m.channels) == 0 {
		m.cancelTimerLocked()
	}
	return m.tr.RemoveChannel(mc.ch)
}

// reconnectHook is one registered OnReconnected callback; the id lets the
// returned unregister func find it again.
type reconnectHook struct {
	id int
	fn func()
}

// OnReconnected registers a callback invoked after every successful
// reconnect, once all channels have been recreated. Consumers use this to
// repair state that notifications may have skipped during the outage.
// The returned func unregisters the callback; consumers with a shorter
// lifetime than the manager must call it when they go away.
func (m *ConnectionManager) OnReconnected(cb func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectSeq++
	id := m.reconnectSeq
	m.onReconnected = append(m.onReconnected, reconnectHook{id: id, fn: cb})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.onReconnected {
			if h.id == id {
				m.onReconnected = append(m.onReconnected[:i], m.onReconnected[i+1:]...)
				return
			}
		}
	}
}

// Stats returns a snapshot of connection health.
func (m *ConnectionManager) Stats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionStats{
		Connected:         m.connected,
		ReconnectAttempts: m.attempts,
		LastReconnectTime: m.lastReconnect,
		AverageLatency:    m.averageLatencyLocked(),
		MessagesReceived:  m.received,
		MessagesLost:      m.lost,
		Quality:           m.qualityLocked(),
	}
}

// Serve runs the health-poll and heartbeat loops until ctx is cancelled.
// It satisfies the suture service contract.
func (m *ConnectionManager) Serve(ctx context.Context) error {
	if err := m.openHeartbeat(); err != nil {
		return err
	}

	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	logging.Info().
		Dur("health_interval", m.cfg.HealthInterval).
		Dur("heartbeat_interval", m.cfg.HeartbeatInterval).
		Msg("connection manager running")

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-health.C:
			m.CheckHealth()
		case <-heartbeat.C:
			m.sendHeartbeat()
		}
	}
}

// Close cancels timers and detaches all channels. The manager is not
// reusable afterwards.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelTimerLocked()
	for name, mc := range m.channels {
		_ = m.tr.RemoveChannel(mc.ch)
		delete(m.channels, name)
	}
	if m.heartbeat != nil {
		_ = m.tr.RemoveChannel(m.heartbeat)
		m.heartbeat = nil
	}
}

// openLocked creates and subscribes the underlying channel for mc.
func (m *ConnectionManager) openLocked(mc *managedChannel) error {
	ch := m.tr.Channel(mc.name, mc.cfg)
	if mc.bind != nil {
		if err := mc.bind(ch); err != nil {
			return fmt.Errorf("bind channel %q: %w", mc.name, err)
		}
	}
	if err := ch.Subscribe(m.channelStatus); err != nil {
		return fmt.Errorf("subscribe channel %q: %w", mc.name, err)
	}
	mc.ch = ch
	return nil
}

// channelStatus observes subscription transitions. Errors feed the same
// disconnect path the health poll uses, so both detection mechanisms
// converge on one reconnect procedure.
func (m *ConnectionManager) channelStatus(s transport.Status, err error) {
	if s != transport.StatusError {
		return
	}
	logging.Warn().Err(err).Msg("channel subscription error")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDisconnectedLocked()
}

// CheckHealth probes the transport once and reconciles our view of it.
// The Serve loop calls this on every health tick; callers may also probe
// on demand.
func (m *ConnectionManager) CheckHealth() {
	up := m.tr.Connected()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !up && m.connected {
		logging.Warn().Msg("transport health poll failed")
		m.markDisconnectedLocked()
	}
	m.publishQualityLocked()
}

// openHeartbeat subscribes the private ping channel. The channel name is
// unique per manager so loopback pongs never cross processes.
func (m *ConnectionManager) openHeartbeat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openHeartbeatLocked()
}

func (m *ConnectionManager) openHeartbeatLocked() error {
	ch := m.tr.Channel(m.heartbeatName, transport.ChannelConfig{})
	ch.On(transport.EventBroadcast, "", m.handlePong)
	if err := ch.Subscribe(nil); err != nil {
		return fmt.Errorf("subscribe heartbeat channel: %w", err)
	}
	m.heartbeat = ch
	return nil
}

// sendHeartbeat emits one broadcast ping and arms the pong timeout.
func (m *ConnectionManager) sendHeartbeat() {
	m.mu.Lock()
	if m.closed || m.heartbeat == nil {
		m.mu.Unlock()
		return
	}
	id := uuid.NewString()
	m.pings[id] = time.Now()
	ch := m.heartbeat
	m.mu.Unlock()

	err := ch.Send(transport.Message{
		Type:    "broadcast",
		Event:   "heartbeat",
		Payload: map[string]any{"id": id},
	})
	if err != nil {
		m.expirePing(id)
		return
	}

	time.AfterFunc(m.cfg.PongTimeout, func() { m.expirePing(id) })
}

// handlePong resolves an outstanding ping into a latency sample.
func (m *ConnectionManager) handlePong(payload []byte) {
	var msg transport.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Event != "heartbeat" {
		return
	}
	id, _ := msg.Payload["id"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	sent, ok := m.pings[id]
	if !ok {
		return
	}
	delete(m.pings, id)
	m.received++
	sample := time.Since(sent)
	m.latencies = append(m.latencies, sample)
	if len(m.latencies) > m.cfg.LatencyWindow {
		m.latencies = m.latencies[len(m.latencies)-m.cfg.LatencyWindow:]
	}
	metrics.HeartbeatLatency.Observe(sample.Seconds())
	m.publishQualityLocked()
}

// expirePing counts an unanswered ping as a lost message and treats it as
// a disconnect signal.
func (m *ConnectionManager) expirePing(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pings[id]; !ok {
		return
	}
	delete(m.pings, id)
	m.lost++
	metrics.HeartbeatsLost.Inc()
	logging.Warn().Str("ping_id", id).Msg("heartbeat pong timed out")
	m.markDisconnectedLocked()
}

// markDisconnectedLocked transitions to disconnected and starts a fresh
// reconnect cycle. A new outage resets the attempt counter; the counter
// then climbs with each scheduled attempt of this cycle.
func (m *ConnectionManager) markDisconnectedLocked() {
	if !m.connected && m.timer != nil {
		// Already disconnected with a reconnect in flight.
		return
	}
	if m.connected {
		m.connected = false
		m.attempts = 0
	}
	m.publishQualityLocked()
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next reconnect attempt with exponential
// backoff, bounded by the attempt budget and the global rate limiter.
func (m *ConnectionManager) scheduleReconnectLocked() {
	if m.closed || !m.cfg.AutoReconnect {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
		logging.Error().
			Int("attempts", m.attempts).
			Msg("reconnect attempts exhausted; staying disconnected")
		return
	}

	delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<m.attempts)
	if res := m.limiter.Reserve(); res.OK() {
		if wait := res.Delay(); wait > delay {
			delay = wait
		}
	}
	m.attempts++
	metrics.ReconnectAttempts.WithLabelValues("scheduled").Inc()
	logging.Info().
		Int("attempt", m.attempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	m.cancelTimerLocked()
	m.timer = time.AfterFunc(delay, m.attemptReconnect)
}

// attemptReconnect probes the transport and, when it is reachable again,
// recreates every registered channel from its bind function.
func (m *ConnectionManager) attemptReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.lastReconnect = time.Now()

	if !m.tr.Connected() {
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	for _, mc := range m.channels {
		_ = m.tr.RemoveChannel(mc.ch)
		if err := m.openLocked(mc); err != nil {
			logging.Error().Err(err).Str("channel", mc.name).Msg("channel recreation failed")
			m.scheduleReconnectLocked()
			m.mu.Unlock()
			return
		}
	}
	if m.heartbeat != nil {
		_ = m.tr.RemoveChannel(m.heartbeat)
		if err := m.openHeartbeatLocked(); err != nil {
			logging.Error().Err(err).Msg("heartbeat channel recreation failed")
			m.scheduleReconnectLocked()
			m.mu.Unlock()
			return
		}
	}

	m.connected = true
	m.publishQualityLocked()
	cbs := make([]func(), 0, len(m.onReconnected))
	for _, h := range m.onReconnected {
		cbs = append(cbs, h.fn)
	}
	attempts := m.attempts
	m.mu.Unlock()

	logging.Info().Int("attempts", attempts).Msg("reconnected; channels recreated")
	for _, cb := range cbs {
		cb()
	}
}

func (m *ConnectionManager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) averageLatencyLocked() time.Duration {
	if len(m.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.latencies {
		sum += d
	}
	return sum / time.Duration(len(m.latencies))
}

// qualityLocked classifies the current connection. An empty latency window
// on a live connection reads as good: healthy but unproven.
func (m *ConnectionManager) qualityLocked() Quality {
	if !m.connected {
		return QualityDisconnected
	}
	if len(m.latencies) == 0 {
		return QualityGood
	}
	avg := m.averageLatencyLocked()
	switch {
	case avg < m.cfg.ExcellentBelow:
		return QualityExcellent
	case avg < m.cfg.GoodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

func (m *ConnectionManager) publishQualityLocked() {
	var v float64
	switch m.qualityLocked() {
	case QualityExcellent:
		v = 3
	case QualityGood:
		v = 2
	case QualityPoor:
		v = 1
	default:
		v = 0
	}
	metrics.ConnectionQuality.Set(v)
}
