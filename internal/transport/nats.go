// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/models"
)

// NATSTransportConfig configures the production transport.
type NATSTransportConfig struct {
	// URL is the NATS server address.
	URL string

	// StreamName is the JetStream stream carrying row-change topics.
	StreamName string

	// MaxReconnects and ReconnectWait tune the client library's own
	// reconnect loop. The realtime layer's poll-based health check and
	// channel resubscription run on top of this, not instead of it.
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSTransport implements Transport over NATS.
//
// Row-change notifications travel through JetStream topics via Watermill,
// so at-least-once delivery holds across broker restarts. Broadcasts and
// presence use core NATS subjects: they are ephemeral by contract and
// should not be persisted or replayed.
type NATSTransport struct {
	mu         sync.Mutex
	cfg        NATSTransportConfig
	conn       *natsgo.Conn
	publisher  message.Publisher
	subscriber message.Subscriber
	channels   []*natsChannel
	closed     bool
}

// subjectSafe maps channel names like "event:ev-1" onto NATS-legal tokens.
var subjectSafe = strings.NewReplacer(":", "-", ".", "-", " ", "-", "*", "-", ">", "-")

// NewNATS connects to NATS and prepares the Watermill publisher and
// subscriber for the row-change feed.
func NewNATS(cfg NATSTransportConfig) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "switchcast"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	wmLogger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create row publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
			},
		},
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		conn.Close()
		return nil, fmt.Errorf("create row subscriber: %w", err)
	}

	return &NATSTransport{
		cfg:        cfg,
		conn:       conn,
		publisher:  pub,
		subscriber: sub,
	}, nil
}

// Channel creates a channel on this transport.
func (t *NATSTransport) Channel(name string, cfg ChannelConfig) Channel {
	return &natsChannel{
		t:        t,
		name:     name,
		key:      uuid.NewString(),
		cfg:      cfg,
		handlers: make(map[EventType][]handlerEntry),
		registry: make(PresenceState),
	}
}

// RemoveChannel unsubscribes and forgets a channel.
func (t *NATSTransport) RemoveChannel(ch Channel) error {
	nc, ok := ch.(*natsChannel)
	if !ok {
		return nil
	}
	return nc.Unsubscribe()
}

// Connected probes the underlying NATS connection state.
func (t *NATSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn.Status() == natsgo.CONNECTED
}

// Close tears down all channels and connections.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := make([]*natsChannel, len(t.channels))
	copy(chans, t.channels)
	t.channels = nil
	t.mu.Unlock()

	for _, c := range chans {
		_ = c.Unsubscribe()
	}
	_ = t.subscriber.Close()
	_ = t.publisher.Close()
	t.conn.Close()
	return nil
}

// PublishRowChange publishes a row-change notification on the channel's
// JetStream topic. This is the server-side producer hook used by the store
// bridge; channel consumers receive it through On(EventRowChange, ...).
func (t *NATSTransport) PublishRowChange(channelName string, rc RowChange) error {
	payload, err := EncodeRowChange(rc)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return t.publisher.Publish(t.rowsTopic(channelName), msg)
}

func (t *NATSTransport) rowsTopic(channel string) string {
	return t.cfg.StreamName + "-rows-" + subjectSafe.Replace(channel)
}

func (t *NATSTransport) broadcastSubject(channel string) string {
	return t.cfg.StreamName + ".broadcast." + subjectSafe.Replace(channel)
}

func (t *NATSTransport) presenceSubject(channel string) string {
	return t.cfg.StreamName + ".presence." + subjectSafe.Replace(channel)
}

// presenceFrame is the wire format for the lightweight presence gossip
// exchanged on a channel's presence subject.
type presenceFrame struct {
	Action  string                  `json:"action"` // join, announce, leave
	Key     string                  `json:"key"`
	Records []models.PresenceRecord `json:"records"`
}

type natsChannel struct {
	mu         sync.Mutex
	t          *NATSTransport
	name       string
	key        string
	cfg        ChannelConfig
	handlers   map[EventType][]handlerEntry
	statusCb   func(Status, error)
	subscribed bool
	tracked    *models.PresenceRecord
	registry   PresenceState

	broadcastSub *natsgo.Subscription
	presenceSub  *natsgo.Subscription
	rowsCancel   context.CancelFunc
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) On(event EventType, filter string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handlerEntry{filter: filter, handler: h})
}

func (c *natsChannel) Subscribe(status func(Status, error)) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.statusCb = status
	c.mu.Unlock()

	bSub, err := c.t.conn.Subscribe(c.t.broadcastSubject(c.name), func(m *natsgo.Msg) {
		c.dispatch(EventBroadcast, m.Data)
	})
	if err != nil {
		c.notifyStatus(StatusError, err)
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	var pSub *natsgo.Subscription
	if c.cfg.Presence {
		pSub, err = c.t.conn.Subscribe(c.t.presenceSubject(c.name), func(m *natsgo.Msg) {
			c.handlePresenceFrame(m.Data)
		})
		if err != nil {
			_ = bSub.Unsubscribe()
			c.notifyStatus(StatusError, err)
			return fmt.Errorf("subscribe presence: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rows, err := c.t.subscriber.Subscribe(ctx, c.t.rowsTopic(c.name))
	if err != nil {
		cancel()
		_ = bSub.Unsubscribe()
		if pSub != nil {
			_ = pSub.Unsubscribe()
		}
		c.notifyStatus(StatusError, err)
		return fmt.Errorf("subscribe rows: %w", err)
	}
	go c.consumeRows(rows)

	c.mu.Lock()
	c.broadcastSub = bSub
	c.presenceSub = pSub
	c.rowsCancel = cancel
	c.mu.Unlock()

	c.t.mu.Lock()
	c.t.channels = append(c.t.channels, c)
	c.t.mu.Unlock()

	c.notifyStatus(StatusSubscribed, nil)
	return nil
}

func (c *natsChannel) consumeRows(msgs <-chan *message.Message) {
	for m := range msgs {
		rc, err := DecodeRowChange(m.Payload)
		if err != nil {
			logging.Warn().Err(err).Str("channel", c.name).Msg("dropping malformed row change")
			m.Ack()
			continue
		}
		c.dispatchRow(rc, m.Payload)
		m.Ack()
	}
}

func (c *natsChannel) Track(p models.PresenceRecord) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.tracked = &p
	c.registry[c.key] = []models.PresenceRecord{p}
	c.mu.Unlock()

	if err := c.publishPresence("join", []models.PresenceRecord{p}); err != nil {
		return err
	}
	c.emitSync()
	return nil
}

func (c *natsChannel) Untrack() error {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = nil
	delete(c.registry, c.key)
	c.mu.Unlock()

	if tracked == nil {
		return nil
	}
	if err := c.publishPresence("leave", []models.PresenceRecord{*tracked}); err != nil {
		return err
	}
	c.emitSync()
	return nil
}

func (c *natsChannel) Send(msg Message) error {
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
	return c.t.conn.Publish(c.t.broadcastSubject(c.name), payload)
}

func (c *natsChannel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	tracked := c.tracked
	c.tracked = nil
	bSub, pSub, cancel := c.broadcastSub, c.presenceSub, c.rowsCancel
	c.broadcastSub, c.presenceSub, c.rowsCancel = nil, nil, nil
	c.mu.Unlock()

	if tracked != nil {
		_ = c.publishPresence("leave", []models.PresenceRecord{*tracked})
	}
	if cancel != nil {
		cancel()
	}
	if bSub != nil {
		_ = bSub.Unsubscribe()
	}
	if pSub != nil {
		_ = pSub.Unsubscribe()
	}

	c.t.mu.Lock()
	for i, ch := range c.t.channels {
		if ch == c {
			c.t.channels = append(c.t.channels[:i], c.t.channels[i+1:]...)
			break
		}
	}
	c.t.mu.Unlock()

	c.notifyStatus(StatusClosed, nil)
	return nil
}

func (c *natsChannel) publishPresence(action string, records []models.PresenceRecord) error {
	if !c.t.Connected() {
		return ErrDisconnected
	}
	frame := presenceFrame{Action: action, Key: c.key, Records: records}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.t.conn.Publish(c.t.presenceSubject(c.name), payload)
}

// handlePresenceFrame maintains this channel's local presence registry from
// the gossip subject. On seeing a newcomer's join, members re-announce
// themselves so the newcomer converges on the full state; announces are
// never re-answered, which keeps the gossip from looping.
func (c *natsChannel) handlePresenceFrame(data []byte) {
	var frame presenceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Warn().Err(err).Str("channel", c.name).Msg("dropping malformed presence frame")
		return
	}
	if frame.Key == c.key {
		return // echo of our own publish
	}

	c.mu.Lock()
	_, known := c.registry[frame.Key]
	var own *models.PresenceRecord
	switch frame.Action {
	case "join", "announce":
		c.registry[frame.Key] = frame.Records
		if frame.Action == "join" && !known && c.tracked != nil {
			own = c.tracked
		}
	case "leave":
		delete(c.registry, frame.Key)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	diff := PresenceDiff{Key: frame.Key, Records: frame.Records}
	payload, err := json.Marshal(diff)
	if err == nil {
		switch frame.Action {
		case "join":
			c.dispatch(EventPresenceJoin, payload)
		case "leave":
			c.dispatch(EventPresenceLeave, payload)
		}
	}
	c.emitSync()

	if own != nil {
		_ = c.publishPresence("announce", []models.PresenceRecord{*own})
	}
}

func (c *natsChannel) emitSync() {
	c.mu.Lock()
	state := make(PresenceState, len(c.registry))
	for k, recs := range c.registry {
		cp := make([]models.PresenceRecord, len(recs))
		copy(cp, recs)
		state[k] = cp
	}
	c.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.dispatch(EventPresenceSync, payload)
}

func (c *natsChannel) notifyStatus(s Status, err error) {
	c.mu.Lock()
	cb := c.statusCb
	c.mu.Unlock()
	if cb != nil {
		cb(s, err)
	}
}

func (c *natsChannel) dispatch(event EventType, payload []byte) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.mu.Unlock()
	for _, e := range entries {
		e.handler(payload)
	}
}

func (c *natsChannel) dispatchRow(rc RowChange, payload []byte) {
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
