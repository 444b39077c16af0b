// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package projector maintains a live, typed view of one event for its
// watchers: the event row, the camera list, and program-feed switches,
// assembled from row-change notifications with the durable store as the
// source of truth.
package projector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/cache"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/realtime"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/transport"
)

// Handlers receives projection updates for one event subscription. Nil
// handlers are skipped. Handlers run on notification-delivery goroutines
// and must not block.
type Handlers struct {
	// OnEventUpdate fires with the full event whenever its row changes,
	// and once with the initial state on subscribe.
	OnEventUpdate func(models.Event)

	// OnStatusChange fires exactly once per logical status transition,
	// no matter how many notifications or re-fetches observe it.
	OnStatusChange func(from, to models.EventStatus)

	// OnCameraListUpdate fires with the full, freshly loaded camera list
	// whenever any camera row of the event changes.
	OnCameraListUpdate func([]models.Camera)

	// OnCameraSwitch fires with the target camera's label for every
	// program-feed switch.
	OnCameraSwitch func(label string)
}

// Projector turns row-change notifications into typed per-event views.
// Reads are stale-while-revalidate: cached state is served immediately and
// refreshed from the store in the background.
type Projector struct {
	store store.Store
	cache *cache.TTLCache
	mgr   *realtime.ConnectionManager

	mu   sync.Mutex
	subs map[string]*subscription
}

// New builds a projector over the given store, cache and connection
// manager. Subscriptions repair themselves after reconnects by re-fetching
// through the manager's reconnect hook.
func New(s store.Store, c *cache.TTLCache, mgr *realtime.ConnectionManager) *Projector {
	p := &Projector{
		store: s,
		cache: c,
		mgr:   mgr,
		subs:  make(map[string]*subscription),
	}
	// Notifications may have been dropped during the outage; every live
	// subscription must re-establish truth from the store.
	mgr.OnReconnected(p.refreshAll)
	return p
}

type subscription struct {
	p        *Projector
	eventID  string
	channel  string
	handlers Handlers

	mu         sync.Mutex
	lastStatus models.EventStatus
	statusSeen bool
	closed     bool
}

// ChannelName returns the transport channel carrying an event's row feed.
// The store bridge publishes to the same name the projector subscribes to.
func ChannelName(eventID string) string {
	return "event:" + eventID
}

// RowFeed adapts a row publisher into a store notification callback:
// every durable write is announced on the owning event's channel. Events
// publish on their own channel; cameras and switch logs publish on their
// event's channel via the event_id field.
func RowFeed(pub transport.RowPublisher) store.NotifyFunc {
	return func(table, operation, id string, rec store.Record) {
		eventID := id
		if table != store.TableEvents {
			eventID, _ = rec["event_id"].(string)
		}
		if eventID == "" {
			return
		}
		var row json.RawMessage
		if rec != nil {
			row, _ = json.Marshal(rec)
		}
		err := pub.PublishRowChange(ChannelName(eventID), transport.RowChange{
			Table:     table,
			Operation: operation,
			RecordID:  id,
			Row:       row,
		})
		if err != nil {
			logging.Warn().Err(err).
				Str("table", table).
				Str("record_id", id).
				Msg("row change publish failed")
		}
	}
}

func eventKey(eventID string) string   { return store.TableEvents + ":" + eventID }
func cameraKey(cameraID string) string { return store.TableCameras + ":" + cameraID }
func cameraListKey(eventID string) string {
	return store.TableCameras + ":by_event:" + eventID
}

// Subscribe starts projecting eventID into h and returns the unsubscribe
// function. Initial state is delivered before Subscribe returns: from the
// cache when warm (with a background revalidation), from the store when
// cold.
func (p *Projector) Subscribe(ctx context.Context, eventID string, h Handlers) (func(), error) {
	if eventID == "" {
		return nil, fmt.Errorf("projector: event id is required")
	}

	sub := &subscription{
		p:        p,
		eventID:  eventID,
		channel:  ChannelName(eventID),
		handlers: h,
	}

	p.mu.Lock()
	if _, exists := p.subs[eventID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("projector: already subscribed to event %q", eventID)
	}
	p.subs[eventID] = sub
	p.mu.Unlock()

	err := p.mgr.RegisterChannel(sub.channel, transport.ChannelConfig{}, sub.bind)
	if err != nil {
		p.mu.Lock()
		delete(p.subs, eventID)
		p.mu.Unlock()
		return nil, err
	}

	sub.initialLoad(ctx)

	return func() {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		sub.closed = true
		sub.mu.Unlock()

		p.mu.Lock()
		delete(p.subs, eventID)
		p.mu.Unlock()
		if err := p.mgr.UnregisterChannel(sub.channel); err != nil {
			logging.Warn().Err(err).Str("event_id", eventID).Msg("unsubscribe failed")
		}
	}, nil
}

// refreshAll re-fetches every live subscription, used after reconnects.
func (p *Projector) refreshAll() {
	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.refresh(context.Background())
	}
}

// bind wires the three row-change feeds onto a channel. It runs on the
// initial subscribe and again when reconnection recreates the channel.
func (s *subscription) bind(ch transport.Channel) error {
	ch.On(transport.EventRowChange, "table="+store.TableEvents, s.handleEventChange)
	ch.On(transport.EventRowChange, "table="+store.TableCameras, s.handleCameraChange)
	ch.On(transport.EventRowChange, "table="+store.TableSwitchLogs, s.handleSwitchLog)
	return nil
}

// initialLoad delivers starting state. Cached state goes out immediately
// and is revalidated in the background; a cold cache blocks on the store.
func (s *subscription) initialLoad(ctx context.Context) {
	servedStale := false
	if v, ok := s.p.cache.Get(eventKey(s.eventID)); ok {
		if rec, ok := v.(store.Record); ok {
			if ev, err := models.EventFromRecord(rec); err == nil {
				s.deliverEvent(ev)
				servedStale = true
			}
		}
	}
	if servedStale {
		go s.refresh(context.WithoutCancel(ctx))
		return
	}
	s.refresh(ctx)
}

// refresh re-establishes event and camera state from the store.
func (s *subscription) refresh(ctx context.Context) {
	if s.isClosed() {
		return
	}
	rec, err := s.p.store.Select(ctx, store.TableEvents, s.eventID)
	if err != nil {
		logging.Warn().Err(err).Str("event_id", s.eventID).Msg("event refresh failed")
	} else {
		s.p.cache.Set(eventKey(s.eventID), rec)
		if ev, perr := models.EventFromRecord(rec); perr == nil {
			s.deliverEvent(ev)
		} else {
			logging.Warn().Err(perr).Str("event_id", s.eventID).Msg("malformed event row")
		}
	}
	s.reloadCameras(ctx)
}

// handleEventChange projects one event row notification. The notification
// payload is trusted when it carries the row; otherwise the store is asked.
func (s *subscription) handleEventChange(payload []byte) {
	rc, err := transport.DecodeRowChange(payload)
	if err != nil {
		logging.Warn().Err(err).Msg("malformed event notification")
		return
	}
	if rc.RecordID != s.eventID || rc.Operation == "DELETE" {
		return
	}

	var ev models.Event
	if len(rc.Row) > 0 {
		ev, err = models.ParseEvent(rc.Row)
	} else {
		err = fmt.Errorf("notification carried no row")
	}
	if err != nil {
		rec, serr := s.p.store.Select(context.Background(), store.TableEvents, s.eventID)
		if serr != nil {
			logging.Warn().Err(serr).Str("event_id", s.eventID).Msg("event fetch after notification failed")
			return
		}
		ev, err = models.EventFromRecord(rec)
		if err != nil {
			logging.Warn().Err(err).Str("event_id", s.eventID).Msg("malformed event row")
			return
		}
	}

	if rec, rerr := models.ToRecord(ev); rerr == nil {
		s.p.cache.Set(eventKey(s.eventID), rec)
	}
	s.deliverEvent(ev)
}

// deliverEvent invokes OnEventUpdate and, when the status actually moved,
// OnStatusChange. Repeated observations of the same status are absorbed
// here, which is what makes the transition callback exactly-once.
func (s *subscription) deliverEvent(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var from models.EventStatus
	transitioned := false
	if !s.statusSeen {
		s.statusSeen = true
		s.lastStatus = ev.Status
	} else if ev.Status != s.lastStatus {
		from = s.lastStatus
		s.lastStatus = ev.Status
		transitioned = true
	}
	h := s.handlers
	s.mu.Unlock()

	if h.OnEventUpdate != nil {
		h.OnEventUpdate(ev)
	}
	if transitioned && h.OnStatusChange != nil {
		h.OnStatusChange(from, ev.Status)
	}
}

// handleCameraChange reloads the whole camera list on any camera row
// change. Diffing individual rows against the list is not worth the
// bookkeeping at tens of cameras per event.
func (s *subscription) handleCameraChange(payload []byte) {
	if _, err := transport.DecodeRowChange(payload); err != nil {
		logging.Warn().Err(err).Msg("malformed camera notification")
		return
	}
	s.reloadCameras(context.Background())
}

func (s *subscription) reloadCameras(ctx context.Context) {
	if s.isClosed() {
		return
	}
	recs, err := s.p.store.SelectByParent(ctx, store.TableCameras, s.eventID)
	if err != nil {
		logging.Warn().Err(err).Str("event_id", s.eventID).Msg("camera list reload failed")
		return
	}

	cameras := make([]models.Camera, 0, len(recs))
	for _, rec := range recs {
		cam, perr := models.CameraFromRecord(rec)
		if perr != nil {
			logging.Warn().Err(perr).Str("event_id", s.eventID).Msg("malformed camera row")
			continue
		}
		cameras = append(cameras, cam)
		s.p.cache.Set(cameraKey(cam.ID), rec)
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Label < cameras[j].Label })
	s.p.cache.Set(cameraListKey(s.eventID), cameras)

	s.mu.Lock()
	h := s.handlers
	closed := s.closed
	s.mu.Unlock()
	if !closed && h.OnCameraListUpdate != nil {
		h.OnCameraListUpdate(cameras)
	}
}

// handleSwitchLog reports a program-feed switch with the target camera's
// label, resolved cache-first with the store as fallback.
func (s *subscription) handleSwitchLog(payload []byte) {
	rc, err := transport.DecodeRowChange(payload)
	if err != nil {
		logging.Warn().Err(err).Msg("malformed switch-log notification")
		return
	}
	if rc.Operation != "INSERT" {
		return
	}

	var sl models.SwitchLog
	if len(rc.Row) > 0 {
		sl, err = models.ParseSwitchLog(rc.Row)
	} else {
		err = fmt.Errorf("notification carried no row")
	}
	if err != nil {
		rec, serr := s.p.store.Select(context.Background(), store.TableSwitchLogs, rc.RecordID)
		if serr != nil {
			logging.Warn().Err(serr).Str("record_id", rc.RecordID).Msg("switch-log fetch failed")
			return
		}
		sl = models.SwitchLog{}
		if id, ok := rec["camera_id"].(string); ok {
			sl.CameraID = id
		}
	}
	if sl.CameraID == "" {
		return
	}

	label := s.resolveCameraLabel(sl.CameraID)

	s.mu.Lock()
	h := s.handlers
	closed := s.closed
	s.mu.Unlock()
	if !closed && h.OnCameraSwitch != nil {
		h.OnCameraSwitch(label)
	}
}

// resolveCameraLabel looks the camera up in the cache, then the store. An
// unresolvable camera falls back to its id so the switch is still reported.
func (s *subscription) resolveCameraLabel(cameraID string) string {
	if v, ok := s.p.cache.Get(cameraKey(cameraID)); ok {
		if rec, ok := v.(store.Record); ok {
			if label, ok := rec["label"].(string); ok && label != "" {
				return label
			}
		}
	}
	rec, err := s.p.store.Select(context.Background(), store.TableCameras, cameraID)
	if err == nil {
		s.p.cache.Set(cameraKey(cameraID), rec)
		if label, ok := rec["label"].(string); ok && label != "" {
			return label
		}
	}
	return cameraID
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
