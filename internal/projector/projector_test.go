// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package projector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/cache"
	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/realtime"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/transport"
)

type fixture struct {
	tr    *transport.MemoryTransport
	mem   *store.Memory
	store store.Store
	cache *cache.TTLCache
	mgr   *realtime.ConnectionManager
	proj  *Projector
}

// newFixture wires the full server-side path: writes to the store publish
// row-change notifications on the owning event's channel, exactly as the
// daemon does it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { tr.Close() })
	mem := store.NewMemory()

	notifying := store.WithNotify(mem, RowFeed(tr))

	mgr := realtime.NewConnectionManager(tr, config.RealtimeConfig{
		HealthInterval:       5 * time.Millisecond,
		HeartbeatInterval:    10 * time.Millisecond,
		PongTimeout:          20 * time.Millisecond,
		LatencyWindow:        10,
		ExcellentBelow:       100 * time.Millisecond,
		GoodBelow:            300 * time.Millisecond,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   5 * time.Millisecond,
	})
	t.Cleanup(mgr.Close)

	c := cache.New(0, 0)
	return &fixture{
		tr:    tr,
		mem:   mem,
		store: notifying,
		cache: c,
		mgr:   mgr,
		proj:  New(notifying, c, mgr),
	}
}

func seedEvent(t *testing.T, f *fixture, id string) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), store.TableEvents, id, store.Record{
		"name":      "City Derby",
		"sport":     "football",
		"status":    "scheduled",
		"join_code": "ABC234",
		"owner_id":  "director-1",
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func seedCamera(t *testing.T, f *fixture, id, eventID, label string) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), store.TableCameras, id, store.Record{
		"event_id": eventID,
		"label":    label,
	})
	if err != nil {
		t.Fatalf("seed camera %s: %v", id, err)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// recorder collects handler invocations thread-safely.
type recorder struct {
	mu          sync.Mutex
	events      []models.Event
	transitions []string
	cameraLists [][]models.Camera
	switches    []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEventUpdate: func(ev models.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnStatusChange: func(from, to models.EventStatus) {
			r.mu.Lock()
			r.transitions = append(r.transitions, string(from)+"->"+string(to))
			r.mu.Unlock()
		},
		OnCameraListUpdate: func(cams []models.Camera) {
			r.mu.Lock()
			r.cameraLists = append(r.cameraLists, cams)
			r.mu.Unlock()
		},
		OnCameraSwitch: func(label string) {
			r.mu.Lock()
			r.switches = append(r.switches, label)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]models.Event, []string, [][]models.Camera, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event{}, r.events...),
		append([]string{}, r.transitions...),
		append([][]models.Camera{}, r.cameraLists...),
		append([]string{}, r.switches...)
}

func TestSubscribeDeliversInitialState(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")
	seedCamera(t, f, "c1", "e1", "Sideline")

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	events, _, lists, _ := rec.snapshot()
	if len(events) != 1 || events[0].Name != "City Derby" {
		t.Fatalf("expected initial event delivery, got %v", events)
	}
	if events[0].Status != models.StatusScheduled {
		t.Errorf("initial status = %q", events[0].Status)
	}
	if len(lists) != 1 || len(lists[0]) != 1 || lists[0][0].Label != "Sideline" {
		t.Fatalf("expected initial camera list, got %v", lists)
	}
}

func TestStatusTransitionReportedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if _, err := f.store.Update(context.Background(), store.TableEvents, "e1", store.Record{"status": "live"}); err != nil {
		t.Fatal(err)
	}

	// Redeliver the same row and force a refresh: both observe the status
	// already known and must stay silent.
	srv, err := f.store.Select(context.Background(), store.TableEvents, "e1")
	if err != nil {
		t.Fatal(err)
	}
	row, _ := json.Marshal(srv)
	if err := f.tr.PublishRowChange("event:e1", transport.RowChange{
		Table: store.TableEvents, Operation: "UPDATE", RecordID: "e1", Row: row,
	}); err != nil {
		t.Fatal(err)
	}
	f.proj.refreshAll()

	events, transitions, _, _ := rec.snapshot()
	if len(transitions) != 1 || transitions[0] != "scheduled->live" {
		t.Fatalf("transitions = %v, want exactly one scheduled->live", transitions)
	}
	// The event update itself is delivered every time; only the transition
	// callback deduplicates.
	if len(events) < 3 {
		t.Errorf("expected event updates for each observation, got %d", len(events))
	}
}

func TestCameraChangeReloadsFullList(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	seedCamera(t, f, "c2", "e1", "Wide")
	seedCamera(t, f, "c1", "e1", "Closeup")

	_, _, lists, _ := rec.snapshot()
	if len(lists) < 3 {
		t.Fatalf("expected a reload per camera change, got %d lists", len(lists))
	}
	last := lists[len(lists)-1]
	if len(last) != 2 {
		t.Fatalf("expected full list of 2 cameras, got %v", last)
	}
	if last[0].Label != "Closeup" || last[1].Label != "Wide" {
		t.Errorf("expected label-sorted list, got %v", last)
	}
}

func TestSwitchLogResolvesCameraLabel(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")
	seedCamera(t, f, "c1", "e1", "Main")

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	_, err = f.store.Insert(context.Background(), store.TableSwitchLogs, "l1", store.Record{
		"event_id":  "e1",
		"camera_id": "c1",
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, switches := rec.snapshot()
	if len(switches) != 1 || switches[0] != "Main" {
		t.Fatalf("switches = %v, want [Main]", switches)
	}

	// An unknown camera still reports the switch, with the id as the label
	// of last resort.
	_, err = f.store.Insert(context.Background(), store.TableSwitchLogs, "l2", store.Record{
		"event_id":  "e1",
		"camera_id": "ghost",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, switches = rec.snapshot()
	if len(switches) != 2 || switches[1] != "ghost" {
		t.Errorf("switches = %v, want fallback label", switches)
	}
}

func TestReconnectRepairsMissedChanges(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	// Outage: the status change lands in the store but its notification
	// is lost.
	f.tr.SetConnected(false)
	f.mgr.CheckHealth()
	if _, err := f.store.Update(context.Background(), store.TableEvents, "e1", store.Record{"status": "live"}); err != nil {
		t.Fatal(err)
	}
	_, transitions, _, _ := rec.snapshot()
	if len(transitions) != 0 {
		t.Fatalf("expected no transition during outage, got %v", transitions)
	}

	f.tr.SetConnected(true)
	waitFor(t, time.Second, func() bool {
		_, transitions, _, _ := rec.snapshot()
		return len(transitions) == 1
	}, "expected reconnect re-fetch to surface the missed transition")

	_, transitions, _, _ = rec.snapshot()
	if transitions[0] != "scheduled->live" {
		t.Errorf("transition = %q", transitions[0])
	}
}

func TestStaleWhileRevalidateServesCacheFirst(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")

	// Warm the cache with an outdated copy, then move the store ahead.
	stale, err := f.mem.Select(context.Background(), store.TableEvents, "e1")
	if err != nil {
		t.Fatal(err)
	}
	stale["name"] = "Stale Derby"
	f.cache.Set(eventKey("e1"), stale)
	if _, err := f.mem.Update(context.Background(), store.TableEvents, "e1", store.Record{"name": "Fresh Derby"}); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub, err := f.proj.Subscribe(context.Background(), "e1", rec.handlers())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	events, _, _, _ := rec.snapshot()
	if len(events) == 0 || events[0].Name != "Stale Derby" {
		t.Fatalf("expected the cached copy first, got %v", events)
	}

	waitFor(t, time.Second, func() bool {
		events, _, _, _ := rec.snapshot()
		return len(events) >= 2 && events[len(events)-1].Name == "Fresh Derby"
	}, "expected background revalidation to deliver the fresh copy")
}

func TestDuplicateSubscriptionRejected(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f, "e1")

	unsub, err := f.proj.Subscribe(context.Background(), "e1", Handlers{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if _, err := f.proj.Subscribe(context.Background(), "e1", Handlers{}); err == nil {
		t.Error("expected duplicate subscription to fail")
	}
}
