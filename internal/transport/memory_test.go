// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package transport

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/models"
)

func subscribed(t *testing.T, tr *MemoryTransport, name string, cfg ChannelConfig) Channel {
	t.Helper()
	ch := tr.Channel(name, cfg)
	if err := ch.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return ch
}

func TestBroadcastLoopsBackToSender(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	ch := subscribed(t, tr, "event:e1", ChannelConfig{})
	var got []Message
	ch.On(EventBroadcast, "", func(payload []byte) {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			t.Errorf("unmarshal broadcast: %v", err)
			return
		}
		got = append(got, m)
	})

	if err := ch.Send(Message{Type: "broadcast", Event: "ping", Payload: map[string]any{"id": "p1"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 || got[0].Event != "ping" {
		t.Fatalf("expected own broadcast to loop back, got %v", got)
	}
}

func TestBroadcastReachesAllChannels(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	a := subscribed(t, tr, "event:e1", ChannelConfig{})
	b := subscribed(t, tr, "event:e1", ChannelConfig{})
	other := subscribed(t, tr, "event:e2", ChannelConfig{})

	var bGot, otherGot int
	b.On(EventBroadcast, "", func([]byte) { bGot++ })
	other.On(EventBroadcast, "", func([]byte) { otherGot++ })

	if err := a.Send(Message{Type: "broadcast", Event: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if bGot != 1 {
		t.Errorf("expected sibling channel to receive broadcast, got %d", bGot)
	}
	if otherGot != 0 {
		t.Errorf("broadcast must not leak across channel names, got %d", otherGot)
	}
}

func TestRowChangeFilter(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	ch := subscribed(t, tr, "event:e1", ChannelConfig{})
	var cameras, all int
	ch.On(EventRowChange, "table=cameras", func([]byte) { cameras++ })
	ch.On(EventRowChange, "", func([]byte) { all++ })

	if err := tr.PublishRowChange("event:e1", RowChange{Table: "cameras", Operation: "UPDATE", RecordID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.PublishRowChange("event:e1", RowChange{Table: "events", Operation: "UPDATE", RecordID: "e1"}); err != nil {
		t.Fatal(err)
	}

	if cameras != 1 {
		t.Errorf("expected 1 filtered delivery, got %d", cameras)
	}
	if all != 2 {
		t.Errorf("expected 2 unfiltered deliveries, got %d", all)
	}
}

func TestDisconnectedDeliversNothing(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	ch := subscribed(t, tr, "event:e1", ChannelConfig{})
	var got int
	ch.On(EventRowChange, "", func([]byte) { got++ })

	tr.SetConnected(false)
	if tr.Connected() {
		t.Fatal("expected Connected to report false")
	}
	_ = tr.PublishRowChange("event:e1", RowChange{Table: "events", RecordID: "e1"})
	if got != 0 {
		t.Error("nothing may be delivered while disconnected")
	}
	if err := ch.Send(Message{Type: "broadcast", Event: "x"}); err == nil {
		t.Error("Send must fail while disconnected")
	}

	tr.SetConnected(true)
	_ = tr.PublishRowChange("event:e1", RowChange{Table: "events", RecordID: "e1"})
	if got != 1 {
		t.Errorf("expected delivery after reconnect, got %d", got)
	}
}

func TestPresenceTrackAndLeave(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	a := subscribed(t, tr, "event:e1", ChannelConfig{Presence: true})
	b := subscribed(t, tr, "event:e1", ChannelConfig{Presence: true})

	var syncs []PresenceState
	var joins, leaves []PresenceDiff
	a.On(EventPresenceSync, "", func(payload []byte) {
		var s PresenceState
		if err := json.Unmarshal(payload, &s); err == nil {
			syncs = append(syncs, s)
		}
	})
	a.On(EventPresenceJoin, "", func(payload []byte) {
		var d PresenceDiff
		if err := json.Unmarshal(payload, &d); err == nil {
			joins = append(joins, d)
		}
	})
	a.On(EventPresenceLeave, "", func(payload []byte) {
		var d PresenceDiff
		if err := json.Unmarshal(payload, &d); err == nil {
			leaves = append(leaves, d)
		}
	})

	director := models.PresenceRecord{UserID: "u1", Role: models.RoleDirector, OnlineAt: time.Now()}
	operator := models.PresenceRecord{UserID: "u2", Role: models.RoleCameraOperator, OnlineAt: time.Now()}

	if err := a.Track(director); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := b.Track(operator); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if len(joins) != 1 || joins[0].Records[0].UserID != "u2" {
		t.Fatalf("expected a to observe u2's join, got %v", joins)
	}
	if len(syncs) == 0 {
		t.Fatal("expected sync deliveries")
	}
	last := syncs[len(syncs)-1]
	if len(last) != 2 {
		t.Errorf("expected 2 connections in final sync, got %d", len(last))
	}

	if err := b.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(leaves) != 1 || leaves[0].Records[0].UserID != "u2" {
		t.Errorf("expected a to observe u2's leave, got %v", leaves)
	}
}
