// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package realtime

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/transport"
)

func attach(t *testing.T, tr *transport.MemoryTransport, name string, self models.PresenceRecord) (*PresenceTracker, *Presence) {
	t.Helper()
	m := NewConnectionManager(tr, testRealtimeConfig())
	t.Cleanup(m.Close)
	pt := NewPresenceTracker(m)
	p, err := pt.Attach(name, self)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return pt, p
}

func record(userID string, role models.Role) models.PresenceRecord {
	return models.PresenceRecord{UserID: userID, Role: role, OnlineAt: time.Now()}
}

func TestPresenceSortedByRolePriority(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	_, p := attach(t, tr, "event:e1", record("u9", models.RoleViewer))
	attach(t, tr, "event:e1", record("u1", models.RoleCameraOperator))
	attach(t, tr, "event:e1", record("u5", models.RoleDirector))
	attach(t, tr, "event:e1", record("u2", models.RoleViewer))

	got := p.Participants()
	want := []struct {
		userID string
		role   models.Role
	}{
		{"u5", models.RoleDirector},
		{"u1", models.RoleCameraOperator},
		{"u2", models.RoleViewer},
		{"u9", models.RoleViewer},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d participants, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].UserID != w.userID || got[i].Role != w.role {
			t.Errorf("position %d = %s/%s, want %s/%s",
				i, got[i].UserID, got[i].Role, w.userID, w.role)
		}
	}
}

func TestPresenceFiltersMalformedRecords(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	_, p := attach(t, tr, "event:e1", record("u1", models.RoleDirector))

	// A raw channel tracks a record with no user id; the tracker must drop
	// it instead of surfacing it.
	raw := tr.Channel("event:e1", transport.ChannelConfig{Presence: true})
	if err := raw.Subscribe(nil); err != nil {
		t.Fatal(err)
	}
	if err := raw.Track(models.PresenceRecord{Role: models.RoleViewer, OnlineAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got := p.Participants()
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Errorf("expected only the valid record to survive, got %v", got)
	}
}

func TestPresenceJoinLeaveCallbacks(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	_, p := attach(t, tr, "event:e1", record("u1", models.RoleDirector))
	var joins, leaves []string
	p.OnJoin(func(recs []models.PresenceRecord) {
		for _, r := range recs {
			joins = append(joins, r.UserID)
		}
	})
	p.OnLeave(func(recs []models.PresenceRecord) {
		for _, r := range recs {
			leaves = append(leaves, r.UserID)
		}
	})

	other, otherHandle := attach(t, tr, "event:e1", record("u2", models.RoleViewer))
	if len(joins) != 1 || joins[0] != "u2" {
		t.Fatalf("joins = %v, want [u2]", joins)
	}

	if err := other.Detach(otherHandle); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if len(leaves) != 1 || leaves[0] != "u2" {
		t.Errorf("leaves = %v, want [u2]", leaves)
	}
	if got := p.Participants(); len(got) != 1 {
		t.Errorf("expected 1 remaining participant, got %v", got)
	}
}

func TestDetachReleasesReconnectHook(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	m := NewConnectionManager(tr, testRealtimeConfig())
	defer m.Close()
	pt := NewPresenceTracker(m)

	p, err := pt.Attach("event:e1", record("u1", models.RoleDirector))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.mu.Lock()
	before := len(m.onReconnected)
	m.mu.Unlock()
	if before != 1 {
		t.Fatalf("reconnect hooks after attach = %d, want 1", before)
	}

	if err := pt.Detach(p); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	// The manager must not keep a closure over a detached handle alive.
	m.mu.Lock()
	after := len(m.onReconnected)
	m.mu.Unlock()
	if after != 0 {
		t.Errorf("reconnect hooks after detach = %d, want 0", after)
	}
}

func TestDuplicateSyncIsIdempotent(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	_, p := attach(t, tr, "event:e1", record("u1", models.RoleDirector))
	var syncs int
	p.OnSync(func([]models.PresenceRecord) { syncs++ })

	state := transport.PresenceState{
		"conn-a": {record("u1", models.RoleDirector)},
		"conn-b": {record("u2", models.RoleViewer)},
	}
	payload, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	p.handleSync(payload)
	p.handleSync(payload)

	if syncs != 1 {
		t.Errorf("sync callbacks = %d, want 1 for a duplicate sync", syncs)
	}
}

func TestIndicatorsReplaceNotAccumulate(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	_, director := attach(t, tr, "event:e1", record("u1", models.RoleDirector))
	opTracker, operator := attach(t, tr, "event:e1", record("u2", models.RoleCameraOperator))

	if err := operator.BroadcastIndicator("adjusting", map[string]any{"camera": "c1"}); err != nil {
		t.Fatalf("BroadcastIndicator: %v", err)
	}
	if err := operator.BroadcastIndicator("adjusting", map[string]any{"camera": "c2"}); err != nil {
		t.Fatalf("BroadcastIndicator: %v", err)
	}

	inds := director.Indicators()
	if len(inds) != 1 {
		t.Fatalf("expected one indicator per (type, user), got %d", len(inds))
	}
	if inds[0].Data["camera"] != "c2" {
		t.Errorf("expected latest indicator to win, got %v", inds[0].Data)
	}

	// Departure prunes the departing user's indicators.
	if err := opTracker.Detach(operator); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if inds := director.Indicators(); len(inds) != 0 {
		t.Errorf("expected indicators pruned on leave, got %v", inds)
	}
}

func TestAttachRejectsMalformedSelf(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	m := NewConnectionManager(tr, testRealtimeConfig())
	defer m.Close()
	pt := NewPresenceTracker(m)

	if _, err := pt.Attach("event:e1", models.PresenceRecord{Role: models.RoleViewer}); err == nil {
		t.Error("expected malformed self record to be rejected")
	}
}
