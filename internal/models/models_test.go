// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package models

import (
	"strings"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to EventStatus
	}{
		{StatusScheduled, StatusLive},
		{StatusScheduled, StatusCancelled},
		{StatusLive, StatusEnded},
		{StatusLive, StatusCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to EventStatus
	}{
		{StatusLive, StatusScheduled},
		{StatusEnded, StatusLive},
		{StatusEnded, StatusCancelled},
		{StatusCancelled, StatusScheduled},
		{StatusScheduled, StatusEnded},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestGenerateJoinCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateJoinCode()
		if err != nil {
			t.Fatalf("GenerateJoinCode: %v", err)
		}
		if len(code) != JoinCodeLength {
			t.Fatalf("expected %d characters, got %q", JoinCodeLength, code)
		}
		if code != strings.ToUpper(code) {
			t.Errorf("expected uppercase code, got %q", code)
		}
		seen[code] = true
	}
	// 100 draws from a 32^6 space colliding down to a handful would mean
	// the generator is broken.
	if len(seen) < 95 {
		t.Errorf("suspiciously many duplicate codes: %d unique of 100", len(seen))
	}
}

func TestRolePriority(t *testing.T) {
	if RoleDirector.Priority() <= RoleCameraOperator.Priority() {
		t.Error("director must outrank camera operator")
	}
	if RoleCameraOperator.Priority() <= RoleViewer.Priority() {
		t.Error("camera operator must outrank viewer")
	}
	if Role("unknown").Priority() != 0 {
		t.Error("unknown role must sort last")
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"id": `,
		"missing id":     `{"name":"Final","status":"live","join_code":"ABC234","owner_id":"u1"}`,
		"bad status":     `{"id":"e1","name":"Final","status":"paused","join_code":"ABC234","owner_id":"u1"}`,
		"short joincode": `{"id":"e1","name":"Final","status":"live","join_code":"AB","owner_id":"u1"}`,
	}
	for name, payload := range cases {
		if _, err := ParseEvent([]byte(payload)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestParseEventValid(t *testing.T) {
	payload := `{"id":"e1","name":"Final","sport":"hockey","status":"live","join_code":"ABC234","owner_id":"u1","updated_at":"2026-08-30T12:00:00Z"}`
	e, err := ParseEvent([]byte(payload))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if e.Status != StatusLive || e.JoinCode != "ABC234" {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestSimulcastCredsNeverSerialized(t *testing.T) {
	e := Event{
		ID: "e1", Name: "Final", Status: StatusLive,
		JoinCode: "ABC234", OwnerID: "u1", SimulcastCreds: "rtmp-secret",
	}
	m, err := ToRecord(e)
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	for k, v := range m {
		if s, ok := v.(string); ok && s == "rtmp-secret" {
			t.Errorf("simulcast credentials leaked through field %q", k)
		}
	}
}

func TestParsePresenceFiltersMalformed(t *testing.T) {
	if _, ok := ParsePresence([]byte(`{"role":"viewer"}`)); ok {
		t.Error("record without user_id must be filtered")
	}
	if _, ok := ParsePresence([]byte(`{"user_id":"u1"}`)); ok {
		t.Error("record without online_at must be filtered")
	}
	if _, ok := ParsePresence([]byte(`not json`)); ok {
		t.Error("invalid JSON must be filtered")
	}
	p, ok := ParsePresence([]byte(`{"user_id":"u1","role":"director","online_at":"2026-08-30T12:00:00Z"}`))
	if !ok {
		t.Fatal("valid record rejected")
	}
	if p.Role != RoleDirector {
		t.Errorf("unexpected role %q", p.Role)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	c := Camera{
		ID: "c1", EventID: "e1", Label: "Camera 1",
		IsLive: true, IsActive: false, UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	m, err := ToRecord(c)
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	back, err := CameraFromRecord(m)
	if err != nil {
		t.Fatalf("CameraFromRecord: %v", err)
	}
	if back.ID != c.ID || back.Label != c.Label || back.IsLive != c.IsLive {
		t.Errorf("round trip mismatch: %+v vs %+v", back, c)
	}
}
