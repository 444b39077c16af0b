// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package models defines the typed entities shared across the realtime core
// and the validation boundary that rejects malformed channel payloads.
package models

import (
	"crypto/rand"
	"fmt"
	"time"
)

// EventStatus is the lifecycle state of a streaming event.
type EventStatus string

const (
	StatusScheduled EventStatus = "scheduled"
	StatusLive      EventStatus = "live"
	StatusEnded     EventStatus = "ended"
	StatusCancelled EventStatus = "cancelled"
)

// Valid reports whether s is a known status value.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusLive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is allowed.
// Transitions are monotonic (scheduled -> live -> ended); cancelled is
// reachable from scheduled or live only. Ended and cancelled are terminal.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusLive || next == StatusCancelled
	case StatusLive:
		return next == StatusEnded || next == StatusCancelled
	default:
		return false
	}
}

// Event is one streaming session: a director, a set of cameras, and viewers
// watching the program feed.
//
// SimulcastCreds holds opaque restream target credentials. It is excluded
// from JSON serialization so channel payloads and API responses never leak
// it to non-owners; only the durable store round-trips it.
type Event struct {
	ID             string      `json:"id" validate:"required"`
	Name           string      `json:"name" validate:"required"`
	Sport          string      `json:"sport,omitempty"`
	Status         EventStatus `json:"status" validate:"required"`
	PlaybackURL    string      `json:"playback_url,omitempty"`
	JoinCode       string      `json:"join_code" validate:"required,len=6"`
	OwnerID        string      `json:"owner_id" validate:"required"`
	SimulcastCreds string      `json:"-"`
	ViewerCount    int         `json:"viewer_count,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Camera is one operator feed registered against an event. At most one
// camera per event may have IsActive set; the director package enforces
// this at the point of activation rather than relying on the store.
type Camera struct {
	ID        string    `json:"id" validate:"required"`
	EventID   string    `json:"event_id" validate:"required"`
	Label     string    `json:"label" validate:"required"`
	IsLive    bool      `json:"is_live"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SwitchLog records one program-feed switch to the referenced camera.
type SwitchLog struct {
	ID        string    `json:"id" validate:"required"`
	EventID   string    `json:"event_id" validate:"required"`
	CameraID  string    `json:"camera_id" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// JoinCodeLength is the fixed length of event join codes.
const JoinCodeLength = 6

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateJoinCode returns a random uppercase alphanumeric join code.
// The alphabet omits easily-confused characters (0/O, 1/I) since codes are
// read aloud and typed by camera operators at the venue. Codes are immutable
// after event creation; uniqueness is enforced by the durable store.
func GenerateJoinCode() (string, error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}
