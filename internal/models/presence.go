// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package models

import "time"

// Role identifies a participant's function within an event.
type Role string

const (
	RoleDirector       Role = "director"
	RoleCameraOperator Role = "camera_operator"
	RoleViewer         Role = "viewer"
)

// Priority returns the ordering weight used when presenting online
// participants: director(3) > camera_operator(2) > viewer(1). Unknown
// roles sort last.
func (r Role) Priority() int {
	switch r {
	case RoleDirector:
		return 3
	case RoleCameraOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// PresenceRecord is the ephemeral per-connection participant record tracked
// on an event channel. A user with several tabs open contributes several
// records under distinct connection keys; that is expected, not a bug.
// Presence is never persisted to durable storage.
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Role       Role           `json:"role"`
	OnlineAt   time.Time      `json:"online_at"`
	LastActive time.Time      `json:"last_active,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Valid reports whether the record carries the fields the presence pipeline
// requires. Malformed records are filtered at the tracker boundary, never
// allowed to crash the sync pipeline.
func (p PresenceRecord) Valid() bool {
	return p.UserID != "" && !p.OnlineAt.IsZero()
}
