// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// validate is the shared validator instance. validator caches struct
// metadata internally, so a single instance is the intended usage.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEvent decodes and validates an event row payload from a channel
// notification or store row. Malformed payloads are rejected with an error
// rather than trusted at runtime.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if !e.Status.Valid() {
		return Event{}, fmt.Errorf("parse event %q: invalid status %q", e.ID, e.Status)
	}
	if err := validate.Struct(e); err != nil {
		return Event{}, fmt.Errorf("validate event: %w", err)
	}
	return e, nil
}

// ParseCamera decodes and validates a camera row payload.
func ParseCamera(data []byte) (Camera, error) {
	var c Camera
	if err := json.Unmarshal(data, &c); err != nil {
		return Camera{}, fmt.Errorf("parse camera: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return Camera{}, fmt.Errorf("validate camera: %w", err)
	}
	return c, nil
}

// ParseSwitchLog decodes and validates a switch-log row payload.
func ParseSwitchLog(data []byte) (SwitchLog, error) {
	var s SwitchLog
	if err := json.Unmarshal(data, &s); err != nil {
		return SwitchLog{}, fmt.Errorf("parse switch log: %w", err)
	}
	if err := validate.Struct(s); err != nil {
		return SwitchLog{}, fmt.Errorf("validate switch log: %w", err)
	}
	return s, nil
}

// ParsePresence decodes a single presence record. The boolean result
// mirrors the filtering contract: malformed entries are skipped, not fatal.
func ParsePresence(data []byte) (PresenceRecord, bool) {
	var p PresenceRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return PresenceRecord{}, false
	}
	return p, p.Valid()
}

// ToRecord converts a typed entity to the generic field map used by the
// store and the optimistic sync cache. Conversion goes through JSON so
// field names match the wire format exactly.
func ToRecord(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return m, nil
}

// EventFromRecord converts a generic field map back to a typed Event.
func EventFromRecord(m map[string]any) (Event, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("encode event record: %w", err)
	}
	return ParseEvent(data)
}

// CameraFromRecord converts a generic field map back to a typed Camera.
func CameraFromRecord(m map[string]any) (Camera, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Camera{}, fmt.Errorf("encode camera record: %w", err)
	}
	return ParseCamera(data)
}
