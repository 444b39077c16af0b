// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package director coordinates the control-room mutations: creating
// events, admitting cameras by join code, moving event status along its
// lifecycle, and switching the program feed.
//
// Camera switching is the one place the "at most one active camera per
// event" rule is enforced. The whole deactivate/activate/log sequence runs
// inside a single critical section so two concurrent switches cannot leave
// two cameras active.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/syncengine"
)

// ErrJoinCodeMismatch is returned when a camera registration presents a
// code that does not match the event.
var ErrJoinCodeMismatch = errors.New("director: join code does not match event")

// ErrCameraNotFound is returned when a switch targets a camera that is not
// registered to the event.
var ErrCameraNotFound = errors.New("director: camera not registered to event")

// ErrInvalidTransition is returned when a status update violates the
// event lifecycle.
var ErrInvalidTransition = errors.New("director: invalid status transition")

// Director performs control-room mutations through the optimistic sync
// engine, so every change is locally visible immediately and synchronized
// with the durable store like any other client write.
type Director struct {
	engine *syncengine.Engine
	store  store.Store

	// switchMu serializes program-feed switches per process.
	switchMu sync.Mutex
}

// New builds a director over the given engine and store.
func New(engine *syncengine.Engine, s store.Store) *Director {
	return &Director{engine: engine, store: s}
}

// CreateEvent creates a new scheduled event with a fresh join code.
func (d *Director) CreateEvent(ctx context.Context, name, sport, ownerID string) (models.Event, error) {
	if name == "" || ownerID == "" {
		return models.Event{}, fmt.Errorf("director: event name and owner are required")
	}
	code, err := models.GenerateJoinCode()
	if err != nil {
		return models.Event{}, err
	}
	ev := models.Event{
		ID:       uuid.NewString(),
		Name:     name,
		Sport:    sport,
		Status:   models.StatusScheduled,
		JoinCode: code,
		OwnerID:  ownerID,
	}
	rec, err := models.ToRecord(ev)
	if err != nil {
		return models.Event{}, err
	}
	if err := d.engine.OptimisticUpdate(ctx, store.TableEvents, ev.ID, rec, models.OpInsert); err != nil {
		return models.Event{}, err
	}
	logging.Info().Str("event_id", ev.ID).Str("name", name).Msg("event created")
	return ev, nil
}

// RegisterCamera admits a camera feed to an event after validating the
// join code. An empty label is auto-assigned as "Camera N", skipping
// labels already taken.
func (d *Director) RegisterCamera(ctx context.Context, eventID, joinCode, label string) (models.Camera, error) {
	evRec, err := d.store.Select(ctx, store.TableEvents, eventID)
	if err != nil {
		return models.Camera{}, fmt.Errorf("look up event %s: %w", eventID, err)
	}
	if code, _ := evRec["join_code"].(string); code == "" || code != joinCode {
		return models.Camera{}, ErrJoinCodeMismatch
	}

	existing, err := d.store.SelectByParent(ctx, store.TableCameras, eventID)
	if err != nil {
		return models.Camera{}, fmt.Errorf("load cameras for %s: %w", eventID, err)
	}
	if label == "" {
		label = nextCameraLabel(existing)
	}

	cam := models.Camera{
		ID:      uuid.NewString(),
		EventID: eventID,
		Label:   label,
	}
	rec, err := models.ToRecord(cam)
	if err != nil {
		return models.Camera{}, err
	}
	if err := d.engine.OptimisticUpdate(ctx, store.TableCameras, cam.ID, rec, models.OpInsert); err != nil {
		return models.Camera{}, err
	}
	logging.Info().
		Str("event_id", eventID).
		Str("camera_id", cam.ID).
		Str("label", label).
		Msg("camera registered")
	return cam, nil
}

// UpdateStatus moves the event along its lifecycle, rejecting transitions
// the lifecycle forbids.
func (d *Director) UpdateStatus(ctx context.Context, eventID string, next models.EventStatus) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	rec, err := d.store.Select(ctx, store.TableEvents, eventID)
	if err != nil {
		return fmt.Errorf("look up event %s: %w", eventID, err)
	}
	raw, _ := rec["status"].(string)
	current := models.EventStatus(raw)
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return d.engine.OptimisticUpdate(ctx, store.TableEvents, eventID,
		store.Record{"status": string(next)}, models.OpUpdate)
}

// SetActiveCamera switches the program feed to cameraID: every other
// active camera is deactivated, the target is activated, and a switch log
// is appended, as one logical transition.
func (d *Director) SetActiveCamera(ctx context.Context, eventID, cameraID string) error {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	cameras, err := d.store.SelectByParent(ctx, store.TableCameras, eventID)
	if err != nil {
		return fmt.Errorf("load cameras for %s: %w", eventID, err)
	}

	var target store.Record
	var toDeactivate []string
	for _, cam := range cameras {
		id, _ := cam["id"].(string)
		active, _ := cam["is_active"].(bool)
		if id == cameraID {
			target = cam
			continue
		}
		if active {
			toDeactivate = append(toDeactivate, id)
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s on event %s", ErrCameraNotFound, cameraID, eventID)
	}

	for _, id := range toDeactivate {
		if err := d.engine.OptimisticUpdate(ctx, store.TableCameras, id,
			store.Record{"is_active": false}, models.OpUpdate); err != nil {
			return fmt.Errorf("deactivate camera %s: %w", id, err)
		}
	}
	if err := d.engine.OptimisticUpdate(ctx, store.TableCameras, cameraID,
		store.Record{"is_active": true}, models.OpUpdate); err != nil {
		return fmt.Errorf("activate camera %s: %w", cameraID, err)
	}

	logEntry := models.SwitchLog{
		ID:        uuid.NewString(),
		EventID:   eventID,
		CameraID:  cameraID,
		CreatedAt: time.Now().UTC(),
	}
	rec, err := models.ToRecord(logEntry)
	if err != nil {
		return err
	}
	if err := d.engine.OptimisticUpdate(ctx, store.TableSwitchLogs, logEntry.ID, rec, models.OpInsert); err != nil {
		return fmt.Errorf("append switch log: %w", err)
	}

	logging.Info().
		Str("event_id", eventID).
		Str("camera_id", cameraID).
		Msg("program feed switched")
	return nil
}

// nextCameraLabel suggests the first free "Camera N" label.
func nextCameraLabel(existing []store.Record) string {
	taken := make(map[string]bool, len(existing))
	for _, cam := range existing {
		if label, ok := cam["label"].(string); ok {
			taken[label] = true
		}
	}
	for n := len(existing) + 1; ; n++ {
		label := fmt.Sprintf("Camera %d", n)
		if !taken[label] {
			return label
		}
	}
}
