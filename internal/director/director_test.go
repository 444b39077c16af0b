// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package director

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchcast/switchcast/internal/cache"
	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/store"
	"github.com/switchcast/switchcast/internal/syncengine"
)

func newDirector(t *testing.T) (*Director, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := syncengine.New(mem, cache.New(0, 0), config.SyncConfig{
		Interval:      time.Hour,
		RetryAttempts: 3,
		Strategy:      "last-write-wins",
	})
	return New(engine, mem), mem
}

func activeCameras(t *testing.T, mem *store.Memory, eventID string) []string {
	t.Helper()
	cams, err := mem.SelectByParent(context.Background(), store.TableCameras, eventID)
	if err != nil {
		t.Fatal(err)
	}
	var active []string
	for _, cam := range cams {
		if on, _ := cam["is_active"].(bool); on {
			id, _ := cam["id"].(string)
			active = append(active, id)
		}
	}
	return active
}

func TestCreateEventGeneratesJoinCode(t *testing.T) {
	d, mem := newDirector(t)
	ctx := context.Background()

	ev, err := d.CreateEvent(ctx, "City Derby", "football", "u1")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if len(ev.JoinCode) != models.JoinCodeLength {
		t.Errorf("join code %q has wrong length", ev.JoinCode)
	}
	if ev.Status != models.StatusScheduled {
		t.Errorf("status = %q, want scheduled", ev.Status)
	}

	srv, err := mem.Select(ctx, store.TableEvents, ev.ID)
	if err != nil {
		t.Fatalf("expected event on the server: %v", err)
	}
	if srv["name"] != "City Derby" {
		t.Errorf("server name = %v", srv["name"])
	}
}

func TestRegisterCameraValidatesJoinCode(t *testing.T) {
	d, _ := newDirector(t)
	ctx := context.Background()

	ev, err := d.CreateEvent(ctx, "City Derby", "football", "u1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.RegisterCamera(ctx, ev.ID, "WRONG1", ""); !errors.Is(err, ErrJoinCodeMismatch) {
		t.Errorf("expected ErrJoinCodeMismatch, got %v", err)
	}

	cam, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "")
	if err != nil {
		t.Fatalf("RegisterCamera: %v", err)
	}
	if cam.Label != "Camera 1" {
		t.Errorf("label = %q, want auto-assigned Camera 1", cam.Label)
	}

	cam2, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "")
	if err != nil {
		t.Fatal(err)
	}
	if cam2.Label != "Camera 2" {
		t.Errorf("label = %q, want Camera 2", cam2.Label)
	}

	named, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "Sideline")
	if err != nil {
		t.Fatal(err)
	}
	if named.Label != "Sideline" {
		t.Errorf("label = %q, want caller-provided label", named.Label)
	}
}

func TestUpdateStatusEnforcesLifecycle(t *testing.T) {
	d, mem := newDirector(t)
	ctx := context.Background()

	ev, err := d.CreateEvent(ctx, "City Derby", "football", "u1")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.UpdateStatus(ctx, ev.ID, models.StatusEnded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("scheduled->ended: expected ErrInvalidTransition, got %v", err)
	}
	if err := d.UpdateStatus(ctx, ev.ID, models.StatusLive); err != nil {
		t.Fatalf("scheduled->live: %v", err)
	}
	if err := d.UpdateStatus(ctx, ev.ID, models.StatusScheduled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("live->scheduled: expected ErrInvalidTransition, got %v", err)
	}
	if err := d.UpdateStatus(ctx, ev.ID, models.StatusEnded); err != nil {
		t.Fatalf("live->ended: %v", err)
	}
	if err := d.UpdateStatus(ctx, ev.ID, models.StatusLive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ended is terminal: expected ErrInvalidTransition, got %v", err)
	}

	srv, err := mem.Select(ctx, store.TableEvents, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if srv["status"] != "ended" {
		t.Errorf("server status = %v", srv["status"])
	}
}

func TestSetActiveCameraKeepsAtMostOneActive(t *testing.T) {
	d, mem := newDirector(t)
	ctx := context.Background()

	ev, err := d.CreateEvent(ctx, "City Derby", "football", "u1")
	if err != nil {
		t.Fatal(err)
	}
	cam1, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "")
	if err != nil {
		t.Fatal(err)
	}
	cam2, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetActiveCamera(ctx, ev.ID, cam1.ID); err != nil {
		t.Fatalf("SetActiveCamera: %v", err)
	}
	if got := activeCameras(t, mem, ev.ID); len(got) != 1 || got[0] != cam1.ID {
		t.Fatalf("active = %v, want [%s]", got, cam1.ID)
	}

	if err := d.SetActiveCamera(ctx, ev.ID, cam2.ID); err != nil {
		t.Fatalf("SetActiveCamera: %v", err)
	}
	if got := activeCameras(t, mem, ev.ID); len(got) != 1 || got[0] != cam2.ID {
		t.Fatalf("active = %v, want [%s]", got, cam2.ID)
	}

	logs, err := mem.SelectByParent(ctx, store.TableSwitchLogs, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Errorf("switch logs = %d, want one per switch", len(logs))
	}

	if err := d.SetActiveCamera(ctx, ev.ID, "nope"); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("expected ErrCameraNotFound, got %v", err)
	}
}

func TestConcurrentSwitchesNeverLeaveTwoActive(t *testing.T) {
	d, mem := newDirector(t)
	ctx := context.Background()

	ev, err := d.CreateEvent(ctx, "City Derby", "football", "u1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 4; i++ {
		cam, err := d.RegisterCamera(ctx, ev.ID, ev.JoinCode, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, cam.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_ = d.SetActiveCamera(ctx, ev.ID, target)
		}(ids[i%len(ids)])
	}
	wg.Wait()

	if got := activeCameras(t, mem, ev.ID); len(got) != 1 {
		t.Errorf("active cameras after concurrent switches = %v, want exactly one", got)
	}
}
