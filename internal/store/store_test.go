// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// stores under test share one behavior contract.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "switchcast.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestInsertSelectRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := s.Insert(ctx, TableEvents, "e1", Record{
				"title": "semifinal", "status": "scheduled", "join_code": "ABC234",
			})
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if rec["updated_at"] == nil || rec["updated_at"] == "" {
				t.Error("expected server-assigned updated_at")
			}

			got, err := s.Select(ctx, TableEvents, "e1")
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if got["title"] != "semifinal" {
				t.Errorf("title = %v", got["title"])
			}

			if _, err := s.Select(ctx, TableEvents, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDuplicateInsertConflicts(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Insert(ctx, TableEvents, "e1", Record{"join_code": "ABC234"}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if _, err := s.Insert(ctx, TableEvents, "e1", Record{"join_code": "XYZ789"}); !errors.Is(err, ErrConflict) {
				t.Errorf("duplicate id: expected ErrConflict, got %v", err)
			}
			if _, err := s.Insert(ctx, TableEvents, "e2", Record{"join_code": "ABC234"}); !errors.Is(err, ErrConflict) {
				t.Errorf("duplicate join code: expected ErrConflict, got %v", err)
			}
		})
	}
}

func TestUpdateMergesAndRestamps(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ins, err := s.Insert(ctx, TableCameras, "c1", Record{
				"event_id": "e1", "label": "Camera 1", "status": "connected",
			})
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}

			upd, err := s.Update(ctx, TableCameras, "c1", Record{"is_active": true})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if upd["label"] != "Camera 1" {
				t.Error("update must preserve unmentioned fields")
			}
			if upd["is_active"] != true {
				t.Error("update must apply changes")
			}
			if upd["updated_at"] == ins["updated_at"] {
				t.Error("update must assign a fresh updated_at")
			}

			if _, err := s.Update(ctx, TableCameras, "missing", Record{"x": 1}); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSelectByParent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"c2", "c1"} {
				if _, err := s.Insert(ctx, TableCameras, id, Record{"event_id": "e1"}); err != nil {
					t.Fatalf("Insert: %v", err)
				}
			}
			if _, err := s.Insert(ctx, TableCameras, "c3", Record{"event_id": "e2"}); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			recs, err := s.SelectByParent(ctx, TableCameras, "e1")
			if err != nil {
				t.Fatalf("SelectByParent: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("expected 2 cameras for e1, got %d", len(recs))
			}
			if recs[0]["id"] != "c1" || recs[1]["id"] != "c2" {
				t.Errorf("expected ordered ids, got %v %v", recs[0]["id"], recs[1]["id"])
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Insert(ctx, TableSwitchLogs, "l1", Record{"event_id": "e1"}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := s.Delete(ctx, TableSwitchLogs, "l1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, TableSwitchLogs, "l1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestUnknownTableRejected(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Select(context.Background(), "users; DROP TABLE events", "x"); err == nil {
				t.Error("expected error for unknown table")
			}
		})
	}
}

func TestWithNotifyReportsWrites(t *testing.T) {
	ctx := context.Background()
	type note struct{ table, op, id string }
	var notes []note
	s := WithNotify(NewMemory(), func(table, op, id string, _ Record) {
		notes = append(notes, note{table, op, id})
	})

	if _, err := s.Insert(ctx, TableEvents, "e1", Record{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, TableEvents, "e1", Record{"status": "live"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, TableEvents, "e1"); err != nil {
		t.Fatal(err)
	}
	// Failed writes must not notify.
	if _, err := s.Update(ctx, TableEvents, "missing", Record{}); err == nil {
		t.Fatal("expected error")
	}

	want := []note{{TableEvents, "INSERT", "e1"}, {TableEvents, "UPDATE", "e1"}, {TableEvents, "DELETE", "e1"}}
	if len(notes) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(notes))
	}
	for i := range want {
		if notes[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, notes[i], want[i])
		}
	}
}

func TestMemoryFailWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	injected := errors.New("boom")
	m.FailWrites(2, injected)

	if _, err := m.Insert(ctx, TableEvents, "e1", Record{}); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
	if _, err := m.Insert(ctx, TableEvents, "e1", Record{}); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
	if _, err := m.Insert(ctx, TableEvents, "e1", Record{}); err != nil {
		t.Errorf("expected success after budget exhausted, got %v", err)
	}
	if m.WriteCount() != 3 {
		t.Errorf("WriteCount = %d", m.WriteCount())
	}
}
