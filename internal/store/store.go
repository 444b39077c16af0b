// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package store is the durable row store behind the realtime core: events,
// cameras and switch logs, addressed by id and parent event id.
//
// The store assigns updated_at timestamps on every write; the optimistic
// sync engine compares them during conflict resolution. Uniqueness and
// concurrent-modification violations surface as ErrConflict, the
// conflict-class error the sync engine watches for.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when a write collides with server state: a
// uniqueness violation or a concurrent modification of the same record.
var ErrConflict = errors.New("store: write conflict")

// Record is the generic field map a row marshals to and from.
type Record = map[string]any

// Table names known to the core.
const (
	TableEvents     = "events"
	TableCameras    = "cameras"
	TableSwitchLogs = "switch_logs"
)

// Store is the narrow durable-store surface the realtime core consumes.
type Store interface {
	// Select returns one record by id, or ErrNotFound.
	Select(ctx context.Context, table, id string) (Record, error)

	// SelectByParent returns all records whose parent event matches.
	// For the events table the parent is the record id itself.
	SelectByParent(ctx context.Context, table, parentID string) ([]Record, error)

	// Insert stores a new record and returns it with the server-assigned
	// updated_at. A duplicate id or join code yields ErrConflict.
	Insert(ctx context.Context, table, id string, data Record) (Record, error)

	// Update merges changes into the existing record, stamps a fresh
	// updated_at, and returns the result. A concurrent modification
	// detected between read and write yields ErrConflict; a missing
	// record yields ErrNotFound.
	Update(ctx context.Context, table, id string, changes Record) (Record, error)

	// Delete removes a record, or returns ErrNotFound.
	Delete(ctx context.Context, table, id string) error
}

// Timestamp formats a server-assigned updated_at value. RFC3339 with
// nanoseconds keeps string comparison consistent with time comparison.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parentOf extracts the parent event id from a record's fields.
func parentOf(table string, data Record) string {
	if table == TableEvents {
		if id, ok := data["id"].(string); ok {
			return id
		}
		return ""
	}
	if eid, ok := data["event_id"].(string); ok {
		return eid
	}
	return ""
}

// NotifyFunc observes a successful write: table, operation (INSERT, UPDATE
// or DELETE) and the record state after the write (nil for deletes).
type NotifyFunc func(table, operation, id string, data Record)

// WithNotify wraps a Store so every successful write is reported to fn.
// The daemon uses this to publish row-change notifications on the event
// channels after the durable write lands.
func WithNotify(inner Store, fn NotifyFunc) Store {
	return &notifying{inner: inner, fn: fn}
}

type notifying struct {
	inner Store
	fn    NotifyFunc
}

func (n *notifying) Select(ctx context.Context, table, id string) (Record, error) {
	return n.inner.Select(ctx, table, id)
}

func (n *notifying) SelectByParent(ctx context.Context, table, parentID string) ([]Record, error) {
	return n.inner.SelectByParent(ctx, table, parentID)
}

func (n *notifying) Insert(ctx context.Context, table, id string, data Record) (Record, error) {
	rec, err := n.inner.Insert(ctx, table, id, data)
	if err == nil {
		n.fn(table, "INSERT", id, rec)
	}
	return rec, err
}

func (n *notifying) Update(ctx context.Context, table, id string, changes Record) (Record, error) {
	rec, err := n.inner.Update(ctx, table, id, changes)
	if err == nil {
		n.fn(table, "UPDATE", id, rec)
	}
	return rec, err
}

func (n *notifying) Delete(ctx context.Context, table, id string) error {
	err := n.inner.Delete(ctx, table, id)
	if err == nil {
		n.fn(table, "DELETE", id, nil)
	}
	return err
}
