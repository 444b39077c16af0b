// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/metrics"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/store"
)

// ErrNoSuchConflict is returned when ResolveUserConflict addresses a
// conflict index that does not exist (already resolved, or never was).
var ErrNoSuchConflict = errors.New("syncengine: no such conflict")

// resolveConflict handles a write that collided with server state. The
// server is re-fetched first: conflicts are resolved against what the
// server holds now, not against what this client assumed.
func (e *Engine) resolveConflict(ctx context.Context, pu *models.PendingUpdate) {
	remote, err := e.store.Select(ctx, pu.Table, pu.RecordID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Could not even establish server state; keep the update queued.
		e.retryOrDrop(pu, err)
		return
	}

	e.remove(pu.ID)

	local := mergeRecords(pu.Previous, pu.Data)
	cr := models.ConflictRecord{
		Table:    pu.Table,
		RecordID: pu.RecordID,
		Local:    local,
		Remote:   remote,
		Base:     pu.Previous,
		Strategy: e.strategy,
	}

	logging.Warn().
		Str("table", pu.Table).
		Str("record_id", pu.RecordID).
		Str("strategy", string(e.strategy)).
		Msg("write conflict detected")

	switch e.strategy {
	case models.ResolveLastWriteWins:
		e.resolveLastWriteWins(ctx, pu, remote)
	case models.ResolveMerge:
		e.resolveMerge(ctx, pu, remote)
	case models.ResolveOperationalTransform:
		e.resolveTransform(ctx, pu, cr)
	case models.ResolveUserChoice:
		e.mu.Lock()
		e.conflicts = append(e.conflicts, conflictEntry{record: cr, changes: pu.Data})
		e.mu.Unlock()
		// The optimistic cache value stands until the user decides.
		return
	default:
		// Unknown strategy behaves as last-write-wins, the safe default.
		e.resolveLastWriteWins(ctx, pu, remote)
	}
}

// resolveLastWriteWins keeps whichever side wrote later. Ties and missing
// timestamps prefer the remote side: the server has already accepted that
// state and other clients may have observed it.
func (e *Engine) resolveLastWriteWins(ctx context.Context, pu *models.PendingUpdate, remote store.Record) {
	rt := remoteUpdatedAt(remote)
	if !rt.IsZero() && pu.Timestamp.After(rt) {
		rec, err := e.applyChanges(ctx, pu.Table, pu.RecordID, pu.Data, remote != nil)
		if err != nil {
			e.retryOrDrop(pu, err)
			return
		}
		e.settleCache(pu, rec)
	} else {
		e.settleCache(pu, remote)
	}
	metrics.ConflictsResolved.WithLabelValues(string(models.ResolveLastWriteWins)).Inc()
}

// resolveMerge lays the local changes over current server state, field by
// field, and writes the result back with a fresh timestamp.
func (e *Engine) resolveMerge(ctx context.Context, pu *models.PendingUpdate, remote store.Record) {
	rec, err := e.applyChanges(ctx, pu.Table, pu.RecordID, pu.Data, remote != nil)
	if err != nil {
		e.retryOrDrop(pu, err)
		return
	}
	e.settleCache(pu, rec)
	metrics.ConflictsResolved.WithLabelValues(string(models.ResolveMerge)).Inc()
}

// resolveTransform delegates to the table's registered resolver. Without
// one the local changes are applied as-is, the documented fallback.
func (e *Engine) resolveTransform(ctx context.Context, pu *models.PendingUpdate, cr models.ConflictRecord) {
	e.mu.Lock()
	fn := e.resolvers[pu.Table]
	e.mu.Unlock()

	changes := pu.Data
	if fn != nil {
		changes = fn(cr.Local, cr.Remote, cr.Base)
	}
	rec, err := e.applyChanges(ctx, pu.Table, pu.RecordID, changes, cr.Remote != nil)
	if err != nil {
		e.retryOrDrop(pu, err)
		return
	}
	e.settleCache(pu, rec)
	metrics.ConflictsResolved.WithLabelValues(string(models.ResolveOperationalTransform)).Inc()
}

// ResolveUserConflict settles one queued user-choice conflict. resolution
// is "local", "remote" or "custom"; custom applies customData as the write.
func (e *Engine) ResolveUserConflict(ctx context.Context, index int, resolution string, customData store.Record) error {
	e.mu.Lock()
	if index < 0 || index >= len(e.conflicts) {
		e.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrNoSuchConflict, index)
	}
	ce := e.conflicts[index]
	e.conflicts = append(e.conflicts[:index], e.conflicts[index+1:]...)
	e.mu.Unlock()

	// Synthetic pending update so the cache settle passes the freshness
	// guard: the user's decision is the newest write for this record.
	pu := &models.PendingUpdate{
		Table:     ce.record.Table,
		RecordID:  ce.record.RecordID,
		Operation: models.OpUpdate,
		Timestamp: time.Now(),
	}

	switch resolution {
	case "local":
		rec, err := e.applyChanges(ctx, ce.record.Table, ce.record.RecordID, ce.changes, ce.record.Remote != nil)
		if err != nil {
			return err
		}
		e.settleCache(pu, rec)
	case "remote":
		e.settleCache(pu, ce.record.Remote)
	case "custom":
		if customData == nil {
			return errors.New("syncengine: custom resolution requires data")
		}
		rec, err := e.applyChanges(ctx, ce.record.Table, ce.record.RecordID, customData, ce.record.Remote != nil)
		if err != nil {
			return err
		}
		e.settleCache(pu, rec)
	default:
		e.mu.Lock()
		e.conflicts = append(e.conflicts, ce)
		e.mu.Unlock()
		return fmt.Errorf("syncengine: unknown resolution %q", resolution)
	}

	metrics.ConflictsResolved.WithLabelValues(string(models.ResolveUserChoice)).Inc()
	return nil
}

// applyChanges writes changes against current server state: update when
// the record exists, insert when it does not. A second conflict during
// resolution concedes to the server and returns its state.
func (e *Engine) applyChanges(ctx context.Context, table, id string, changes store.Record, exists bool) (store.Record, error) {
	var rec store.Record
	var err error
	if exists {
		rec, err = e.store.Update(ctx, table, id, changes)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = e.store.Insert(ctx, table, id, changes)
		}
	} else {
		rec, err = e.store.Insert(ctx, table, id, changes)
		if errors.Is(err, store.ErrConflict) {
			rec, err = e.store.Update(ctx, table, id, changes)
		}
	}
	if errors.Is(err, store.ErrConflict) {
		// The record moved again mid-resolution. Concede to the server.
		return e.store.Select(ctx, table, id)
	}
	return rec, err
}

// mergeRecords lays overlay over base without mutating either.
func mergeRecords(base, overlay store.Record) store.Record {
	out := make(store.Record, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// remoteUpdatedAt parses the server-assigned timestamp off a record. A
// missing or malformed timestamp reads as zero; the caller treats that as
// incomparable and prefers the remote side.
func remoteUpdatedAt(rec store.Record) time.Time {
	if rec == nil {
		return time.Time{}
	}
	raw, _ := rec["updated_at"].(string)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
