// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package syncengine implements optimistic write-through synchronization:
// mutations land in the local cache immediately, are queued as pending
// updates, and are pushed to the durable store with retries, conflict
// resolution and explicit loss reporting.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/switchcast/switchcast/internal/cache"
	"github.com/switchcast/switchcast/internal/config"
	"github.com/switchcast/switchcast/internal/logging"
	"github.com/switchcast/switchcast/internal/metrics"
	"github.com/switchcast/switchcast/internal/models"
	"github.com/switchcast/switchcast/internal/store"
)

// ResolverFunc transforms a conflicting local mutation against observed
// server state. It returns the changes to write; local, remote and base
// must not be mutated.
type ResolverFunc func(local, remote, base store.Record) store.Record

// LossFunc observes a pending update that exhausted its retry budget.
type LossFunc func(update models.PendingUpdate, err error)

// SyncStats is a point-in-time snapshot of engine state.
type SyncStats struct {
	PendingCount  int
	ConflictCount int
	LastSyncTime  time.Time
	IsSyncing     bool
	DroppedCount  int
}

// conflictEntry pairs a surfaced conflict with the pending changes that
// produced it, for ResolveUserConflict.
type conflictEntry struct {
	record  models.ConflictRecord
	changes store.Record
}

// Engine is the optimistic sync engine for one client scope. All writes go
// through a circuit breaker so a struggling store sheds load instead of
// absorbing a retry storm.
type Engine struct {
	store    store.Store
	cache    *cache.TTLCache
	cfg      config.SyncConfig
	strategy models.ResolutionStrategy
	breaker  *gobreaker.CircuitBreaker[store.Record]

	mu        sync.Mutex
	pending   []*models.PendingUpdate
	conflicts []conflictEntry
	resolvers map[string]ResolverFunc
	lossCbs   []LossFunc
	// localStamp remembers the origination time of the newest optimistic
	// write per record, so an older confirmation can never clobber a newer
	// optimistic cache value. Entries are pruned once nothing pending
	// targets the record anymore.
	localStamp map[string]time.Time
	// inflight marks updates currently being written through, so the
	// immediate attempt and a concurrent periodic flush cannot submit the
	// same update twice.
	inflight  map[string]struct{}
	lastSync  time.Time
	isSyncing bool
	dropped   int
	resolved  int
}

// New builds an engine writing through c into s with the given policy.
func New(s store.Store, c *cache.TTLCache, cfg config.SyncConfig) *Engine {
	e := &Engine{
		store:      s,
		cache:      c,
		cfg:        cfg,
		strategy:   models.ResolutionStrategy(cfg.Strategy),
		resolvers:  make(map[string]ResolverFunc),
		localStamp: make(map[string]time.Time),
		inflight:   make(map[string]struct{}),
	}
	e.breaker = gobreaker.NewCircuitBreaker[store.Record](gobreaker.Settings{
		Name:    "store-writes",
		Timeout: 10 * time.Second,
		// Conflicts and missing records are business outcomes, not store
		// failures; they must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound)
		},
	})
	return e
}

func cacheKey(table, id string) string {
	return table + ":" + id
}

// OptimisticUpdate applies a mutation to the local cache immediately,
// queues it for server confirmation, and attempts an immediate
// write-through. A transient store failure is not an error here; the
// update stays queued for the periodic sync loop.
func (e *Engine) OptimisticUpdate(ctx context.Context, table, id string, changes store.Record, op models.Operation) error {
	if !op.Valid() {
		return fmt.Errorf("syncengine: unknown operation %q", op)
	}
	if table == "" || id == "" {
		return fmt.Errorf("syncengine: table and id are required")
	}

	key := cacheKey(table, id)
	now := time.Now()

	// Snapshot the assumed base state for conflict detection, cache first,
	// store as fallback. A missing base is fine for inserts.
	var previous store.Record
	if v, ok := e.cache.Get(key); ok {
		if rec, ok := v.(store.Record); ok {
			previous = rec
		}
	} else if rec, err := e.store.Select(ctx, table, id); err == nil {
		previous = rec
	}

	// Optimistic local apply.
	switch op {
	case models.OpDelete:
		e.cache.Delete(key)
	default:
		merged := make(store.Record, len(previous)+len(changes))
		for k, v := range previous {
			merged[k] = v
		}
		for k, v := range changes {
			merged[k] = v
		}
		merged["id"] = id
		e.cache.Set(key, merged)
	}

	pu := &models.PendingUpdate{
		ID:        uuid.NewString(),
		Table:     table,
		RecordID:  id,
		Operation: op,
		Data:      changes,
		Previous:  previous,
		Timestamp: now,
	}

	e.mu.Lock()
	e.pending = append(e.pending, pu)
	e.localStamp[key] = now
	metrics.PendingUpdates.Set(float64(len(e.pending)))
	e.mu.Unlock()

	e.attempt(ctx, pu)
	return nil
}

// ForceSync flushes the pending queue now. Concurrent calls collapse: a
// sync already in flight makes this a no-op rather than a duplicate
// submission.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		logging.Debug().Msg("sync already in flight, skipping")
		return nil
	}
	e.isSyncing = true
	queue := make([]*models.PendingUpdate, len(e.pending))
	copy(queue, e.pending)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		e.lastSync = time.Now()
		e.mu.Unlock()
	}()

	for _, pu := range queue {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.stillPending(pu.ID) {
			continue
		}
		e.attempt(ctx, pu)
	}
	return nil
}

// Serve runs the periodic flush loop until ctx is cancelled. It satisfies
// the suture service contract.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	logging.Info().
		Dur("interval", e.cfg.Interval).
		Str("strategy", e.cfg.Strategy).
		Msg("sync engine running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ForceSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

// RegisterConflictResolver installs the operational-transform resolver for
// one table.
func (e *Engine) RegisterConflictResolver(table string, fn ResolverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[table] = fn
}

// OnLoss registers an observer for updates dropped after exhausting their
// retry budget. Losses are always reported, never silent.
func (e *Engine) OnLoss(cb LossFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lossCbs = append(e.lossCbs, cb)
}

// SyncStats returns a snapshot of engine state.
func (e *Engine) SyncStats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStats{
		PendingCount:  len(e.pending),
		ConflictCount: len(e.conflicts),
		LastSyncTime:  e.lastSync,
		IsSyncing:     e.isSyncing,
		DroppedCount:  e.dropped,
	}
}

// Conflicts returns the conflicts awaiting an explicit user decision.
func (e *Engine) Conflicts() []models.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ConflictRecord, len(e.conflicts))
	for i, ce := range e.conflicts {
		out[i] = ce.record
	}
	return out
}

// attempt performs one write-through try for pu and routes the outcome.
// An update already in flight is skipped: it stays queued and the submitter
// that holds the claim settles it.
func (e *Engine) attempt(ctx context.Context, pu *models.PendingUpdate) {
	if !e.claim(pu.ID) {
		return
	}
	defer e.release(pu.ID)

	rec, err := e.breaker.Execute(func() (store.Record, error) {
		return e.write(ctx, pu)
	})
	switch {
	case err == nil:
		e.confirm(pu, rec)
	case errors.Is(err, store.ErrNotFound) && pu.Operation == models.OpDelete:
		// Deleting a record that is already gone is a success.
		e.confirm(pu, nil)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		metrics.SyncWrites.WithLabelValues("conflict").Inc()
		e.resolveConflict(ctx, pu)
	default:
		metrics.SyncWrites.WithLabelValues("transient").Inc()
		e.retryOrDrop(pu, err)
	}
}

// write issues the store call for one pending update.
func (e *Engine) write(ctx context.Context, pu *models.PendingUpdate) (store.Record, error) {
	switch pu.Operation {
	case models.OpInsert:
		return e.store.Insert(ctx, pu.Table, pu.RecordID, pu.Data)
	case models.OpUpdate:
		return e.store.Update(ctx, pu.Table, pu.RecordID, pu.Data)
	case models.OpDelete:
		return nil, e.store.Delete(ctx, pu.Table, pu.RecordID)
	default:
		return nil, fmt.Errorf("syncengine: unknown operation %q", pu.Operation)
	}
}

// confirm removes pu from the queue and settles the cache with the
// server-confirmed state, unless a newer optimistic write superseded it.
func (e *Engine) confirm(pu *models.PendingUpdate, rec store.Record) {
	metrics.SyncWrites.WithLabelValues("confirmed").Inc()
	e.remove(pu.ID)
	e.settleCache(pu, rec)
}

// settleCache writes server state into the cache if and only if no newer
// local write has originated since pu. Stale confirmations arriving after
// a fresher optimistic value are discarded.
func (e *Engine) settleCache(pu *models.PendingUpdate, rec store.Record) {
	key := cacheKey(pu.Table, pu.RecordID)
	e.mu.Lock()
	stamp, ok := e.localStamp[key]
	superseded := ok && stamp.After(pu.Timestamp)
	e.pruneStampLocked(pu.Table, pu.RecordID)
	e.mu.Unlock()
	if superseded {
		return
	}
	if pu.Operation == models.OpDelete || rec == nil {
		e.cache.Delete(key)
		return
	}
	e.cache.Set(key, rec)
}

// retryOrDrop re-queues pu after a transient failure, or drops and reports
// it once the retry budget is spent.
func (e *Engine) retryOrDrop(pu *models.PendingUpdate, err error) {
	pu.Retries++
	if pu.Retries <= e.cfg.RetryAttempts {
		logging.Warn().
			Err(err).
			Str("table", pu.Table).
			Str("record_id", pu.RecordID).
			Int("retries", pu.Retries).
			Msg("write-through failed, keeping update queued")
		return
	}

	e.remove(pu.ID)
	e.mu.Lock()
	e.dropped++
	e.pruneStampLocked(pu.Table, pu.RecordID)
	cbs := append([]LossFunc{}, e.lossCbs...)
	e.mu.Unlock()

	metrics.SyncWrites.WithLabelValues("dropped").Inc()
	metrics.UpdatesLost.Inc()
	logging.Error().
		Err(err).
		Str("table", pu.Table).
		Str("record_id", pu.RecordID).
		Msg("update dropped after exhausting retry budget")
	for _, cb := range cbs {
		cb(*pu, err)
	}
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, pu := range e.pending {
		if pu.ID == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	metrics.PendingUpdates.Set(float64(len(e.pending)))
}

// pruneStampLocked drops the origination stamp for a record once nothing
// pending targets it anymore; with no outstanding confirmation left the
// guard has nothing to protect. Must be called with the lock held.
func (e *Engine) pruneStampLocked(table, recordID string) {
	for _, pu := range e.pending {
		if pu.Table == table && pu.RecordID == recordID {
			return
		}
	}
	delete(e.localStamp, cacheKey(table, recordID))
}

// claim marks an update as in flight. It reports false when another
// submitter already holds the claim.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inflight[id]; held {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) stillPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pu := range e.pending {
		if pu.ID == id {
			return true
		}
	}
	return false
}
