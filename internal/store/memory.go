// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same conflict semantics as the
// SQLite store. Tests use FailWrites to inject transient and conflict
// errors into the sync engine's write path.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string]Record

	failRemaining int
	failErr       error
	writes        int
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{tables: map[string]map[string]Record{
		TableEvents:     {},
		TableCameras:    {},
		TableSwitchLogs: {},
	}}
}

// FailWrites makes the next n Insert/Update/Delete calls return err.
func (m *Memory) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemaining = n
	m.failErr = err
}

// WriteCount reports the number of write attempts seen, including failed
// ones.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) table(name string) (map[string]Record, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", name)
	}
	return t, nil
}

// consumeFailure must be called with the mutex held.
func (m *Memory) consumeFailure() error {
	m.writes++
	if m.failRemaining > 0 {
		m.failRemaining--
		return m.failErr
	}
	return nil
}

func (m *Memory) Select(_ context.Context, table, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	rec, ok := t[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) SelectByParent(_ context.Context, table, parentID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range t {
		if parentOf(table, rec) == parentID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["id"].(string)
		b, _ := out[j]["id"].(string)
		return a < b
	})
	return out, nil
}

func (m *Memory) Insert(_ context.Context, table, id string, data Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	if err := m.consumeFailure(); err != nil {
		return nil, err
	}
	if _, exists := t[id]; exists {
		return nil, fmt.Errorf("insert %s/%s: %w", table, id, ErrConflict)
	}
	if table == TableEvents {
		if code, ok := data["join_code"].(string); ok && code != "" {
			for _, rec := range t {
				if rec["join_code"] == code {
					return nil, fmt.Errorf("insert %s/%s: %w", table, id, ErrConflict)
				}
			}
		}
	}
	rec := cloneRecord(data)
	rec["id"] = id
	rec["updated_at"] = Timestamp(time.Now())
	t[id] = rec
	return cloneRecord(rec), nil
}

func (m *Memory) Update(_ context.Context, table, id string, changes Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	if err := m.consumeFailure(); err != nil {
		return nil, err
	}
	prev, ok := t[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec := cloneRecord(prev)
	for k, v := range changes {
		rec[k] = v
	}
	rec["id"] = id
	rec["updated_at"] = Timestamp(time.Now())
	t[id] = rec
	return cloneRecord(rec), nil
}

func (m *Memory) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	if err := m.consumeFailure(); err != nil {
		return err
	}
	if _, ok := t[id]; !ok {
		return ErrNotFound
	}
	delete(t, id)
	return nil
}
