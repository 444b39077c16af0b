// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"
)

// SQLite is the production Store backed by a local SQLite database in WAL
// mode. Rows are stored as JSON documents with the id, parent event id and
// updated_at lifted into columns for indexing and concurrency checks.
type SQLite struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		parent_id  TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_join_code
		ON events (json_extract(data, '$.join_code'))`,
	`CREATE TABLE IF NOT EXISTS cameras (
		id         TEXT PRIMARY KEY,
		parent_id  TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cameras_parent ON cameras (parent_id)`,
	`CREATE TABLE IF NOT EXISTS switch_logs (
		id         TEXT PRIMARY KEY,
		parent_id  TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_switch_logs_parent ON switch_logs (parent_id)`,
}

// allowedTables guards against table names reaching SQL by interpolation.
var allowedTables = map[string]bool{
	TableEvents:     true,
	TableCameras:    true,
	TableSwitchLogs: true,
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent access.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func checkTable(table string) error {
	if !allowedTables[table] {
		return fmt.Errorf("store: unknown table %q", table)
	}
	return nil
}

// Select returns one record by id.
func (s *SQLite) Select(ctx context.Context, table, id string) (Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", table, id, err)
	}
	return decodeRow(raw)
}

// SelectByParent returns all records for one parent event, ordered by id
// for deterministic consumption.
func (s *SQLite) SelectByParent(ctx context.Context, table, parentID string) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM `+table+` WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("select %s by parent %s: %w", table, parentID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a new record with a server-assigned updated_at.
func (s *SQLite) Insert(ctx context.Context, table, id string, data Record) (Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rec := cloneRecord(data)
	rec["id"] = id
	rec["updated_at"] = Timestamp(time.Now())

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, parent_id, data, updated_at) VALUES (?, ?, ?, ?)`,
		id, parentOf(table, rec), string(raw), rec["updated_at"])
	if err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("insert %s/%s: %w", table, id, ErrConflict)
		}
		return nil, fmt.Errorf("insert %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// Update merges changes over the stored record. The write is guarded by
// the updated_at read beforehand; losing that race yields ErrConflict.
func (s *SQLite) Update(ctx context.Context, table, id string, changes Record) (Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var raw, prevStamp string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM `+table+` WHERE id = ?`, id).Scan(&raw, &prevStamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	rec, err := decodeRow(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		rec[k] = v
	}
	rec["id"] = id
	rec["updated_at"] = Timestamp(time.Now())

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET data = ?, parent_id = ?, updated_at = ? WHERE id = ? AND updated_at = ?`,
		string(encoded), parentOf(table, rec), rec["updated_at"], id, prevStamp)
	if err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("update %s/%s: %w", table, id, ErrConflict)
		}
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// The row changed under us between read and write.
		return nil, fmt.Errorf("update %s/%s: %w", table, id, ErrConflict)
	}
	return rec, nil
}

// Delete removes a record.
func (s *SQLite) Delete(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeRow(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return rec, nil
}

func cloneRecord(data Record) Record {
	out := make(Record, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	return out
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
