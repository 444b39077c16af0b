// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

package models

import "time"

// Operation is the kind of mutation a pending update carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingUpdate is an optimistic mutation that has been applied to the
// local cache and awaits server confirmation. It is destroyed on confirmed
// success or surfaced as a reported loss after the retry budget is spent;
// it is never silently dropped.
type PendingUpdate struct {
	ID        string
	Table     string
	RecordID  string
	Operation Operation
	Data      map[string]any
	Previous  map[string]any // snapshot of the prior known state, the conflict base
	Timestamp time.Time      // origination time, guards against stale overwrites
	Retries   int
}

// ResolutionStrategy selects how detected write conflicts are resolved.
type ResolutionStrategy string

const (
	ResolveLastWriteWins        ResolutionStrategy = "last-write-wins"
	ResolveMerge                ResolutionStrategy = "merge"
	ResolveOperationalTransform ResolutionStrategy = "operational-transform"
	ResolveUserChoice           ResolutionStrategy = "user-choice"
)

// ConflictRecord captures a detected divergence between the locally assumed
// base state and actual server state at write time. It lives until resolved,
// either automatically per strategy or by an explicit caller choice.
type ConflictRecord struct {
	Table    string
	RecordID string
	Local    map[string]any
	Remote   map[string]any
	Base     map[string]any
	Strategy ResolutionStrategy
}
