// SPDX-License-Identifier: MIT
// Auditor - Audit and attestation decision logs
//
// The audit log records administrative pairing changes (pair, clear,
// clear_all, clear_auditee, enroll_remote). The attestation log records one
// entry per verify() call with its outcome, for forensic review.
// Both are append-only.

package store

import (
	"sync"
	"time"
)

// audit actions
const (
	ActionPair         = "pair"
	ActionClear        = "clear"
	ActionClearAll     = "clear_all"
	ActionClearAuditee = "clear_auditee"
	ActionEnrollRemote = "enroll_remote"
	ActionKeyMismatch  = "key_mismatch"
)

// single audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}

type AuditLog interface {
	// appends an action to the audit trail
	Log(action, targetID, reason, actor, note string) error

	// returns the most recent entries (newest first), limit <= 0 means all
	Query(limit int) []AuditEntry
}

// implements AuditLog using an in-memory slice
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	nextID  int64
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{
		entries: make([]AuditEntry, 0),
		nextID:  1,
	}
}

func (l *MemoryAuditLog) Log(action, targetID, reason, actor, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, AuditEntry{
		ID:        l.nextID,
		Timestamp: time.Now().UTC(),
		Action:    action,
		TargetID:  targetID,
		Reason:    reason,
		Actor:     actor,
		Note:      note,
	})
	l.nextID++
	return nil
}

func (l *MemoryAuditLog) Query(limit int) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return newestFirst(l.entries, limit)
}

// records every verification decision
type AttestationLog interface {
	Record(entry AttestationRecord) error

	// returns the most recent records (newest first), limit <= 0 means all
	QueryAttestations(limit int) []AttestationRecord
}

// single verify() outcome
type AttestationRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	Namespace     string    `json:"namespace"`
	Identity      string    `json:"identity,omitempty"` // empty when verification failed before identity derivation
	Result        string    `json:"result"`             // ok, downgrade, or an error kind
	Strong        bool      `json:"strong"`
	DurationMs    float64   `json:"duration_ms"`
	SecurityLevel string    `json:"security_level,omitempty"`
	OSPatchLevel  uint32    `json:"os_patch_level,omitempty"`
	Details       string    `json:"details,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
}

// implements AttestationLog using an in-memory slice
type MemoryAttestationLog struct {
	mu      sync.RWMutex
	entries []AttestationRecord
	nextID  int64
}

func NewMemoryAttestationLog() *MemoryAttestationLog {
	return &MemoryAttestationLog{
		entries: make([]AttestationRecord, 0),
		nextID:  1,
	}
}

func (l *MemoryAttestationLog) Record(entry AttestationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.ID = l.nextID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.entries = append(l.entries, entry)
	l.nextID++
	return nil
}

func (l *MemoryAttestationLog) QueryAttestations(limit int) []AttestationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return newestFirst(l.entries, limit)
}

func newestFirst[T any](entries []T, limit int) []T {
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = entries[len(entries)-1-i]
	}
	return result
}
