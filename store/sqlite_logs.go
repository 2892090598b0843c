// SPDX-License-Identifier: MIT
// Auditor - SQLite audit and attestation logs

package store

import (
	"database/sql"
	"sync"
	"time"
)

// implements AuditLog using the audit_log table
type SQLiteAuditLog struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteAuditLog(db *sql.DB) *SQLiteAuditLog {
	return &SQLiteAuditLog{db: db}
}

func (l *SQLiteAuditLog) Log(action, targetID, reason, actor, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		"INSERT INTO audit_log (timestamp, action, target_id, reason, actor, note) VALUES (?, ?, ?, ?, ?, ?)",
		time.Now().UTC(), action, targetID, reason, actor, note,
	)
	if err != nil {
		return storeErr("insert audit entry", err)
	}
	return nil
}

func (l *SQLiteAuditLog) Query(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := queryNewest(l.db,
		"SELECT id, timestamp, action, target_id, reason, actor, note FROM audit_log ORDER BY id DESC", limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.TargetID, &e.Reason, &e.Actor, &e.Note); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// implements AttestationLog using the attestation_log table
type SQLiteAttestationLog struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteAttestationLog(db *sql.DB) *SQLiteAttestationLog {
	return &SQLiteAttestationLog{db: db}
}

func (l *SQLiteAttestationLog) Record(entry AttestationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := l.db.Exec(
		`INSERT INTO attestation_log
		 (timestamp, request_id, namespace, identity, result, strong, duration_ms,
		  security_level, os_patch_level, details, remote_addr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, entry.RequestID, entry.Namespace, entry.Identity, entry.Result, entry.Strong,
		entry.DurationMs, entry.SecurityLevel, int64(entry.OSPatchLevel), entry.Details, entry.RemoteAddr,
	)
	if err != nil {
		return storeErr("insert attestation record", err)
	}
	return nil
}

func (l *SQLiteAttestationLog) QueryAttestations(limit int) []AttestationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := queryNewest(l.db,
		`SELECT id, timestamp, request_id, namespace, identity, result, strong, duration_ms,
		        security_level, os_patch_level, details, remote_addr
		 FROM attestation_log ORDER BY id DESC`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var entries []AttestationRecord
	for rows.Next() {
		var e AttestationRecord
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RequestID, &e.Namespace, &e.Identity,
			&e.Result, &e.Strong, &e.DurationMs, &e.SecurityLevel, &e.OSPatchLevel,
			&e.Details, &e.RemoteAddr); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

func queryNewest(db *sql.DB, query string, limit int) (*sql.Rows, error) {
	if limit > 0 {
		return db.Query(query+" LIMIT ?", limit)
	}
	return db.Query(query)
}
