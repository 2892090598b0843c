// SPDX-License-Identifier: MIT
// Auditor - SQLite pairing store
//
// Pinned keys and last properties live in the pairings table (properties
// as JSON), history entries in pairing_history. Every mutation runs in a
// single transaction so a reader never sees a pin without its first
// history entry.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/types"
)

// implements PairingStore using a SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// creates a pairing store backed by the given database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreIO, op, err)
}

func (s *SQLiteStore) Lookup(key Key) (*PairingRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()

	rec, err := loadRecord(tx, key)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Create(key Key, publicKey []byte, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error) {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, storeErr("encode properties", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		"SELECT 1 FROM pairings WHERE namespace = ? AND identity = ?",
		key.Namespace, key.Identity,
	).Scan(&exists)
	if err == nil {
		return nil, ErrAlreadyPaired
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("check existing pairing", err)
	}

	now := s.now().UTC()
	if _, err := tx.Exec(
		`INSERT INTO pairings (namespace, identity, public_key, properties, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.Namespace, key.Identity, publicKey, string(propsJSON), now, now,
	); err != nil {
		return nil, storeErr("insert pairing", err)
	}

	if err := insertHistory(tx, key, entry); err != nil {
		return nil, err
	}

	rec, err := loadRecord(tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return rec, nil
}

func (s *SQLiteStore) AppendHistory(key Key, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error) {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, storeErr("encode properties", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE pairings SET properties = ?, updated_at = ? WHERE namespace = ? AND identity = ?",
		string(propsJSON), s.now().UTC(), key.Namespace, key.Identity,
	)
	if err != nil {
		return nil, storeErr("update pairing", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, storeErr("update pairing", err)
	} else if n == 0 {
		return nil, ErrNotPaired
	}

	if err := insertHistory(tx, key, entry); err != nil {
		return nil, err
	}

	rec, err := loadRecord(tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Clear(key Key) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM pairing_history WHERE namespace = ? AND identity = ?",
		key.Namespace, key.Identity,
	); err != nil {
		return storeErr("delete history", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM pairings WHERE namespace = ? AND identity = ?",
		key.Namespace, key.Identity,
	); err != nil {
		return storeErr("delete pairing", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *SQLiteStore) ClearAll(namespace string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pairing_history WHERE namespace = ?", namespace); err != nil {
		return 0, storeErr("delete history", err)
	}
	res, err := tx.Exec("DELETE FROM pairings WHERE namespace = ?", namespace)
	if err != nil {
		return 0, storeErr("delete pairings", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete pairings", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) List(namespace string) ([]PairingRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT identity FROM pairings WHERE namespace = ? ORDER BY identity", namespace,
	)
	if err != nil {
		return nil, storeErr("list pairings", err)
	}
	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("scan pairing", err)
		}
		identities = append(identities, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("list pairings", err)
	}

	out := make([]PairingRecord, 0, len(identities))
	for _, id := range identities {
		rec, err := loadRecord(tx, Key{Namespace: namespace, Identity: id})
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT namespace FROM pairings ORDER BY namespace")
	if err != nil {
		return nil, storeErr("list namespaces", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, storeErr("scan namespace", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list namespaces", err)
	}
	return out, nil
}

func insertHistory(tx *sql.Tx, key Key, e HistoryEntry) error {
	notes := ""
	if len(e.Notes) > 0 {
		b, err := json.Marshal(e.Notes)
		if err != nil {
			return storeErr("encode notes", err)
		}
		notes = string(b)
	}

	_, err := tx.Exec(
		`INSERT INTO pairing_history
		 (namespace, identity, timestamp, os_version, os_patch_level, vendor_patch_level,
		  boot_patch_level, verified_boot_hash, security_level, boot_state, device_locked, strong, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Namespace, key.Identity, e.Timestamp.UTC(),
		int64(e.OSVersion), int64(e.OSPatchLevel), int64(e.VendorPatchLevel), int64(e.BootPatchLevel),
		e.VerifiedBootHash, int(e.SecurityLevel), int(e.BootState), e.DeviceLocked, e.Strong, notes,
	)
	if err != nil {
		return storeErr("insert history", err)
	}
	return nil
}

// reads a record and its history inside tx; nil when absent
func loadRecord(tx *sql.Tx, key Key) (*PairingRecord, error) {
	var (
		rec       PairingRecord
		propsJSON string
	)
	err := tx.QueryRow(
		`SELECT public_key, properties, created_at, updated_at
		 FROM pairings WHERE namespace = ? AND identity = ?`,
		key.Namespace, key.Identity,
	).Scan(&rec.PinnedPublicKey, &propsJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query pairing", err)
	}
	if err := json.Unmarshal([]byte(propsJSON), &rec.LastProperties); err != nil {
		return nil, storeErr("decode properties", err)
	}
	rec.Key = key

	rows, err := tx.Query(
		`SELECT timestamp, os_version, os_patch_level, vendor_patch_level, boot_patch_level,
		        verified_boot_hash, security_level, boot_state, device_locked, strong, notes
		 FROM pairing_history WHERE namespace = ? AND identity = ? ORDER BY id`,
		key.Namespace, key.Identity,
	)
	if err != nil {
		return nil, storeErr("query history", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e     HistoryEntry
			notes string
		)
		if err := rows.Scan(&e.Timestamp, &e.OSVersion, &e.OSPatchLevel, &e.VendorPatchLevel,
			&e.BootPatchLevel, &e.VerifiedBootHash, &e.SecurityLevel, &e.BootState,
			&e.DeviceLocked, &e.Strong, &notes); err != nil {
			return nil, storeErr("scan history", err)
		}
		if notes != "" {
			if err := json.Unmarshal([]byte(notes), &e.Notes); err != nil {
				return nil, storeErr("decode notes", err)
			}
		}
		rec.History = append(rec.History, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query history", err)
	}
	return &rec, nil
}
