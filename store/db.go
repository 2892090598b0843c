// SPDX-License-Identifier: MIT
// Auditor - SQLite database management
//
// Manages the database connection, schema migrations and connection tuning.
// All SQLite-backed stores share a single connection so that pairing
// updates and log writes are serialized by the driver.
//
// Each migration runs in a transaction with automatic rollback on failure.
// Append new migrations only. Never modify existing ones.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// represents a single schema version upgrade
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "pairings and pairing history",
		sql: `
			CREATE TABLE pairings (
				namespace  TEXT NOT NULL,
				identity   TEXT NOT NULL,
				public_key BLOB NOT NULL,
				properties TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (namespace, identity)
			);

			CREATE TABLE pairing_history (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				namespace          TEXT NOT NULL,
				identity           TEXT NOT NULL,
				timestamp          TIMESTAMP NOT NULL,
				os_version         INTEGER NOT NULL DEFAULT 0,
				os_patch_level     INTEGER NOT NULL DEFAULT 0,
				vendor_patch_level INTEGER NOT NULL DEFAULT 0,
				boot_patch_level   INTEGER NOT NULL DEFAULT 0,
				verified_boot_hash BLOB,
				security_level     INTEGER NOT NULL,
				boot_state         INTEGER NOT NULL,
				device_locked      INTEGER NOT NULL DEFAULT 0,
				strong             INTEGER NOT NULL DEFAULT 0,
				notes              TEXT NOT NULL DEFAULT '',
				FOREIGN KEY (namespace, identity) REFERENCES pairings(namespace, identity) ON DELETE CASCADE
			);

			CREATE INDEX idx_pairing_history_key ON pairing_history(namespace, identity);
		`,
	},
	{
		version:     2,
		description: "audit and attestation decision logs",
		sql: `
			CREATE TABLE audit_log (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				action    TEXT NOT NULL,
				target_id TEXT NOT NULL,
				reason    TEXT NOT NULL DEFAULT '',
				actor     TEXT NOT NULL DEFAULT '',
				note      TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_audit_log_timestamp ON audit_log(timestamp);
			CREATE INDEX idx_audit_log_target ON audit_log(target_id);

			CREATE TABLE attestation_log (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp      TIMESTAMP NOT NULL,
				request_id     TEXT NOT NULL DEFAULT '',
				namespace      TEXT NOT NULL DEFAULT '',
				identity       TEXT NOT NULL DEFAULT '',
				result         TEXT NOT NULL,
				strong         INTEGER NOT NULL DEFAULT 0,
				duration_ms    REAL NOT NULL DEFAULT 0,
				security_level TEXT NOT NULL DEFAULT '',
				os_patch_level INTEGER NOT NULL DEFAULT 0,
				details        TEXT NOT NULL DEFAULT '',
				remote_addr    TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_attestation_log_timestamp ON attestation_log(timestamp);
			CREATE INDEX idx_attestation_log_identity ON attestation_log(namespace, identity);
			CREATE INDEX idx_attestation_log_result ON attestation_log(result);
		`,
	},
}

// opens or creates a SQLite database at the given path
// Applies pending schema migrations automatically.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL", // pairing pins must survive power loss
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// single connection: :memory: databases are per-connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// applies pending schema migrations inside transactions
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		slog.Info("applied database migration", "version", m.version, "description", m.description)
	}

	return nil
}

// returns the current database schema version
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}
