// Package db provides SQLite database management for the cloudir data directory.
// Two databases live there: cloudir.db (runs, quarantine ledger, evidence) and
// cloudir-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MetadataDBFile = "cloudir.db"
	AuditDBFile    = "cloudir-audit.db"
)

// MetadataSchema defines all tables for the main database.
const MetadataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- One row per data directory; its uuid keys every other record
CREATE TABLE IF NOT EXISTS ledger (
    uuid            TEXT PRIMARY KEY,
    created_at      TEXT NOT NULL,
    path            TEXT NOT NULL
);

-- Forensic chain runs
CREATE TABLE IF NOT EXISTS chain_runs (
    uuid                TEXT PRIMARY KEY,
    source_instance_id  TEXT NOT NULL,
    target_instance_id  TEXT DEFAULT '',
    phase               TEXT NOT NULL DEFAULT 'not_started',
    status              TEXT NOT NULL DEFAULT 'pending',
    trigger_source      TEXT DEFAULT '',
    inputs              TEXT DEFAULT '{}',
    outputs             TEXT DEFAULT '{}',
    started_at          TEXT NOT NULL,
    completed_at        TEXT,
    error_kind          TEXT DEFAULT '',
    error_detail        TEXT,
    ledger_uuid         TEXT NOT NULL REFERENCES ledger(uuid),
    created_by          TEXT NOT NULL DEFAULT 'local'
);

CREATE INDEX IF NOT EXISTS idx_chain_runs_ledger ON chain_runs(ledger_uuid);
CREATE INDEX IF NOT EXISTS idx_chain_runs_source ON chain_runs(source_instance_id);

-- Individual step executions, standalone or as part of a chain
CREATE TABLE IF NOT EXISTS step_runs (
    uuid            TEXT PRIMARY KEY,
    chain_run_uuid  TEXT REFERENCES chain_runs(uuid),
    step_id         TEXT NOT NULL,
    step_version    TEXT DEFAULT '',
    inputs          TEXT DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'pending',
    started_at      TEXT NOT NULL,
    completed_at    TEXT,
    outputs         TEXT DEFAULT '{}',
    error_kind      TEXT DEFAULT '',
    error_detail    TEXT,
    ledger_uuid     TEXT NOT NULL REFERENCES ledger(uuid),
    created_by      TEXT NOT NULL DEFAULT 'local'
);

CREATE INDEX IF NOT EXISTS idx_step_runs_chain ON step_runs(chain_run_uuid);
CREATE INDEX IF NOT EXISTS idx_step_runs_step ON step_runs(step_id);
CREATE INDEX IF NOT EXISTS idx_step_runs_status ON step_runs(status);

-- Prior ENI group membership for reversible quarantine
CREATE TABLE IF NOT EXISTS quarantine_records (
    instance_id             TEXT NOT NULL,
    network_interface_id    TEXT NOT NULL,
    prior_groups            TEXT NOT NULL DEFAULT '[]',
    quarantine_group        TEXT NOT NULL,
    reason                  TEXT DEFAULT '',
    isolated_at             TEXT NOT NULL,
    released_at             TEXT,
    ledger_uuid             TEXT NOT NULL REFERENCES ledger(uuid),
    PRIMARY KEY (instance_id, network_interface_id)
);

-- Collected evidence files
CREATE TABLE IF NOT EXISTS evidence (
    uuid            TEXT PRIMARY KEY,
    ledger_uuid     TEXT NOT NULL REFERENCES ledger(uuid),
    run_uuid        TEXT,
    instance_id     TEXT NOT NULL,
    name            TEXT NOT NULL,
    source_uri      TEXT NOT NULL,
    content_hash    TEXT NOT NULL,
    storage_path    TEXT NOT NULL,
    byte_size       INTEGER DEFAULT 0,
    is_placeholder  INTEGER DEFAULT 0,
    created_at      TEXT NOT NULL,
    created_by      TEXT NOT NULL DEFAULT 'local'
);

CREATE INDEX IF NOT EXISTS idx_evidence_instance ON evidence(instance_id);
CREATE INDEX IF NOT EXISTS idx_evidence_run ON evidence(run_uuid);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    ledger_uuid     TEXT NOT NULL,
    run_uuid        TEXT DEFAULT '',
    operator        TEXT NOT NULL DEFAULT 'local',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_ledger ON audit_log(ledger_uuid);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_uuid);
`

// OpenMetadataDB opens or creates the main database in dataDir.
func OpenMetadataDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, MetadataDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	if _, err := db.Exec(MetadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database in dataDir.
func OpenAuditDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureDataDir creates the data directory and its evidence store.
func EnsureDataDir(path string) error {
	for _, d := range []string{path, filepath.Join(path, "evidence")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
