// Package db provides SQLite database management for azenumrbac workspaces.
// Two databases per workspace: azenumrbac.db (metadata) and azenumrbac-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MetadataDBFile = "azenumrbac.db"
	AuditDBFile    = "azenumrbac-audit.db"

	IntermediateDir = "intermediate"
	FinalDir        = "final"
	SnapshotsDir    = "snapshots"
)

// MetadataSchema defines all tables for the main workspace database.
const MetadataSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- Workspace metadata
CREATE TABLE IF NOT EXISTS workspaces (
    uuid            TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    tenant_id       TEXT DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    owner           TEXT NOT NULL DEFAULT 'local',
    scope_config    TEXT DEFAULT '{}',  -- JSON object
    path            TEXT NOT NULL
);

-- Phase runs (the run log used for resume)
CREATE TABLE IF NOT EXISTS phase_runs (
    uuid            TEXT PRIMARY KEY,
    run_uuid        TEXT NOT NULL,
    phase           TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    started_at      TEXT NOT NULL,
    completed_at    TEXT,
    outputs         TEXT DEFAULT '{}',
    error_detail    TEXT,
    workspace_uuid  TEXT NOT NULL REFERENCES workspaces(uuid),
    created_by      TEXT NOT NULL DEFAULT 'local',
    mode            TEXT NOT NULL DEFAULT 'phase'  -- 'all' for full runs, 'phase' for single phases
);

CREATE INDEX IF NOT EXISTS idx_phase_runs_workspace ON phase_runs(workspace_uuid);
CREATE INDEX IF NOT EXISTS idx_phase_runs_run ON phase_runs(run_uuid);
CREATE INDEX IF NOT EXISTS idx_phase_runs_phase ON phase_runs(phase, status);

-- Intermediate files, one current record per phase
CREATE TABLE IF NOT EXISTS intermediates (
    uuid            TEXT PRIMARY KEY,
    workspace_uuid  TEXT NOT NULL REFERENCES workspaces(uuid),
    phase           TEXT NOT NULL,
    run_uuid        TEXT DEFAULT '',
    content_hash    TEXT NOT NULL,
    storage_path    TEXT NOT NULL,
    byte_size       INTEGER DEFAULT 0,
    record_count    INTEGER DEFAULT 0,
    created_at      TEXT NOT NULL,
    UNIQUE(workspace_uuid, phase)
);

-- Principals discovered through assignments and group listings
CREATE TABLE IF NOT EXISTS graph_nodes (
    id                TEXT NOT NULL,
    workspace_uuid    TEXT NOT NULL REFERENCES workspaces(uuid),
    node_type         TEXT NOT NULL,  -- user | group | service_principal | ...
    label             TEXT DEFAULT '',
    metadata          TEXT DEFAULT '{}',
    discovered_at     TEXT NOT NULL,
    PRIMARY KEY (workspace_uuid, id)
);

CREATE INDEX IF NOT EXISTS idx_nodes_type ON graph_nodes(workspace_uuid, node_type);

-- Direct group membership edges (group -> member)
CREATE TABLE IF NOT EXISTS graph_edges (
    uuid              TEXT PRIMARY KEY,
    workspace_uuid    TEXT NOT NULL REFERENCES workspaces(uuid),
    group_id          TEXT NOT NULL,
    member_id         TEXT NOT NULL,
    member_kind       TEXT NOT NULL DEFAULT 'unknown',
    discovered_at     TEXT NOT NULL,
    UNIQUE(workspace_uuid, group_id, member_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_group ON graph_edges(workspace_uuid, group_id);
CREATE INDEX IF NOT EXISTS idx_edges_member ON graph_edges(workspace_uuid, member_id);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    workspace_uuid  TEXT NOT NULL,
    run_uuid        TEXT DEFAULT '',
    operator        TEXT NOT NULL DEFAULT 'local',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_log(workspace_uuid);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_uuid);
`

// OpenMetadataDB opens or creates the metadata database for a workspace.
func OpenMetadataDB(workspacePath string) (*sql.DB, error) {
	dbPath := filepath.Join(workspacePath, MetadataDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	if _, err := db.Exec(MetadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database for a workspace.
func OpenAuditDB(workspacePath string) (*sql.DB, error) {
	dbPath := filepath.Join(workspacePath, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureWorkspaceDir creates the workspace directory structure.
func EnsureWorkspaceDir(path string) error {
	dirs := []string{
		path,
		filepath.Join(path, IntermediateDir),
		filepath.Join(path, FinalDir),
		filepath.Join(path, SnapshotsDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
