package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMetadataDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("OpenMetadataDB: %v", err)
	}
	defer db.Close()

	tables := []string{"workspaces", "phase_runs", "intermediates", "graph_nodes", "graph_edges"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, MetadataDBFile)); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestOpenMetadataDBIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	second, err := OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	second.Close()
}

func TestOpenAuditDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'",
	).Scan(&name)
	if err != nil {
		t.Error("audit_log table not found")
	}
}

func TestEnsureWorkspaceDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	if err := EnsureWorkspaceDir(dir); err != nil {
		t.Fatalf("EnsureWorkspaceDir: %v", err)
	}

	for _, sub := range []string{IntermediateDir, FinalDir, SnapshotsDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			t.Errorf("expected %s to exist: %v", sub, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", sub)
		}
	}
}
