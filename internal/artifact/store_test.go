package artifact

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/db"
)

func setupTestStore(t *testing.T) (*Store, *sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	if err := db.EnsureWorkspaceDir(dir); err != nil {
		t.Fatalf("workspace dir: %v", err)
	}
	metaDB, err := db.OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { metaDB.Close() })

	// intermediates references workspaces(uuid)
	_, err = metaDB.Exec(`INSERT INTO workspaces (uuid, name, created_at, updated_at, path)
		VALUES ('ws-test', 'test', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', ?)`, dir)
	if err != nil {
		t.Fatalf("inserting workspace: %v", err)
	}

	return NewStore(metaDB, dir, "ws-test"), metaDB, dir
}

func TestSaveAndLoad(t *testing.T) {
	store, _, _ := setupTestStore(t)

	subs := []core.Subscription{{ID: "sub-1", Name: "Prod"}, {ID: "sub-2", Name: "Dev"}}
	rec, err := store.Save("subscriptions", "run-1", subs, len(subs))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.RecordCount != 2 {
		t.Errorf("expected record count 2, got %d", rec.RecordCount)
	}

	content, _ := os.ReadFile(store.Path("subscriptions"))
	h := sha256.Sum256(content)
	if rec.ContentHash != hex.EncodeToString(h[:]) {
		t.Error("content hash does not match file")
	}

	var loaded []core.Subscription
	got, err := store.Load("subscriptions", &loaded)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Name != "Dev" {
		t.Errorf("unexpected content: %+v", loaded)
	}
	if got.RunUUID != "run-1" {
		t.Errorf("expected run-1, got %q", got.RunUUID)
	}
}

func TestSaveReplacesPreviousRecord(t *testing.T) {
	store, _, _ := setupTestStore(t)

	store.Save("roles", "run-1", []string{"a"}, 1)
	store.Save("roles", "run-2", []string{"a", "b"}, 2)

	recs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record per phase, got %d", len(recs))
	}
	if recs[0].RunUUID != "run-2" || recs[0].RecordCount != 2 {
		t.Errorf("expected latest write to win, got %+v", recs[0])
	}
}

func TestLoadMissing(t *testing.T) {
	store, _, _ := setupTestStore(t)

	var v []string
	_, err := store.Load("assignments", &v)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	var me *MissingError
	if !errors.As(err, &me) || me.Phase != "assignments" {
		t.Errorf("expected MissingError for assignments, got %v", err)
	}
	if store.Exists("assignments") {
		t.Error("Exists should be false")
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	store, _, _ := setupTestStore(t)

	store.Save("groups", "run-1", map[string]int{"g1": 1}, 1)
	os.WriteFile(store.Path("groups"), []byte(`{"g1": 2}`), 0600)

	var v map[string]int
	if _, err := store.Load("groups", &v); err == nil {
		t.Error("expected integrity error after tampering")
	}

	valid, invalid, err := store.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if valid != 0 || len(invalid) != 1 {
		t.Errorf("expected one invalid intermediate, got valid=%d invalid=%v", valid, invalid)
	}
}

func TestLoadUnrecordedFile(t *testing.T) {
	store, _, _ := setupTestStore(t)

	// Files copied in by hand have no record and load without a hash check.
	os.WriteFile(store.Path("users"), []byte(`{"u1": {"id": "u1"}}`), 0600)

	var v map[string]core.UserProfile
	rec, err := store.Load("users", &v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec != nil {
		t.Error("expected no record for hand-placed file")
	}
	if v["u1"].ID != "u1" {
		t.Errorf("unexpected content: %+v", v)
	}
}

func TestRemove(t *testing.T) {
	store, _, _ := setupTestStore(t)

	store.Save("resolve", "run-1", []int{1}, 1)
	if err := store.Remove("resolve"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if store.Exists("resolve") {
		t.Error("file should be gone")
	}
	if _, err := store.Get("resolve"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("record should be gone, got %v", err)
	}
}
