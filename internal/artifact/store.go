// Package artifact persists each phase's output as an intermediate JSON
// file under the workspace intermediate/ directory. The content hash of
// every write is tracked in SQLite so later phases can detect tampering or
// a half-written file.
package artifact

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/db"
	"github.com/google/uuid"
)

// ErrMissing is matched by errors.Is for absent intermediate files.
var ErrMissing = errors.New("intermediate file missing")

// MissingError names the phase whose intermediate file is absent.
type MissingError struct {
	Phase string
	Path  string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("intermediate for phase %q not found at %s", e.Phase, e.Path)
}

func (e *MissingError) Is(target error) bool { return target == ErrMissing }

// Store manages intermediate files (JSON on disk + metadata in SQLite).
type Store struct {
	db        *sql.DB
	dir       string // Absolute path to workspace intermediate/ directory
	workspace string // Workspace UUID
}

// NewStore creates an intermediate store for the given workspace.
func NewStore(sqlDB *sql.DB, workspacePath, workspaceUUID string) *Store {
	return &Store{
		db:        sqlDB,
		dir:       filepath.Join(workspacePath, db.IntermediateDir),
		workspace: workspaceUUID,
	}
}

// Path returns the file path of a phase's intermediate.
func (s *Store) Path(phase string) string {
	return filepath.Join(s.dir, phase+".json")
}

// Save encodes v and replaces the phase's intermediate file. The file is
// written to a temporary name and renamed so readers never observe a
// partial write.
func (s *Store) Save(phase, runUUID string, v any, recordCount int) (*core.IntermediateRecord, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s intermediate: %w", phase, err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("ensuring intermediate directory: %w", err)
	}

	path := s.Path(phase)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return nil, fmt.Errorf("writing intermediate file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("replacing intermediate file: %w", err)
	}

	h := sha256.Sum256(content)
	rec := &core.IntermediateRecord{
		UUID:          uuid.New().String(),
		WorkspaceUUID: s.workspace,
		Phase:         phase,
		RunUUID:       runUUID,
		ContentHash:   hex.EncodeToString(h[:]),
		StoragePath:   filepath.Base(path),
		ByteSize:      int64(len(content)),
		RecordCount:   recordCount,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = s.db.Exec(
		`INSERT INTO intermediates (uuid, workspace_uuid, phase, run_uuid, content_hash, storage_path, byte_size, record_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_uuid, phase) DO UPDATE SET
		   uuid = excluded.uuid, run_uuid = excluded.run_uuid, content_hash = excluded.content_hash,
		   storage_path = excluded.storage_path, byte_size = excluded.byte_size,
		   record_count = excluded.record_count, created_at = excluded.created_at`,
		rec.UUID, rec.WorkspaceUUID, rec.Phase, rec.RunUUID, rec.ContentHash,
		rec.StoragePath, rec.ByteSize, rec.RecordCount, rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("recording intermediate: %w", err)
	}

	return rec, nil
}

// Load decodes the phase's intermediate into v. A missing file yields a
// *MissingError. When the file was written by this store its hash is
// checked before decoding.
func (s *Store) Load(phase string, v any) (*core.IntermediateRecord, error) {
	path := s.Path(phase)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MissingError{Phase: phase, Path: path}
		}
		return nil, fmt.Errorf("reading intermediate file: %w", err)
	}

	rec, err := s.Get(phase)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if rec != nil {
		h := sha256.Sum256(content)
		if hex.EncodeToString(h[:]) != rec.ContentHash {
			return nil, fmt.Errorf("intermediate integrity check failed: hash mismatch for %s", filepath.Base(path))
		}
	}

	if err := json.Unmarshal(content, v); err != nil {
		return nil, fmt.Errorf("decoding %s intermediate: %w", phase, err)
	}
	return rec, nil
}

// Exists reports whether the phase's intermediate file is present.
func (s *Store) Exists(phase string) bool {
	_, err := os.Stat(s.Path(phase))
	return err == nil
}

// Get returns the recorded metadata for a phase's intermediate. It returns
// sql.ErrNoRows (wrapped) when nothing was recorded.
func (s *Store) Get(phase string) (*core.IntermediateRecord, error) {
	rows, err := s.db.Query(
		`SELECT uuid, workspace_uuid, phase, run_uuid, content_hash, storage_path, byte_size, record_count, created_at
		 FROM intermediates WHERE workspace_uuid = ? AND phase = ?`,
		s.workspace, phase,
	)
	if err != nil {
		return nil, fmt.Errorf("querying intermediate: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("intermediate %s: %w", phase, sql.ErrNoRows)
	}
	return &recs[0], nil
}

// List returns every recorded intermediate, oldest first.
func (s *Store) List() ([]core.IntermediateRecord, error) {
	rows, err := s.db.Query(
		`SELECT uuid, workspace_uuid, phase, run_uuid, content_hash, storage_path, byte_size, record_count, created_at
		 FROM intermediates WHERE workspace_uuid = ? ORDER BY created_at ASC, phase ASC`,
		s.workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("querying intermediates: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Remove deletes a phase's intermediate file and its record.
func (s *Store) Remove(phase string) error {
	if err := os.Remove(s.Path(phase)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing intermediate file: %w", err)
	}
	_, err := s.db.Exec("DELETE FROM intermediates WHERE workspace_uuid = ? AND phase = ?", s.workspace, phase)
	return err
}

// VerifyIntegrity checks that all intermediate files match their recorded hashes.
func (s *Store) VerifyIntegrity() (valid int, invalid []string, err error) {
	recs, err := s.List()
	if err != nil {
		return 0, nil, err
	}

	for _, rec := range recs {
		data, readErr := os.ReadFile(filepath.Join(s.dir, rec.StoragePath))
		if readErr != nil {
			invalid = append(invalid, fmt.Sprintf("%s: file missing", rec.Phase))
			continue
		}

		h := sha256.Sum256(data)
		if hex.EncodeToString(h[:]) != rec.ContentHash {
			invalid = append(invalid, fmt.Sprintf("%s: hash mismatch", rec.Phase))
			continue
		}
		valid++
	}

	return valid, invalid, nil
}

func scanRecords(rows *sql.Rows) ([]core.IntermediateRecord, error) {
	var recs []core.IntermediateRecord
	for rows.Next() {
		var rec core.IntermediateRecord
		var createdAt string
		err := rows.Scan(
			&rec.UUID, &rec.WorkspaceUUID, &rec.Phase, &rec.RunUUID,
			&rec.ContentHash, &rec.StoragePath, &rec.ByteSize, &rec.RecordCount,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning intermediate: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
