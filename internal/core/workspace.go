// workspace.go implements workspace lifecycle operations.
package core

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// NewWorkspace builds a workspace record for an output directory.
func NewWorkspace(path, name, owner string, scope Scope) *Workspace {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	now := time.Now().UTC()
	return &Workspace{
		UUID:        uuid.New().String(),
		Name:        name,
		TenantID:    scope.TenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Owner:       owner,
		ScopeConfig: scope,
		Path:        abs,
	}
}

// SaveWorkspaceRecord persists workspace metadata to the database.
func SaveWorkspaceRecord(db *sql.DB, ws *Workspace) error {
	scopeJSON, err := json.Marshal(ws.ScopeConfig)
	if err != nil {
		return fmt.Errorf("marshaling scope: %w", err)
	}

	_, err = db.Exec(
		`INSERT OR REPLACE INTO workspaces (uuid, name, tenant_id, created_at, updated_at, owner, scope_config, path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.UUID, ws.Name, ws.TenantID,
		ws.CreatedAt.Format(time.RFC3339),
		ws.UpdatedAt.Format(time.RFC3339),
		ws.Owner, string(scopeJSON), ws.Path,
	)
	return err
}

// LoadWorkspaceRecord reads workspace metadata from the database. An empty
// uuidOrName returns the only (first) workspace in the database.
func LoadWorkspaceRecord(db *sql.DB, uuidOrName string) (*Workspace, error) {
	var ws Workspace
	var scopeJSON, createdAt, updatedAt string

	query := `SELECT uuid, name, tenant_id, created_at, updated_at, owner, scope_config, path FROM workspaces`
	var args []any
	if uuidOrName != "" {
		query += ` WHERE uuid = ? OR name = ?`
		args = append(args, uuidOrName, uuidOrName)
	}
	query += ` ORDER BY created_at ASC LIMIT 1`

	err := db.QueryRow(query, args...).Scan(
		&ws.UUID, &ws.Name, &ws.TenantID,
		&createdAt, &updatedAt,
		&ws.Owner, &scopeJSON, &ws.Path,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("workspace not found: %q", uuidOrName)
		}
		return nil, err
	}

	ws.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ws.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	json.Unmarshal([]byte(scopeJSON), &ws.ScopeConfig)

	return &ws, nil
}

// TouchWorkspace bumps the workspace's updated_at timestamp.
func TouchWorkspace(db *sql.DB, ws *Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	_, err := db.Exec("UPDATE workspaces SET updated_at = ? WHERE uuid = ?",
		ws.UpdatedAt.Format(time.RFC3339), ws.UUID)
	return err
}
