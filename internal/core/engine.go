// engine.go provides the Engine that wires together a workspace's databases,
// audit chain and logger.
package core

import (
	"database/sql"
	"fmt"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/db"
	"github.com/azenumrbac/azenumrbac/internal/logging"
	"github.com/rs/zerolog"
)

// Engine is the central coordinator for one workspace.
type Engine struct {
	Workspace   *Workspace
	MetadataDB  *sql.DB
	AuditDB     *sql.DB
	AuditLogger *audit.Logger
	Logger      zerolog.Logger
}

// OpenWorkspace opens the workspace rooted at path, creating its directory
// tree, databases and record on first use. The scope is stored on creation
// and refreshed on every open.
func OpenWorkspace(path string, scope Scope, logLevel string) (*Engine, error) {
	if err := db.EnsureWorkspaceDir(path); err != nil {
		return nil, err
	}

	metaDB, err := db.OpenMetadataDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	auditDB, err := db.OpenAuditDB(path)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	created := false
	ws, err := LoadWorkspaceRecord(metaDB, "")
	if err != nil {
		ws = NewWorkspace(path, "", "local", scope)
		created = true
	} else {
		ws.ScopeConfig = scope
		if scope.TenantID != "" {
			ws.TenantID = scope.TenantID
		}
	}
	if err := SaveWorkspaceRecord(metaDB, ws); err != nil {
		metaDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("saving workspace record: %w", err)
	}

	al, err := audit.NewLogger(auditDB, ws.UUID)
	if err != nil {
		metaDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	if created {
		al.Log(audit.EventWorkspaceCreated, "local", "", map[string]string{
			"workspace_uuid": ws.UUID,
			"path":           ws.Path,
		})
	}

	return &Engine{
		Workspace:   ws,
		MetadataDB:  metaDB,
		AuditDB:     auditDB,
		AuditLogger: al,
		Logger:      logging.NewLogger(logLevel, ws.UUID),
	}, nil
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.MetadataDB != nil {
		if err := e.MetadataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
