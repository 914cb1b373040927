// Package audit provides the append-only audit log for azenumrbac.
// Every external CLI invocation and phase transition is recorded, and
// records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventCommand          EventType = "az_command"
	EventInstall          EventType = "cli_install"
	EventLogin            EventType = "cli_login"
	EventScopeViolation   EventType = "scope_violation"
	EventPhaseStarted     EventType = "phase_started"
	EventPhaseCompleted   EventType = "phase_completed"
	EventPhaseFailed      EventType = "phase_failed"
	EventIntermediate     EventType = "intermediate_written"
	EventReportWritten    EventType = "report_written"
	EventWorkspaceCreated EventType = "workspace_created"
	EventExport           EventType = "export"
)

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db            *sql.DB
	mu            sync.Mutex
	lastHash      string
	workspaceUUID string
}

// NewLogger creates an audit logger for the given workspace.
func NewLogger(db *sql.DB, workspaceUUID string) (*Logger, error) {
	al := &Logger{
		db:            db,
		workspaceUUID: workspaceUUID,
	}

	// Recover last hash for chain continuity
	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log WHERE workspace_uuid = ? ORDER BY id DESC LIMIT 1",
		workspaceUUID,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log appends an audit event to the chain.
func (al *Logger) Log(eventType EventType, operator, runUUID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, operator, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, workspace_uuid, run_uuid, operator, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		al.workspaceUUID,
		runUUID,
		operator,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// computeHash creates the chain link: SHA-256(previousHash + timestamp + eventType + operator + detail)
func (al *Logger) computeHash(ts time.Time, eventType EventType, operator, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + operator + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain for a workspace.
func Verify(db *sql.DB, workspaceUUID string) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, operator, detail, record_hash FROM audit_log WHERE workspace_uuid = ? ORDER BY id ASC",
		workspaceUUID,
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, operator, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &operator, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + operator + detail
		h := sha256.Sum256([]byte(data))
		if hex.EncodeToString(h[:]) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}

// Record is an immutable audit log entry.
type Record struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	WorkspaceUUID string    `json:"workspace_uuid"`
	RunUUID       string    `json:"run_uuid,omitempty"`
	Operator      string    `json:"operator"`
	EventType     string    `json:"event_type"`
	Detail        string    `json:"detail"`
	RecordHash    string    `json:"record_hash"`
}

// List returns audit records for a workspace, oldest first. A non-empty
// runUUID restricts the result to that run.
func List(db *sql.DB, workspaceUUID, runUUID string) ([]Record, error) {
	query := `SELECT id, timestamp, workspace_uuid, run_uuid, operator, event_type, detail, record_hash
	          FROM audit_log WHERE workspace_uuid = ?`
	args := []any{workspaceUUID}
	if runUUID != "" {
		query += " AND run_uuid = ?"
		args = append(args, runUUID)
	}
	query += " ORDER BY id ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.WorkspaceUUID, &r.RunUUID, &r.Operator, &r.EventType, &r.Detail, &r.RecordHash); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		records = append(records, r)
	}
	return records, rows.Err()
}
