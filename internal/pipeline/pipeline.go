// Package pipeline runs the enumeration phases in order, records every
// phase run in the workspace run log and exchanges data between phases
// through intermediate files.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/artifact"
	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/graph"
	"github.com/azenumrbac/azenumrbac/internal/inventory"
	"github.com/azenumrbac/azenumrbac/internal/scope"
	"github.com/azenumrbac/azenumrbac/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrIncompleteResolve is returned by the report phase when the resolve
// intermediate does not carry a finished pass.
var ErrIncompleteResolve = errors.New("resolve output is incomplete; rerun the resolve phase")

// MissingIntermediateError is returned in offline mode when a phase needs
// an upstream intermediate that does not exist.
type MissingIntermediateError struct {
	Phase    string // phase being run
	Requires string // upstream phase whose output is absent
	Path     string
	Err      error
}

func (e *MissingIntermediateError) Error() string {
	return fmt.Sprintf("phase %q needs the %q intermediate at %s, which does not exist; run phase %q first",
		e.Phase, e.Requires, e.Path, e.Requires)
}

func (e *MissingIntermediateError) Unwrap() error { return e.Err }

// SessionNotReadyError is returned when a cloud phase runs without a ready
// az session.
type SessionNotReadyError struct {
	Readiness session.Readiness
	Err       error
}

func (e *SessionNotReadyError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("az session not ready: %v", e.Err)
	case !e.Readiness.Installed:
		return "az session not ready: azure cli is not installed"
	default:
		return "az session not ready: azure cli is not logged in"
	}
}

func (e *SessionNotReadyError) Unwrap() error { return e.Err }

// SessionProvider establishes the az session.
type SessionProvider interface {
	Ensure(ctx context.Context) (session.Readiness, error)
}

// RunOptions control a pipeline run.
type RunOptions struct {
	// Resume skips phases the latest run already completed and reuses
	// cached user profiles.
	Resume bool
	// Restart discards every intermediate before running.
	Restart bool
	// Offline fails with MissingIntermediateError instead of re-collecting
	// an absent upstream intermediate.
	Offline bool
	// Operator is recorded in the run log and audit trail.
	Operator string
}

// Pipeline executes phases against one workspace.
type Pipeline struct {
	db        *sql.DB
	workspace *core.Workspace
	audit     *audit.Logger
	store     *artifact.Store
	graph     *graph.Store
	client    *azcli.Client
	sessions  SessionProvider
	checker   *scope.Checker
	logger    zerolog.Logger
	batchSize int
}

// New creates a pipeline over an opened workspace.
func New(eng *core.Engine, client *azcli.Client, sessions SessionProvider, checker *scope.Checker) *Pipeline {
	if checker == nil {
		checker = scope.NewChecker(eng.Workspace.ScopeConfig)
	}
	return &Pipeline{
		db:        eng.MetadataDB,
		workspace: eng.Workspace,
		audit:     eng.AuditLogger,
		store:     artifact.NewStore(eng.MetadataDB, eng.Workspace.Path, eng.Workspace.UUID),
		graph:     graph.NewStore(eng.MetadataDB, eng.Workspace.UUID),
		client:    client,
		sessions:  sessions,
		checker:   checker,
		logger:    eng.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// SetBatchSize sets how many user profiles are fetched between checkpoints.
func (p *Pipeline) SetBatchSize(n int) { p.batchSize = n }

// Store returns the intermediate store.
func (p *Pipeline) Store() *artifact.Store { return p.store }

// Graph returns the persisted membership graph.
func (p *Pipeline) Graph() *graph.Store { return p.graph }

type execution struct {
	runUUID   string
	mode      core.RunMode
	opts      RunOptions
	readiness *session.Readiness
	collector *inventory.Collector
	done      map[string]bool
}

func (p *Pipeline) newExecution(opts RunOptions) *execution {
	if opts.Operator == "" {
		opts.Operator = "local"
	}
	return &execution{
		runUUID: uuid.New().String(),
		mode:    core.ModePhase,
		opts:    opts,
		done:    make(map[string]bool),
	}
}

// RunAll runs every phase in order and stops at the first failure. With
// Resume it starts after the phases the latest run completed; skipped
// phases are recorded as such.
func (p *Pipeline) RunAll(ctx context.Context, opts RunOptions) (string, error) {
	ex := p.newExecution(opts)
	ex.mode = core.ModeAll

	if opts.Restart {
		for _, name := range Order {
			if err := p.store.Remove(name); err != nil {
				return ex.runUUID, fmt.Errorf("clearing %s intermediate: %w", name, err)
			}
		}
		dropped := 0
		if p.client != nil {
			dropped = p.client.Cache().Clear("")
		}
		p.logger.Info().Int("cached_responses", dropped).Msg("intermediates cleared")
	}

	start := 0
	if opts.Resume && !opts.Restart {
		var err error
		start, err = p.resumePoint()
		if err != nil {
			return ex.runUUID, err
		}
		if start >= len(Order) {
			p.logger.Info().Msg("latest run completed every phase, nothing to resume")
			return ex.runUUID, nil
		}
		p.logger.Info().Str("from", Order[start]).Msg("resuming")
	}

	for i, name := range Order {
		if i < start {
			p.recordSkipped(ex, name)
			continue
		}
		if ex.done[name] {
			continue
		}
		if err := p.runPhase(ctx, ex, name); err != nil {
			return ex.runUUID, err
		}
	}
	return ex.runUUID, nil
}

// RunPhase runs a single phase from cached intermediates. Absent upstream
// intermediates are re-collected unless opts.Offline is set.
func (p *Pipeline) RunPhase(ctx context.Context, name string, opts RunOptions) (string, error) {
	if _, ok := Lookup(name); !ok {
		return "", fmt.Errorf("unknown phase %q", name)
	}
	ex := p.newExecution(opts)
	return ex.runUUID, p.runPhase(ctx, ex, name)
}

func (p *Pipeline) runPhase(ctx context.Context, ex *execution, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	run := &core.PhaseRun{
		UUID:          uuid.New().String(),
		RunUUID:       ex.runUUID,
		Phase:         name,
		Status:        core.RunRunning,
		StartedAt:     time.Now().UTC(),
		WorkspaceUUID: p.workspace.UUID,
		CreatedBy:     ex.opts.Operator,
		Mode:          ex.mode,
	}
	if err := p.saveRun(run); err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}

	p.logger.Info().Str("phase", name).Str("run", ex.runUUID).Msg("phase started")
	p.logAudit(audit.EventPhaseStarted, ex.runUUID, map[string]any{"phase": name})

	outputs, err := p.dispatch(ctx, ex, name)

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt

	if err != nil {
		run.Status = core.RunError
		errMsg := err.Error()
		run.ErrorDetail = &errMsg
		p.updateRun(run)
		p.logger.Error().Err(err).Str("phase", name).Msg("phase failed")
		p.logAudit(audit.EventPhaseFailed, ex.runUUID, map[string]any{"phase": name, "error": errMsg})
		return fmt.Errorf("phase %s: %w", name, err)
	}

	run.Status = core.RunSuccess
	run.Outputs = outputs
	p.updateRun(run)
	ex.done[name] = true

	p.logger.Info().Str("phase", name).Dur("took", completedAt.Sub(run.StartedAt)).Msg("phase completed")
	p.logAudit(audit.EventPhaseCompleted, ex.runUUID, map[string]any{"phase": name, "outputs": outputs})
	return nil
}

func (p *Pipeline) recordSkipped(ex *execution, name string) {
	now := time.Now().UTC()
	run := &core.PhaseRun{
		UUID:          uuid.New().String(),
		RunUUID:       ex.runUUID,
		Phase:         name,
		Status:        core.RunSkipped,
		StartedAt:     now,
		CompletedAt:   &now,
		WorkspaceUUID: p.workspace.UUID,
		CreatedBy:     ex.opts.Operator,
		Mode:          ex.mode,
	}
	if err := p.saveRun(run); err != nil {
		p.logger.Warn().Err(err).Str("phase", name).Msg("failed to record skipped phase")
		return
	}
	p.updateRun(run)
}

// load decodes an upstream intermediate for phase. When it is missing the
// upstream phase is run first, or in offline mode a
// MissingIntermediateError is returned.
func (p *Pipeline) load(ctx context.Context, ex *execution, phase, upstream string, v any) error {
	_, err := p.store.Load(upstream, v)
	if err == nil {
		return nil
	}
	var missing *artifact.MissingError
	if !errors.As(err, &missing) {
		return err
	}
	if ex.opts.Offline || ex.done[upstream] {
		return &MissingIntermediateError{Phase: phase, Requires: upstream, Path: missing.Path, Err: err}
	}

	p.logger.Warn().Str("phase", phase).Str("upstream", upstream).Msg("intermediate missing, re-collecting")
	if err := p.runPhase(ctx, ex, upstream); err != nil {
		return err
	}
	_, err = p.store.Load(upstream, v)
	return err
}

// collector returns the run's inventory collector, establishing the
// session first when this run has not done so.
func (p *Pipeline) collector(ctx context.Context, ex *execution) (*inventory.Collector, error) {
	if ex.collector != nil {
		return ex.collector, nil
	}
	if ex.readiness == nil {
		if err := p.runPhase(ctx, ex, PhaseSession); err != nil {
			return nil, err
		}
	}
	if !ex.readiness.Ready() {
		return nil, &SessionNotReadyError{Readiness: *ex.readiness}
	}

	p.client.SetAudit(p.audit, ex.runUUID)
	c := inventory.NewCollector(p.client, *ex.readiness, p.checker, p.audit, p.logger)
	c.SetRun(ex.runUUID)
	c.SetBatchSize(p.batchSize)
	c.SetProgress(&progressReporter{logger: p.logger, runID: ex.runUUID})
	ex.collector = c
	return c, nil
}

func (p *Pipeline) save(ex *execution, phase string, v any, records int) error {
	rec, err := p.store.Save(phase, ex.runUUID, v, records)
	if err != nil {
		return err
	}
	p.logAudit(audit.EventIntermediate, ex.runUUID, map[string]any{
		"phase":   phase,
		"path":    rec.StoragePath,
		"hash":    rec.ContentHash,
		"records": records,
	})
	return nil
}

func (p *Pipeline) logAudit(event audit.EventType, runUUID string, detail map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Log(event, "local", runUUID, detail); err != nil {
		p.logger.Warn().Err(err).Str("event", string(event)).Msg("audit write failed")
	}
}

// resumePoint returns the index in Order of the first phase the latest full
// run did not complete. Single-phase invocations are ignored.
func (p *Pipeline) resumePoint() (int, error) {
	var runUUID string
	err := p.db.QueryRow(
		`SELECT run_uuid FROM phase_runs WHERE workspace_uuid = ? AND mode = ? ORDER BY rowid DESC LIMIT 1`,
		p.workspace.UUID, string(core.ModeAll),
	).Scan(&runUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding latest run: %w", err)
	}

	runs, err := p.ListRuns(runUUID)
	if err != nil {
		return 0, err
	}
	completed := make(map[string]bool)
	for _, r := range runs {
		switch r.Status {
		case core.RunSuccess, core.RunSkipped:
			completed[r.Phase] = true
		case core.RunError:
			completed[r.Phase] = false
		}
	}
	for i, name := range Order {
		if !completed[name] {
			return i, nil
		}
	}
	return len(Order), nil
}

// ListRuns returns the phase runs of one pipeline run in execution order,
// or of every run when runUUID is empty.
func (p *Pipeline) ListRuns(runUUID string) ([]core.PhaseRun, error) {
	query := `SELECT uuid, run_uuid, phase, status, started_at, completed_at, outputs, error_detail, workspace_uuid, created_by, mode
	          FROM phase_runs WHERE workspace_uuid = ?`
	args := []any{p.workspace.UUID}
	if runUUID != "" {
		query += " AND run_uuid = ?"
		args = append(args, runUUID)
	}
	query += " ORDER BY rowid ASC"

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying phase runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Status returns the most recent run of each phase, in phase order.
// Phases never run are omitted.
func (p *Pipeline) Status() ([]core.PhaseRun, error) {
	runs, err := p.ListRuns("")
	if err != nil {
		return nil, err
	}
	latest := make(map[string]core.PhaseRun)
	for _, r := range runs {
		latest[r.Phase] = r
	}
	var out []core.PhaseRun
	for _, name := range Order {
		if r, ok := latest[name]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Pipeline) saveRun(run *core.PhaseRun) error {
	outputsJSON, _ := json.Marshal(run.Outputs)

	_, err := p.db.Exec(
		`INSERT INTO phase_runs (uuid, run_uuid, phase, status, started_at, completed_at, outputs, error_detail, workspace_uuid, created_by, mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.UUID, run.RunUUID, run.Phase, string(run.Status),
		run.StartedAt.Format(time.RFC3339Nano), nil,
		string(outputsJSON), nil,
		run.WorkspaceUUID, run.CreatedBy, string(run.Mode),
	)
	return err
}

func (p *Pipeline) updateRun(run *core.PhaseRun) {
	outputsJSON, _ := json.Marshal(run.Outputs)

	var completedStr *string
	if run.CompletedAt != nil {
		s := run.CompletedAt.Format(time.RFC3339Nano)
		completedStr = &s
	}

	if _, err := p.db.Exec(
		`UPDATE phase_runs SET status = ?, completed_at = ?, outputs = ?, error_detail = ? WHERE uuid = ?`,
		string(run.Status), completedStr, string(outputsJSON), run.ErrorDetail, run.UUID,
	); err != nil {
		p.logger.Warn().Err(err).Str("phase", run.Phase).Msg("failed to update run record")
	}
}

func scanRuns(rows *sql.Rows) ([]core.PhaseRun, error) {
	var runs []core.PhaseRun
	for rows.Next() {
		var run core.PhaseRun
		var outputsJSON, startedAt string
		var completedAt, errorDetail sql.NullString

		err := rows.Scan(
			&run.UUID, &run.RunUUID, &run.Phase, &run.Status, &startedAt, &completedAt,
			&outputsJSON, &errorDetail, &run.WorkspaceUUID, &run.CreatedBy, &run.Mode,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}

		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			run.CompletedAt = &t
		}
		if errorDetail.Valid {
			run.ErrorDetail = &errorDetail.String
		}
		json.Unmarshal([]byte(outputsJSON), &run.Outputs)

		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type progressReporter struct {
	logger zerolog.Logger
	runID  string
}

func (r *progressReporter) Update(current int, message string) {
	r.logger.Debug().Str("run", r.runID).Int("progress", current).Str("msg", message).Msg("phase progress")
}

func (r *progressReporter) Total(total int) {
	r.logger.Debug().Str("run", r.runID).Int("total", total).Msg("phase total")
}
