package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/orkestr/orkestr/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Ping verifies the database connection.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Tenants ---

func (s *LibSQLStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, nullStr(t.APIKey), timeOrNow(t.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	var apiKey sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &apiKey, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tenant", id)
	}
	if err != nil {
		return nil, err
	}
	t.APIKey = apiKey.String
	return t, nil
}

func (s *LibSQLStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t := &Tenant{}
		var apiKey sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &apiKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.APIKey = apiKey.String
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) CreateEvent(ctx context.Context, e *Event) error {
	payload, err := marshalMapOrDefault(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, tenant_id, type, source, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Type, nullStr(e.Source), string(payload), timeOrNow(e.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	e := &Event{}
	var source sql.NullString
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, type, source, payload, created_at FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.TenantID, &e.Type, &source, &payload, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("event", id)
	}
	if err != nil {
		return nil, err
	}
	e.Source = source.String
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return e, nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	query := `SELECT id, tenant_id, type, source, payload, created_at FROM events WHERE tenant_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var source sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &source, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Source = source.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal workflow steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, description, trigger_type, steps, is_active, version, published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, nullStr(wf.Description), wf.TriggerType,
		string(steps), boolInt(wf.IsActive), wf.Version, nullTime(wf.PublishedAt),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, description, trigger_type, steps, is_active, version, published_at, created_at, updated_at
		 FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

// UpdateWorkflowSteps replaces the step list of a draft workflow.
// Published workflows are immutable; the update is rejected with a conflict.
func (s *LibSQLStore) UpdateWorkflowSteps(ctx context.Context, id string, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal workflow steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET steps = ?, name = ?, description = ?, is_active = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND published_at IS NULL`,
		string(steps), wf.Name, nullStr(wf.Description), boolInt(wf.IsActive), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetWorkflow(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is published and immutable", id)
	}
	return nil
}

// PublishWorkflow freezes a workflow. Publishing twice is a conflict.
func (s *LibSQLStore) PublishWorkflow(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET published_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND published_at IS NULL`, at, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		wf, getErr := s.GetWorkflow(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q already published at %s", id, wf.PublishedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.TriggerType)
	}
	if filter.PublishedOnly {
		where = append(where, "published_at IS NOT NULL")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT id, tenant_id, name, description, trigger_type, steps, is_active, version, published_at, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run, firstStep *StepRun, logs []*RunLog, audits []*AuditLog) error {
	runCtx, err := marshalMapOrDefault(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, event_id, status, dispatch_status, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.EventID, string(run.Status), nullStr(run.DispatchStatus),
		string(runCtx), timeOrNow(run.CreatedAt),
	); err != nil {
		return err
	}

	if firstStep != nil {
		input, err := marshalMapOrDefault(firstStep.Input)
		if err != nil {
			return fmt.Errorf("marshal step input: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_runs (id, run_id, step_key, step_type, status, input, attempt, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			firstStep.ID, firstStep.RunID, firstStep.StepKey, string(firstStep.StepType),
			string(firstStep.Status), string(input), firstStep.Attempt, timeOrNow(firstStep.CreatedAt),
		); err != nil {
			return err
		}
	}

	for _, l := range logs {
		if err := insertRunLog(ctx, tx, l); err != nil {
			return err
		}
	}
	for _, a := range audits {
		if err := insertAudit(ctx, tx, a); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, event_id, status, dispatch_status, context, error, started_at, finished_at, created_at
		 FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	stepRuns, err := s.ListStepRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.ListRunLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run, StepRuns: stepRuns, Logs: logs}
	if wf, err := s.GetWorkflow(ctx, run.WorkflowID); err == nil {
		detail.Workflow = wf
	}
	if ev, err := s.GetEvent(ctx, run.EventID); err == nil {
		detail.Event = ev
	}
	return detail, nil
}

// UpdateRun applies the update. Status changes are validated against the run
// transition table inside the same transaction, so terminal states never regress.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if update.Status != nil {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("run", id)
		}
		if err != nil {
			return err
		}
		if !schema.CanTransitionRun(schema.RunStatus(current), *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid run transition: %s -> %s", current, *update.Status).
				WithDetails(map[string]any{"run_id": id})
		}
	}

	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.DispatchStatus != "" {
		sets = append(sets, "dispatch_status = ?")
		args = append(args, update.DispatchStatus)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, event_id, status, dispatch_status, context, error, started_at, finished_at, created_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step runs ---

func (s *LibSQLStore) CreateStepRun(ctx context.Context, sr *StepRun) error {
	input, err := marshalMapOrDefault(sr.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_runs (id, run_id, step_key, step_type, status, input, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.StepKey, string(sr.StepType), string(sr.Status),
		string(input), sr.Attempt, timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetStepRun(ctx context.Context, id string) (*StepRun, error) {
	sr, err := scanStepRun(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_key, step_type, status, input, output, provider_ref, attempt, error, started_at, finished_at, created_at
		 FROM step_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step run", id)
	}
	return sr, err
}

// FindStepRunByKey returns the step run for a (run, step key) pair. At most
// one exists (unique index); absence is a NOT_FOUND error.
func (s *LibSQLStore) FindStepRunByKey(ctx context.Context, runID, stepKey string) (*StepRun, error) {
	sr, err := scanStepRun(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_key, step_type, status, input, output, provider_ref, attempt, error, started_at, finished_at, created_at
		 FROM step_runs WHERE run_id = ? AND step_key = ?`, runID, stepKey))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step run", runID+"/"+stepKey)
	}
	return sr, err
}

// GetStepRunContext loads the step run together with its run, workflow, and
// triggering event: everything the orchestrator needs for one delivery.
func (s *LibSQLStore) GetStepRunContext(ctx context.Context, stepRunID string) (*StepRunContext, error) {
	sr, err := s.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	run, err := s.GetRun(ctx, sr.RunID)
	if err != nil {
		return nil, err
	}
	wf, err := s.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	event, err := s.GetEvent(ctx, run.EventID)
	if err != nil {
		return nil, err
	}
	return &StepRunContext{StepRun: sr, Run: run, Workflow: wf, Event: event}, nil
}

// UpdateStepRun applies the update. Status changes are validated against the
// step transition table. ProviderRef is write-once: COALESCE keeps an existing
// marker even if a later attempt tries to overwrite it.
func (s *LibSQLStore) UpdateStepRun(ctx context.Context, id string, update StepRunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if update.Status != nil {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM step_runs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("step run", id)
		}
		if err != nil {
			return err
		}
		if !schema.CanTransitionStepRun(schema.StepRunStatus(current), *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid step run transition: %s -> %s", current, *update.Status).
				WithDetails(map[string]any{"step_run_id": id})
		}
	}

	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		output, err := json.Marshal(update.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(output))
	}
	if update.ProviderRef != "" {
		sets = append(sets, "provider_ref = COALESCE(provider_ref, ?)")
		args = append(args, update.ProviderRef)
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx,
		`UPDATE step_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "step run", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_key, step_type, status, input, output, provider_ref, attempt, error, started_at, finished_at, created_at
		 FROM step_runs WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stepRuns []*StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		stepRuns = append(stepRuns, sr)
	}
	return stepRuns, rows.Err()
}

// FindStuckStepRuns lists step runs sitting in RUNNING since before the given
// cutoff, joined with run and workflow context for alerting. Read-only.
func (s *LibSQLStore) FindStuckStepRuns(ctx context.Context, runningSince time.Time, limit int) ([]*StuckStepRun, error) {
	query := `SELECT sr.id, sr.run_id, sr.step_key, sr.step_type, sr.status, sr.input, sr.output, sr.provider_ref, sr.attempt, sr.error, sr.started_at, sr.finished_at, sr.created_at,
	                 r.status, w.id, w.name
	          FROM step_runs sr
	          JOIN runs r ON r.id = sr.run_id
	          JOIN workflows w ON w.id = r.workflow_id
	          WHERE sr.status = 'RUNNING' AND sr.started_at < ?
	          ORDER BY sr.started_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, runningSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stuck []*StuckStepRun
	for rows.Next() {
		sr := &StepRun{}
		var input string
		var output, providerRef, errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime
		var stepType, status, runStatus string
		entry := &StuckStepRun{}
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepKey, &stepType, &status, &input, &output,
			&providerRef, &sr.Attempt, &errMsg, &startedAt, &finishedAt, &sr.CreatedAt,
			&runStatus, &entry.WorkflowID, &entry.WorkflowName); err != nil {
			return nil, err
		}
		sr.StepType = schema.StepType(stepType)
		sr.Status = schema.StepRunStatus(status)
		if err := json.Unmarshal([]byte(input), &sr.Input); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
		if output.Valid && output.String != "" {
			_ = json.Unmarshal([]byte(output.String), &sr.Output)
		}
		sr.ProviderRef = providerRef.String
		sr.Error = errMsg.String
		if startedAt.Valid {
			sr.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			sr.FinishedAt = &finishedAt.Time
		}
		entry.StepRun = sr
		entry.RunStatus = schema.RunStatus(runStatus)
		stuck = append(stuck, entry)
	}
	return stuck, rows.Err()
}

// --- Run logs ---

func (s *LibSQLStore) AppendRunLog(ctx context.Context, l *RunLog) error {
	return insertRunLog(ctx, s.db, l)
}

func (s *LibSQLStore) ListRunLogs(ctx context.Context, runID string) ([]*RunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, level, message, context, created_at FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		l := &RunLog{}
		var logCtx string
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &logCtx, &l.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(logCtx), &l.Context)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, a *AuditLog) error {
	return insertAudit(ctx, s.db, a)
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLog, error) {
	var where []string
	var args []any
	if filter.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, filter.Entity)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT id, entity, entity_id, action, details, created_at FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditLog
	for rows.Next() {
		a := &AuditLog{}
		var details string
		if err := rows.Scan(&a.ID, &a.Entity, &a.EntityID, &a.Action, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(details), &a.Details)
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// --- Row scanning ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	var steps string
	var isActive int
	var publishedAt sql.NullTime
	err := row.Scan(&wf.ID, &wf.TenantID, &wf.Name, &desc, &wf.TriggerType, &steps,
		&isActive, &wf.Version, &publishedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal workflow steps: %w", err)
	}
	if publishedAt.Valid {
		wf.PublishedAt = &publishedAt.Time
	}
	return wf, nil
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var status string
	var dispatchStatus, errMsg sql.NullString
	var runCtx string
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.WorkflowID, &run.EventID, &status, &dispatchStatus,
		&runCtx, &errMsg, &startedAt, &finishedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.DispatchStatus = dispatchStatus.String
	run.Error = errMsg.String
	_ = json.Unmarshal([]byte(runCtx), &run.Context)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func scanStepRun(row scanner) (*StepRun, error) {
	sr := &StepRun{}
	var stepType, status, input string
	var output, providerRef, errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&sr.ID, &sr.RunID, &sr.StepKey, &stepType, &status, &input, &output,
		&providerRef, &sr.Attempt, &errMsg, &startedAt, &finishedAt, &sr.CreatedAt)
	if err != nil {
		return nil, err
	}
	sr.StepType = schema.StepType(stepType)
	sr.Status = schema.StepRunStatus(status)
	if err := json.Unmarshal([]byte(input), &sr.Input); err != nil {
		return nil, fmt.Errorf("unmarshal step input: %w", err)
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &sr.Output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
	}
	sr.ProviderRef = providerRef.String
	sr.Error = errMsg.String
	if startedAt.Valid {
		sr.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		sr.FinishedAt = &finishedAt.Time
	}
	return sr, nil
}

// --- Helpers ---

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRunLog(ctx context.Context, db execer, l *RunLog) error {
	logCtx, err := marshalMapOrDefault(l.Context)
	if err != nil {
		return fmt.Errorf("marshal log context: %w", err)
	}
	level := l.Level
	if level == "" {
		level = "info"
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, level, message, context, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.RunID, level, l.Message, string(logCtx), timeOrNow(l.CreatedAt),
	)
	return err
}

func insertAudit(ctx context.Context, db execer, a *AuditLog) error {
	details, err := marshalMapOrDefault(a.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO audit_logs (entity, entity_id, action, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.Entity, a.EntityID, a.Action, string(details), timeOrNow(a.CreatedAt),
	)
	return err
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
