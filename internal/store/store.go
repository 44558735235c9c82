package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Events (immutable after creation)
	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, tenantID string, limit int) ([]*Event, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflowSteps(ctx context.Context, id string, wf *Workflow) error
	PublishWorkflow(ctx context.Context, id string, at time.Time) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Runs
	// CreateRun atomically creates the run, its first step run, the initial
	// run logs, and the audit entries: all of it commits or none does.
	CreateRun(ctx context.Context, run *Run, firstStep *StepRun, logs []*RunLog, audits []*AuditLog) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunDetail(ctx context.Context, id string) (*RunDetail, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step runs
	CreateStepRun(ctx context.Context, sr *StepRun) error
	GetStepRun(ctx context.Context, id string) (*StepRun, error)
	FindStepRunByKey(ctx context.Context, runID, stepKey string) (*StepRun, error)
	GetStepRunContext(ctx context.Context, stepRunID string) (*StepRunContext, error)
	UpdateStepRun(ctx context.Context, id string, update StepRunUpdate) error
	ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error)
	FindStuckStepRuns(ctx context.Context, runningSince time.Time, limit int) ([]*StuckStepRun, error)

	// Run logs (append-only)
	AppendRunLog(ctx context.Context, l *RunLog) error
	ListRunLogs(ctx context.Context, runID string) ([]*RunLog, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, a *AuditLog) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLog, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
