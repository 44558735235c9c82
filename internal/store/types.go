package store

import (
	"time"

	"github.com/orkestr/orkestr/pkg/schema"
)

// Tenant owns workflows and events.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"apiKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is an immutable external occurrence; its payload becomes the input of
// every step run spawned from it.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Workflow is a versioned, publish-once step sequence.
// Steps are mutable while PublishedAt is nil and frozen afterwards.
type Workflow struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	TriggerType string       `json:"triggerType"`
	Steps       schema.Steps `json:"steps"`
	IsActive    bool         `json:"isActive"`
	Version     int          `json:"version"`
	PublishedAt *time.Time   `json:"publishedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Published reports whether the workflow has been frozen for execution.
func (w *Workflow) Published() bool { return w.PublishedAt != nil }

// Run is one execution of a published workflow against one event.
type Run struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflowId"`
	EventID        string           `json:"eventId"`
	Status         schema.RunStatus `json:"status"`
	DispatchStatus string           `json:"dispatchStatus,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	Error          string           `json:"error,omitempty"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// StepRun is the attempt-tracked execution record of one step within a run.
// ProviderRef, once set, is never overwritten: it is the durable idempotency
// marker proving an action's side effect already happened.
type StepRun struct {
	ID          string               `json:"id"`
	RunID       string               `json:"runId"`
	StepKey     string               `json:"stepKey"`
	StepType    schema.StepType      `json:"stepType"`
	Status      schema.StepRunStatus `json:"status"`
	Input       map[string]any       `json:"input"`
	Output      map[string]any       `json:"output,omitempty"`
	ProviderRef string               `json:"providerRef,omitempty"`
	Attempt     int                  `json:"attempt"`
	Error       string               `json:"error,omitempty"`
	StartedAt   *time.Time           `json:"startedAt,omitempty"`
	FinishedAt  *time.Time           `json:"finishedAt,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// RunLog is one append-only narrative entry for a run.
type RunLog struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"runId"`
	Level     string         `json:"level"` // info, warn, error
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditLog is one append-only entity-level state-transition record.
type AuditLog struct {
	ID        int64          `json:"id"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// StepRunContext is the fully-joined load the orchestrator needs to process
// one delivery: the step run plus its run, workflow, and triggering event.
type StepRunContext struct {
	StepRun  *StepRun
	Run      *Run
	Workflow *Workflow
	Event    *Event
}

// RunDetail is a run with its owned records, for API reads.
type RunDetail struct {
	Run      *Run       `json:"run"`
	StepRuns []*StepRun `json:"stepRuns"`
	Logs     []*RunLog  `json:"logs"`
	Workflow *Workflow  `json:"workflow,omitempty"`
	Event    *Event     `json:"event,omitempty"`
}

// --- Update and filter types ---

// StepRunUpdate specifies mutable fields of a step run. Nil fields are left
// untouched. ProviderRef is only written when the row has none yet.
type StepRunUpdate struct {
	Status      *schema.StepRunStatus
	Output      map[string]any
	ProviderRef string
	Attempt     *int
	Error       *string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status         *schema.RunStatus
	DispatchStatus string
	Error          *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID      string
	TriggerType   string
	PublishedOnly bool
	ActiveOnly    bool
	Limit         int
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string
	EventID    string
	Status     *schema.RunStatus
	Limit      int
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	Entity   string
	EntityID string
	Limit    int
}

// StuckStepRun is one watchdog finding: a step run sitting in RUNNING past the
// threshold, with enough context to alert on.
type StuckStepRun struct {
	StepRun      *StepRun         `json:"stepRun"`
	RunStatus    schema.RunStatus `json:"runStatus"`
	WorkflowID   string           `json:"workflowId"`
	WorkflowName string           `json:"workflowName"`
}
