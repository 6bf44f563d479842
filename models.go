package flowpilot

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeWorkflowExecution JobType = "workflow-execution"
	JobTypeEmailSend         JobType = "email-send"
	JobTypeWebhookTrigger    JobType = "webhook-trigger"
	JobTypeDataProcessing    JobType = "data-processing"
)

// QueueTypes lists every queue the worker drains, in poll order.
var QueueTypes = []JobType{
	JobTypeWorkflowExecution,
	JobTypeEmailSend,
	JobTypeWebhookTrigger,
	JobTypeDataProcessing,
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

type StepType string

const (
	StepTypeTrigger       StepType = "trigger"
	StepTypeEmail         StepType = "email"
	StepTypeWebhook       StepType = "webhook"
	StepTypeCondition     StepType = "condition"
	StepTypeDelay         StepType = "delay"
	StepTypeDataTransform StepType = "data_transform"
	StepTypeAction        StepType = "action"
)

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

type TransformOperation string

const (
	TransformMap    TransformOperation = "map"
	TransformFilter TransformOperation = "filter"
	TransformMerge  TransformOperation = "merge"
	TransformSplit  TransformOperation = "split"
)

// Workflow is the authoring artifact. The executor only consumes Steps,
// and of each step only Type and Config; the canvas position and the
// connection references belong to the visual builder.
type Workflow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type WorkflowStep struct {
	ID          string         `json:"id"`
	Type        StepType       `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config"`
	Position    Position       `json:"position"`
	Connections Connections    `json:"connections"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Connections struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// WorkflowExecution is one run of a workflow against a trigger payload.
// Owned exclusively by the executor; step processors never mutate it.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	TenantID    string          `json:"tenant_id"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	Data        json.RawMessage `json:"data"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Job is a durable unit of queued work. JobID is the process-unique handle
// callers hold; ID is the store's own primary key. ScheduledAt is the
// earliest eligibility time: a job is dequeued only once
// status == PENDING and scheduled_at <= now.
type Job struct {
	ID          int64           `json:"id"`
	JobID       string          `json:"job_id"`
	Type        JobType         `json:"type"`
	Data        json.RawMessage `json:"data"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	TenantID    string          `json:"tenant_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	AttemptedAt *time.Time      `json:"attempted_at,omitempty"`
	AttemptedBy *string         `json:"attempted_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExecutionEvent is the durable event log row. It carries exactly the
// {type, data, timestamp} triple the notification collaborator broadcasts
// to connected clients, scoped by tenant.
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ExecutionID *string         `json:"execution_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SummaryStats aggregates execution and job counts for one tenant.
type SummaryStats struct {
	TotalExecutions     int `json:"total_executions"`
	RunningExecutions   int `json:"running_executions"`
	CompletedExecutions int `json:"completed_executions"`
	FailedExecutions    int `json:"failed_executions"`
	PendingJobs         int `json:"pending_jobs"`
	ProcessingJobs      int `json:"processing_jobs"`
	CompletedJobs       int `json:"completed_jobs"`
	FailedJobs          int `json:"failed_jobs"`
}

// StepResult is what ProcessWorkflowStep returns to its caller (normally
// the workflow job processor).
type StepResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

const (
	StepResultCompleted = "completed"
	StepResultDelayed   = "delayed"
	StepResultCancelled = "cancelled"
)
