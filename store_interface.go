package flowpilot

import (
	"context"
	"encoding/json"
	"time"
)

type Store interface {
	// Workflows (authoring artifacts, read-mostly from the engine's side).
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowsByTenant(ctx context.Context, tenantID string) ([]*Workflow, error)

	// Executions.
	CreateExecution(
		ctx context.Context,
		workflowID, tenantID string,
		data json.RawMessage,
	) (*WorkflowExecution, error)
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	// UpdateExecutionProgress persists the step cursor and the evolving
	// context while the execution is RUNNING.
	UpdateExecutionProgress(
		ctx context.Context,
		executionID string,
		currentStep int,
		data json.RawMessage,
	) error
	// UpdateExecutionStatus moves the execution through its lifecycle and
	// stamps started_at/completed_at as appropriate.
	UpdateExecutionStatus(
		ctx context.Context,
		executionID string,
		status ExecutionStatus,
		result json.RawMessage,
		errMsg *string,
	) error
	GetExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*WorkflowExecution, error)

	// Jobs.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// GetNextJob atomically claims the oldest eligible PENDING job for one
	// tenant and queue type, or returns nil when none is eligible.
	GetNextJob(ctx context.Context, jobType JobType, tenantID string) (*Job, error)
	// ClaimPendingJobs is the worker's tenant-unscoped batch claim: up to
	// limit eligible PENDING jobs of one type flip to PROCESSING in a
	// single atomic operation, oldest eligibility first.
	ClaimPendingJobs(ctx context.Context, jobType JobType, limit int, workerID string) ([]*Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int, result json.RawMessage) error
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID string, errMsg string) error
	GetJobsByTenant(ctx context.Context, tenantID string, status *JobStatus) ([]*Job, error)
	// ReclaimStalledJobs requeues PROCESSING jobs claimed longer ago than
	// the lease. Returns how many were requeued.
	ReclaimStalledJobs(ctx context.Context, lease time.Duration) (int64, error)

	// Event log.
	LogEvent(
		ctx context.Context,
		tenantID string,
		executionID *string,
		eventType string,
		payload any,
	) error
	GetEventsByExecution(ctx context.Context, executionID string) ([]*ExecutionEvent, error)

	// Monitoring.
	GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error)
}
