package flowpilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db Tx
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (store *PostgresStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO flowpilot.workflows (id, tenant_id, name, description, steps, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, description = EXCLUDED.description,
	steps = EXCLUDED.steps, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
RETURNING created_at, updated_at`

	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	return executor.QueryRow(ctx, query,
		wf.ID, wf.TenantID, wf.Name, wf.Description, stepsJSON, wf.IsActive, time.Now(),
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
}

func (store *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, name, description, steps, is_active, created_at, updated_at
FROM flowpilot.workflows
WHERE id = $1`

	wf := &Workflow{}
	var stepsJSON []byte

	err := executor.QueryRow(ctx, query, id).Scan(
		&wf.ID, &wf.TenantID, &wf.Name, &wf.Description,
		&stepsJSON, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}

	return wf, nil
}

func (store *PostgresStore) GetWorkflowsByTenant(ctx context.Context, tenantID string) ([]*Workflow, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, name, description, steps, is_active, created_at, updated_at
FROM flowpilot.workflows
WHERE tenant_id = $1
ORDER BY created_at DESC`

	rows, err := executor.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var stepsJSON []byte
		if err := rows.Scan(
			&wf.ID, &wf.TenantID, &wf.Name, &wf.Description,
			&stepsJSON, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}

		workflows = append(workflows, wf)
	}

	return workflows, rows.Err()
}

func (store *PostgresStore) CreateExecution(
	ctx context.Context,
	workflowID, tenantID string,
	data json.RawMessage,
) (*WorkflowExecution, error) {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO flowpilot.workflow_executions
	(id, workflow_id, tenant_id, status, current_step, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
RETURNING id, workflow_id, tenant_id, status, current_step, data, created_at, updated_at`

	execution := &WorkflowExecution{}
	err := executor.QueryRow(ctx, query,
		newExecutionID(), workflowID, tenantID, ExecutionStatusPending, data, time.Now(),
	).Scan(
		&execution.ID, &execution.WorkflowID, &execution.TenantID, &execution.Status,
		&execution.CurrentStep, &execution.Data, &execution.CreatedAt, &execution.UpdatedAt,
	)

	return execution, err
}

func (store *PostgresStore) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, workflow_id, tenant_id, status, current_step, data, result, error,
	started_at, completed_at, created_at, updated_at
FROM flowpilot.workflow_executions
WHERE id = $1`

	execution := &WorkflowExecution{}
	err := executor.QueryRow(ctx, query, executionID).Scan(
		&execution.ID, &execution.WorkflowID, &execution.TenantID, &execution.Status,
		&execution.CurrentStep, &execution.Data, &execution.Result, &execution.Error,
		&execution.StartedAt, &execution.CompletedAt, &execution.CreatedAt, &execution.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func (store *PostgresStore) UpdateExecutionProgress(
	ctx context.Context,
	executionID string,
	currentStep int,
	data json.RawMessage,
) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.workflow_executions
SET status = $2, current_step = GREATEST(current_step, $3), data = $4, updated_at = $5,
	started_at = COALESCE(started_at, $5)
WHERE id = $1`

	_, err := executor.Exec(ctx, query, executionID, ExecutionStatusRunning, currentStep, data, time.Now())

	return err
}

func (store *PostgresStore) UpdateExecutionStatus(
	ctx context.Context,
	executionID string,
	status ExecutionStatus,
	result json.RawMessage,
	errMsg *string,
) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.workflow_executions
SET status = $2, result = COALESCE($3, result), error = COALESCE($4, error), updated_at = $5,
	completed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN $5 ELSE completed_at END,
	started_at = CASE WHEN started_at IS NULL AND $2 = 'RUNNING' THEN $5 ELSE started_at END
WHERE id = $1`

	_, err := executor.Exec(ctx, query, executionID, status, result, errMsg, time.Now())

	return err
}

func (store *PostgresStore) GetExecutionsByWorkflow(
	ctx context.Context,
	workflowID string,
) ([]*WorkflowExecution, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, workflow_id, tenant_id, status, current_step, data, result, error,
	started_at, completed_at, created_at, updated_at
FROM flowpilot.workflow_executions
WHERE workflow_id = $1
ORDER BY created_at DESC`

	rows, err := executor.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*WorkflowExecution
	for rows.Next() {
		execution := &WorkflowExecution{}
		if err := rows.Scan(
			&execution.ID, &execution.WorkflowID, &execution.TenantID, &execution.Status,
			&execution.CurrentStep, &execution.Data, &execution.Result, &execution.Error,
			&execution.StartedAt, &execution.CompletedAt, &execution.CreatedAt, &execution.UpdatedAt,
		); err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func (store *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO flowpilot.job_queue
	(job_id, type, data, status, progress, tenant_id, scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
RETURNING id, created_at, updated_at`

	return executor.QueryRow(ctx, query,
		job.JobID, job.Type, job.Data, job.Status, job.Progress,
		job.TenantID, job.ScheduledAt, time.Now(),
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
}

func (store *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, job_id, type, data, status, progress, result, error, tenant_id,
	scheduled_at, attempted_at, attempted_by, created_at, updated_at
FROM flowpilot.job_queue
WHERE job_id = $1`

	job := &Job{}
	err := executor.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.JobID, &job.Type, &job.Data, &job.Status, &job.Progress,
		&job.Result, &job.Error, &job.TenantID,
		&job.ScheduledAt, &job.AttemptedAt, &job.AttemptedBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (store *PostgresStore) GetNextJob(ctx context.Context, jobType JobType, tenantID string) (*Job, error) {
	executor := store.getExecutor(ctx)

	const query = `
WITH next_job AS (
	SELECT id
	FROM flowpilot.job_queue
	WHERE type = $1 AND tenant_id = $2 AND status = $3 AND scheduled_at <= $4
	ORDER BY scheduled_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE flowpilot.job_queue
SET status = $5, attempted_at = $4, updated_at = $4
FROM next_job
WHERE flowpilot.job_queue.id = next_job.id
RETURNING flowpilot.job_queue.id, job_id, type, data, status, progress, result, error,
	tenant_id, scheduled_at, attempted_at, attempted_by, created_at, updated_at`

	job := &Job{}
	err := executor.QueryRow(ctx, query,
		jobType, tenantID, JobStatusPending, time.Now(), JobStatusProcessing,
	).Scan(
		&job.ID, &job.JobID, &job.Type, &job.Data, &job.Status, &job.Progress,
		&job.Result, &job.Error, &job.TenantID,
		&job.ScheduledAt, &job.AttemptedAt, &job.AttemptedBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (store *PostgresStore) ClaimPendingJobs(
	ctx context.Context,
	jobType JobType,
	limit int,
	workerID string,
) ([]*Job, error) {
	executor := store.getExecutor(ctx)

	const query = `
WITH batch AS (
	SELECT id
	FROM flowpilot.job_queue
	WHERE type = $1 AND status = $2 AND scheduled_at <= $3
	ORDER BY scheduled_at ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
UPDATE flowpilot.job_queue
SET status = $5, attempted_at = $3, attempted_by = $6, updated_at = $3
FROM batch
WHERE flowpilot.job_queue.id = batch.id
RETURNING flowpilot.job_queue.id, job_id, type, data, status, progress, result, error,
	tenant_id, scheduled_at, attempted_at, attempted_by, created_at, updated_at`

	rows, err := executor.Query(ctx, query,
		jobType, JobStatusPending, time.Now(), limit, JobStatusProcessing, workerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(
			&job.ID, &job.JobID, &job.Type, &job.Data, &job.Status, &job.Progress,
			&job.Result, &job.Error, &job.TenantID,
			&job.ScheduledAt, &job.AttemptedAt, &job.AttemptedBy, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The batch comes back in arbitrary row order; restore eligibility order.
	sortJobsByScheduledAt(jobs)

	return jobs, nil
}

func (store *PostgresStore) UpdateJobProgress(
	ctx context.Context,
	jobID string,
	progress int,
	result json.RawMessage,
) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.job_queue
SET progress = $2, result = COALESCE($3, result), updated_at = $4
WHERE job_id = $1`

	_, err := executor.Exec(ctx, query, jobID, progress, result, time.Now())

	return err
}

func (store *PostgresStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.job_queue
SET status = $2, progress = 100, result = COALESCE($3, result), updated_at = $4
WHERE job_id = $1`

	_, err := executor.Exec(ctx, query, jobID, JobStatusCompleted, result, time.Now())

	return err
}

func (store *PostgresStore) FailJob(ctx context.Context, jobID string, errMsg string) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.job_queue
SET status = $2, error = $3, updated_at = $4
WHERE job_id = $1`

	_, err := executor.Exec(ctx, query, jobID, JobStatusFailed, errMsg, time.Now())

	return err
}

func (store *PostgresStore) GetJobsByTenant(
	ctx context.Context,
	tenantID string,
	status *JobStatus,
) ([]*Job, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, job_id, type, data, status, progress, result, error, tenant_id,
	scheduled_at, attempted_at, attempted_by, created_at, updated_at
FROM flowpilot.job_queue
WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC`

	rows, err := executor.Query(ctx, query, tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(
			&job.ID, &job.JobID, &job.Type, &job.Data, &job.Status, &job.Progress,
			&job.Result, &job.Error, &job.TenantID,
			&job.ScheduledAt, &job.AttemptedAt, &job.AttemptedBy, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (store *PostgresStore) ReclaimStalledJobs(ctx context.Context, lease time.Duration) (int64, error) {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE flowpilot.job_queue
SET status = $1, attempted_at = NULL, attempted_by = NULL, updated_at = $3
WHERE status = $2 AND attempted_at < $4`

	now := time.Now()
	tag, err := executor.Exec(ctx, query, JobStatusPending, JobStatusProcessing, now, now.Add(-lease))
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (store *PostgresStore) LogEvent(
	ctx context.Context,
	tenantID string,
	executionID *string,
	eventType string,
	payload any,
) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO flowpilot.execution_events (tenant_id, execution_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = executor.Exec(ctx, query, tenantID, executionID, eventType, payloadJSON, time.Now())

	return err
}

func (store *PostgresStore) GetEventsByExecution(
	ctx context.Context,
	executionID string,
) ([]*ExecutionEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, execution_id, event_type, payload, created_at
FROM flowpilot.execution_events
WHERE execution_id = $1
ORDER BY created_at`

	rows, err := executor.Query(ctx, query, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		event := &ExecutionEvent{}
		if err := rows.Scan(
			&event.ID, &event.TenantID, &event.ExecutionID,
			&event.EventType, &event.Payload, &event.CreatedAt,
		); err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (store *PostgresStore) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	executor := store.getExecutor(ctx)

	const executionsQuery = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'RUNNING'),
	COUNT(*) FILTER (WHERE status = 'COMPLETED'),
	COUNT(*) FILTER (WHERE status = 'FAILED')
FROM flowpilot.workflow_executions
WHERE tenant_id = $1`

	const jobsQuery = `
SELECT
	COUNT(*) FILTER (WHERE status = 'PENDING'),
	COUNT(*) FILTER (WHERE status = 'PROCESSING'),
	COUNT(*) FILTER (WHERE status = 'COMPLETED'),
	COUNT(*) FILTER (WHERE status = 'FAILED')
FROM flowpilot.job_queue
WHERE tenant_id = $1`

	stats := &SummaryStats{}

	if err := executor.QueryRow(ctx, executionsQuery, tenantID).Scan(
		&stats.TotalExecutions, &stats.RunningExecutions,
		&stats.CompletedExecutions, &stats.FailedExecutions,
	); err != nil {
		return nil, err
	}

	if err := executor.QueryRow(ctx, jobsQuery, tenantID).Scan(
		&stats.PendingJobs, &stats.ProcessingJobs,
		&stats.CompletedJobs, &stats.FailedJobs,
	); err != nil {
		return nil, err
	}

	return stats, nil
}

func (store *PostgresStore) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}
