package flowpilot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides a lightweight Store backed by SQLite. It is meant for
// tests and single-process deployments; SQLite has no SKIP LOCKED, so claim
// operations are serialized through a mutex instead.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteInMemoryStore creates an in-memory SQLite database and initializes
// the schema.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA foreign_keys=ON;")
	_, _ = db.Exec("PRAGMA busy_timeout=5000;")
	// single connection keeps :memory: consistent and avoids locks
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLiteStore opens a file-backed SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA foreign_keys=ON;")
	_, _ = db.Exec("PRAGMA busy_timeout=5000;")

	store := &SQLiteStore{db: db}
	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	now := time.Now()
	q := `INSERT INTO workflows (id, tenant_id, name, description, steps, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			steps=excluded.steps,
			is_active=excluded.is_active,
			updated_at=excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q,
		wf.ID, wf.TenantID, wf.Name, wf.Description, stepsJSON, boolToInt(wf.IsActive), now, now,
	); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	q := `SELECT id, tenant_id, name, description, steps, is_active, created_at, updated_at
		FROM workflows WHERE id=?`
	row := s.db.QueryRowContext(ctx, q, id)

	var wf Workflow
	var stepsJSON []byte
	var isActive int
	if err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.Name, &wf.Description,
		&stepsJSON, &isActive, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	wf.IsActive = isActive != 0

	return &wf, nil
}

func (s *SQLiteStore) GetWorkflowsByTenant(ctx context.Context, tenantID string) ([]*Workflow, error) {
	q := `SELECT id, tenant_id, name, description, steps, is_active, created_at, updated_at
		FROM workflows WHERE tenant_id=? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var wf Workflow
		var stepsJSON []byte
		var isActive int
		if err := rows.Scan(
			&wf.ID, &wf.TenantID, &wf.Name, &wf.Description,
			&stepsJSON, &isActive, &wf.CreatedAt, &wf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		wf.IsActive = isActive != 0
		workflows = append(workflows, &wf)
	}

	return workflows, rows.Err()
}

func (s *SQLiteStore) CreateExecution(
	ctx context.Context,
	workflowID, tenantID string,
	data json.RawMessage,
) (*WorkflowExecution, error) {
	now := time.Now()
	execution := &WorkflowExecution{
		ID:         newExecutionID(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     ExecutionStatusPending,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q := `INSERT INTO workflow_executions (id, workflow_id, tenant_id, status, current_step, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		execution.ID, workflowID, tenantID, string(ExecutionStatusPending), nullableJSON(data), now, now,
	); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	return execution, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	q := `SELECT id, workflow_id, tenant_id, status, current_step, data, result, error,
			started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE id=?`
	row := s.db.QueryRowContext(ctx, q, executionID)

	execution, err := scanSQLiteExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}

	return execution, nil
}

func (s *SQLiteStore) UpdateExecutionProgress(
	ctx context.Context,
	executionID string,
	currentStep int,
	data json.RawMessage,
) error {
	now := time.Now()
	q := `UPDATE workflow_executions
		SET status=?, current_step=MAX(current_step, ?), data=?, updated_at=?,
			started_at=COALESCE(started_at, ?)
		WHERE id=?`
	res, err := s.db.ExecContext(ctx, q,
		string(ExecutionStatusRunning), currentStep, nullableJSON(data), now, now, executionID,
	)
	if err != nil {
		return fmt.Errorf("update execution progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionNotFound
	}

	return nil
}

func (s *SQLiteStore) UpdateExecutionStatus(
	ctx context.Context,
	executionID string,
	status ExecutionStatus,
	result json.RawMessage,
	errMsg *string,
) error {
	now := time.Now()
	var completedAt any
	if status.IsTerminal() {
		completedAt = now
	}

	q := `UPDATE workflow_executions
		SET status=?, result=COALESCE(?, result), error=COALESCE(?, error),
			completed_at=COALESCE(?, completed_at), updated_at=?
		WHERE id=?`
	res, err := s.db.ExecContext(ctx, q,
		string(status), nullableJSON(result), errMsg, completedAt, now, executionID,
	)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionNotFound
	}

	return nil
}

func (s *SQLiteStore) GetExecutionsByWorkflow(
	ctx context.Context,
	workflowID string,
) ([]*WorkflowExecution, error) {
	q := `SELECT id, workflow_id, tenant_id, status, current_step, data, result, error,
			started_at, completed_at, created_at, updated_at
		FROM workflow_executions WHERE workflow_id=? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*WorkflowExecution
	for rows.Next() {
		execution, err := scanSQLiteExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	q := `INSERT INTO job_queue (job_id, type, data, status, progress, tenant_id, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		job.JobID, string(job.Type), nullableJSON(job.Data), string(job.Status),
		job.Progress, job.TenantID, job.ScheduledAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job insert id: %w", err)
	}
	job.ID = id

	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	q := sqliteJobColumns + ` WHERE job_id=?`
	row := s.db.QueryRowContext(ctx, q, jobID)

	job, err := scanSQLiteJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

func (s *SQLiteStore) GetNextJob(ctx context.Context, jobType JobType, tenantID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := sqliteJobColumns + `
		WHERE type=? AND tenant_id=? AND status=? AND scheduled_at<=?
		ORDER BY scheduled_at ASC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, string(jobType), tenantID, string(JobStatusPending), time.Now())

	job, err := scanSQLiteJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next job: %w", err)
	}

	if err := s.claimLocked(ctx, job, ""); err != nil {
		return nil, err
	}

	return job, nil
}

func (s *SQLiteStore) ClaimPendingJobs(
	ctx context.Context,
	jobType JobType,
	limit int,
	workerID string,
) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := sqliteJobColumns + `
		WHERE type=? AND status=? AND scheduled_at<=?
		ORDER BY scheduled_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, string(jobType), string(JobStatusPending), time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	var jobs []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range jobs {
		if err := s.claimLocked(ctx, job, workerID); err != nil {
			return nil, err
		}
	}

	return jobs, nil
}

// claimLocked must be called with the mutex held.
func (s *SQLiteStore) claimLocked(ctx context.Context, job *Job, workerID string) error {
	now := time.Now()
	var by any
	if workerID != "" {
		by = workerID
	}

	q := `UPDATE job_queue SET status=?, attempted_at=?, attempted_by=?, updated_at=? WHERE job_id=?`
	if _, err := s.db.ExecContext(ctx, q,
		string(JobStatusProcessing), now, by, now, job.JobID,
	); err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	job.Status = JobStatusProcessing
	job.AttemptedAt = &now
	if workerID != "" {
		job.AttemptedBy = &workerID
	}
	job.UpdatedAt = now

	return nil
}

func (s *SQLiteStore) UpdateJobProgress(
	ctx context.Context,
	jobID string,
	progress int,
	result json.RawMessage,
) error {
	q := `UPDATE job_queue SET progress=?, result=COALESCE(?, result), updated_at=? WHERE job_id=?`
	res, err := s.db.ExecContext(ctx, q, progress, nullableJSON(result), time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	q := `UPDATE job_queue SET status=?, progress=100, result=COALESCE(?, result), updated_at=? WHERE job_id=?`
	res, err := s.db.ExecContext(ctx, q, string(JobStatusCompleted), nullableJSON(result), time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, errMsg string) error {
	q := `UPDATE job_queue SET status=?, error=?, updated_at=? WHERE job_id=?`
	res, err := s.db.ExecContext(ctx, q, string(JobStatusFailed), errMsg, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (s *SQLiteStore) GetJobsByTenant(
	ctx context.Context,
	tenantID string,
	status *JobStatus,
) ([]*Job, error) {
	q := sqliteJobColumns + `
		WHERE tenant_id=? AND (? IS NULL OR status=?)
		ORDER BY created_at DESC`

	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}

	rows, err := s.db.QueryContext(ctx, q, tenantID, statusArg, statusArg)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (s *SQLiteStore) ReclaimStalledJobs(ctx context.Context, lease time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-lease)
	q := `UPDATE job_queue
		SET status=?, attempted_at=NULL, attempted_by=NULL, updated_at=?
		WHERE status=? AND attempted_at IS NOT NULL AND attempted_at<?`
	res, err := s.db.ExecContext(ctx, q,
		string(JobStatusPending), time.Now(), string(JobStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim jobs: %w", err)
	}

	return res.RowsAffected()
}

func (s *SQLiteStore) LogEvent(
	ctx context.Context,
	tenantID string,
	executionID *string,
	eventType string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	q := `INSERT INTO execution_events (tenant_id, execution_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, tenantID, executionID, eventType, payloadJSON, time.Now()); err != nil {
		return fmt.Errorf("log event: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetEventsByExecution(
	ctx context.Context,
	executionID string,
) ([]*ExecutionEvent, error) {
	q := `SELECT id, tenant_id, execution_id, event_type, payload, created_at
		FROM execution_events WHERE execution_id=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		var ev ExecutionEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ExecutionID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		events = append(events, &ev)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	stats := &SummaryStats{}

	q := `SELECT COUNT(*),
			COUNT(CASE WHEN status='RUNNING' THEN 1 END),
			COUNT(CASE WHEN status='COMPLETED' THEN 1 END),
			COUNT(CASE WHEN status='FAILED' THEN 1 END)
		FROM workflow_executions WHERE tenant_id=?`
	if err := s.db.QueryRowContext(ctx, q, tenantID).Scan(
		&stats.TotalExecutions, &stats.RunningExecutions,
		&stats.CompletedExecutions, &stats.FailedExecutions,
	); err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}

	q = `SELECT COUNT(CASE WHEN status='PENDING' THEN 1 END),
			COUNT(CASE WHEN status='PROCESSING' THEN 1 END),
			COUNT(CASE WHEN status='COMPLETED' THEN 1 END),
			COUNT(CASE WHEN status='FAILED' THEN 1 END)
		FROM job_queue WHERE tenant_id=?`
	if err := s.db.QueryRowContext(ctx, q, tenantID).Scan(
		&stats.PendingJobs, &stats.ProcessingJobs,
		&stats.CompletedJobs, &stats.FailedJobs,
	); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	return stats, nil
}

const sqliteJobColumns = `SELECT id, job_id, type, data, status, progress, result, error,
		tenant_id, scheduled_at, attempted_at, attempted_by, created_at, updated_at
	FROM job_queue`

func scanSQLiteJob(scan func(dest ...any) error) (*Job, error) {
	var job Job
	var jobType, status string
	var data, result []byte
	if err := scan(
		&job.ID, &job.JobID, &jobType, &data, &status, &job.Progress, &result, &job.Error,
		&job.TenantID, &job.ScheduledAt, &job.AttemptedAt, &job.AttemptedBy,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.Data = data
	job.Result = result

	return &job, nil
}

func scanSQLiteExecution(scan func(dest ...any) error) (*WorkflowExecution, error) {
	var execution WorkflowExecution
	var status string
	var data, result []byte
	if err := scan(
		&execution.ID, &execution.WorkflowID, &execution.TenantID, &status,
		&execution.CurrentStep, &data, &result, &execution.Error,
		&execution.StartedAt, &execution.CompletedAt, &execution.CreatedAt, &execution.UpdatedAt,
	); err != nil {
		return nil, err
	}

	execution.Status = ExecutionStatus(status)
	execution.Data = data
	execution.Result = result

	return &execution, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
