package flowpilot

import (
	"context"
	"time"
)

// Monitor answers operational questions about a tenant's workflows straight
// from the Postgres store.
type Monitor struct {
	store *PostgresStore
}

func NewMonitor(store *PostgresStore) *Monitor {
	return &Monitor{store: store}
}

type WorkflowStats struct {
	WorkflowID          string        `json:"workflow_id"`
	WorkflowName        string        `json:"workflow_name"`
	TotalExecutions     int           `json:"total_executions"`
	CompletedExecutions int           `json:"completed_executions"`
	FailedExecutions    int           `json:"failed_executions"`
	RunningExecutions   int           `json:"running_executions"`
	AverageDuration     time.Duration `json:"average_duration"`
}

func (m *Monitor) GetWorkflowStats(ctx context.Context, tenantID string) ([]WorkflowStats, error) {
	const query = `
SELECT
	w.id,
	w.name,
	COUNT(e.id),
	COUNT(e.id) FILTER (WHERE e.status = 'COMPLETED'),
	COUNT(e.id) FILTER (WHERE e.status = 'FAILED'),
	COUNT(e.id) FILTER (WHERE e.status = 'RUNNING'),
	AVG(EXTRACT(EPOCH FROM (e.completed_at - e.started_at)))
		FILTER (WHERE e.completed_at IS NOT NULL AND e.started_at IS NOT NULL)
FROM flowpilot.workflows w
LEFT JOIN flowpilot.workflow_executions e ON e.workflow_id = w.id
WHERE w.tenant_id = $1
GROUP BY w.id, w.name
ORDER BY w.name`

	rows, err := m.store.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []WorkflowStats
	for rows.Next() {
		var s WorkflowStats
		var avgSeconds *float64

		if err := rows.Scan(
			&s.WorkflowID,
			&s.WorkflowName,
			&s.TotalExecutions,
			&s.CompletedExecutions,
			&s.FailedExecutions,
			&s.RunningExecutions,
			&avgSeconds,
		); err != nil {
			return nil, err
		}

		if avgSeconds != nil {
			s.AverageDuration = time.Duration(*avgSeconds * float64(time.Second))
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

type ActiveExecution struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	CurrentStep  int             `json:"current_step"`
	CreatedAt    time.Time       `json:"created_at"`
	Duration     time.Duration   `json:"duration"`
}

func (m *Monitor) GetActiveExecutions(ctx context.Context, tenantID string) ([]ActiveExecution, error) {
	const query = `
SELECT
	e.id,
	e.workflow_id,
	w.name,
	e.status,
	e.current_step,
	e.created_at,
	EXTRACT(EPOCH FROM (now() - e.created_at))
FROM flowpilot.workflow_executions e
JOIN flowpilot.workflows w ON w.id = e.workflow_id
WHERE e.tenant_id = $1 AND e.status IN ('PENDING', 'RUNNING')
ORDER BY e.created_at`

	rows, err := m.store.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []ActiveExecution
	for rows.Next() {
		var e ActiveExecution
		var durationSeconds float64

		if err := rows.Scan(
			&e.ExecutionID,
			&e.WorkflowID,
			&e.WorkflowName,
			&e.Status,
			&e.CurrentStep,
			&e.CreatedAt,
			&durationSeconds,
		); err != nil {
			return nil, err
		}

		e.Duration = time.Duration(durationSeconds * float64(time.Second))
		executions = append(executions, e)
	}

	return executions, rows.Err()
}

// GetQueueDepth returns the number of undispatched jobs per queue type.
func (m *Monitor) GetQueueDepth(ctx context.Context) (map[JobType]int, error) {
	const query = `
SELECT type, COUNT(*)
FROM flowpilot.job_queue
WHERE status = 'PENDING'
GROUP BY type`

	rows, err := m.store.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depth := make(map[JobType]int, len(QueueTypes))
	for _, jobType := range QueueTypes {
		depth[jobType] = 0
	}

	for rows.Next() {
		var jobType string
		var count int
		if err := rows.Scan(&jobType, &count); err != nil {
			return nil, err
		}
		depth[JobType(jobType)] = count
	}

	return depth, rows.Err()
}

// CleanupService removes finished records past their retention window.
type CleanupService struct {
	store *PostgresStore
}

func NewCleanupService(store *PostgresStore) *CleanupService {
	return &CleanupService{store: store}
}

// CleanupOldExecutions deletes terminal executions older than the retention
// window, together with their event log rows.
func (c *CleanupService) CleanupOldExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	const eventsQuery = `
DELETE FROM flowpilot.execution_events
WHERE execution_id IN (
	SELECT id FROM flowpilot.workflow_executions
	WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND completed_at < $1
)`
	if _, err := c.store.db.Exec(ctx, eventsQuery, cutoff); err != nil {
		return 0, err
	}

	const query = `
DELETE FROM flowpilot.workflow_executions
WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND completed_at < $1`
	result, err := c.store.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// CleanupOldJobs deletes completed and failed jobs older than the retention
// window.
func (c *CleanupService) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	const query = `
DELETE FROM flowpilot.job_queue
WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1`
	result, err := c.store.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
