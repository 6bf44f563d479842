package flowpilot

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in maps behind one mutex. It backs the test
// suite and the in-memory example; claim operations are atomic under the
// lock, so the single-worker dequeue guarantees hold here too. Read methods
// return copies: callers never share a struct the store keeps mutating.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	executions  map[string]*WorkflowExecution
	jobs        map[string]*Job
	events      []*ExecutionEvent
	nextRowID   int64
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		executions:  make(map[string]*WorkflowExecution),
		jobs:        make(map[string]*Job),
		nextRowID:   1,
		nextEventID: 1,
	}
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.workflows[wf.ID]; ok {
		wf.CreatedAt = existing.CreatedAt
	} else {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	s.workflows[wf.ID] = cloneWorkflowRecord(wf)

	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	return cloneWorkflowRecord(wf), nil
}

func (s *MemoryStore) GetWorkflowsByTenant(ctx context.Context, tenantID string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var workflows []*Workflow
	for _, wf := range s.workflows {
		if wf.TenantID == tenantID {
			workflows = append(workflows, cloneWorkflowRecord(wf))
		}
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (s *MemoryStore) CreateExecution(
	ctx context.Context,
	workflowID, tenantID string,
	data json.RawMessage,
) (*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.executions[execution.ID] = execution

	return cloneExecutionRecord(execution), nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}

	return cloneExecutionRecord(execution), nil
}

func (s *MemoryStore) UpdateExecutionProgress(
	ctx context.Context,
	executionID string,
	currentStep int,
	data json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}

	now := time.Now()
	execution.Status = ExecutionStatusRunning
	if currentStep > execution.CurrentStep {
		execution.CurrentStep = currentStep
	}
	execution.Data = data
	execution.UpdatedAt = now
	if execution.StartedAt == nil {
		execution.StartedAt = &now
	}

	return nil
}

func (s *MemoryStore) UpdateExecutionStatus(
	ctx context.Context,
	executionID string,
	status ExecutionStatus,
	result json.RawMessage,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}

	now := time.Now()
	execution.Status = status
	if result != nil {
		execution.Result = result
	}
	if errMsg != nil {
		execution.Error = errMsg
	}
	execution.UpdatedAt = now

	if status.IsTerminal() {
		execution.CompletedAt = &now
	}
	if execution.StartedAt == nil && status == ExecutionStatusRunning {
		execution.StartedAt = &now
	}

	return nil
}

func (s *MemoryStore) GetExecutionsByWorkflow(
	ctx context.Context,
	workflowID string,
) ([]*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var executions []*WorkflowExecution
	for _, execution := range s.executions {
		if execution.WorkflowID == workflowID {
			executions = append(executions, cloneExecutionRecord(execution))
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	return executions, nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.ID = s.nextRowID
	s.nextRowID++
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}

	s.jobs[job.JobID] = cloneJobRecord(job)

	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	return cloneJobRecord(job), nil
}

func (s *MemoryStore) GetNextJob(ctx context.Context, jobType JobType, tenantID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.oldestEligible(jobType, &tenantID)
	if job == nil {
		return nil, nil
	}

	s.claim(job, "")

	return cloneJobRecord(job), nil
}

func (s *MemoryStore) ClaimPendingJobs(
	ctx context.Context,
	jobType JobType,
	limit int,
	workerID string,
) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*Job
	for len(claimed) < limit {
		job := s.oldestEligible(jobType, nil)
		if job == nil {
			break
		}

		s.claim(job, workerID)
		claimed = append(claimed, cloneJobRecord(job))
	}

	return claimed, nil
}

// oldestEligible must be called with the lock held.
func (s *MemoryStore) oldestEligible(jobType JobType, tenantID *string) *Job {
	now := time.Now()

	var oldest *Job
	for _, job := range s.jobs {
		if job.Type != jobType || job.Status != JobStatusPending || job.ScheduledAt.After(now) {
			continue
		}
		if tenantID != nil && job.TenantID != *tenantID {
			continue
		}
		if oldest == nil || job.ScheduledAt.Before(oldest.ScheduledAt) {
			oldest = job
		}
	}

	return oldest
}

// Stored records never leave the store: hand-offs in both directions are
// copies. Update methods reassign pointer fields wholesale and never write
// through them, so a shallow copy is enough.
func cloneWorkflowRecord(wf *Workflow) *Workflow {
	out := *wf
	out.Steps = append([]WorkflowStep(nil), wf.Steps...)

	return &out
}

func cloneExecutionRecord(execution *WorkflowExecution) *WorkflowExecution {
	out := *execution

	return &out
}

func cloneJobRecord(job *Job) *Job {
	out := *job

	return &out
}

// claim must be called with the lock held.
func (s *MemoryStore) claim(job *Job, workerID string) {
	now := time.Now()
	job.Status = JobStatusProcessing
	job.AttemptedAt = &now
	if workerID != "" {
		job.AttemptedBy = &workerID
	}
	job.UpdatedAt = now
}

func (s *MemoryStore) UpdateJobProgress(
	ctx context.Context,
	jobID string,
	progress int,
	result json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	job.Progress = progress
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	job.Status = JobStatusCompleted
	job.Progress = 100
	if result != nil {
		job.Result = result
	}
	job.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	job.Status = JobStatusFailed
	job.Error = &errMsg
	job.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) GetJobsByTenant(
	ctx context.Context,
	tenantID string,
	status *JobStatus,
) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*Job
	for _, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}

		jobs = append(jobs, cloneJobRecord(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

func (s *MemoryStore) ReclaimStalledJobs(ctx context.Context, lease time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-lease)

	var reclaimed int64
	for _, job := range s.jobs {
		if job.Status != JobStatusProcessing || job.AttemptedAt == nil || !job.AttemptedAt.Before(cutoff) {
			continue
		}

		job.Status = JobStatusPending
		job.AttemptedAt = nil
		job.AttemptedBy = nil
		job.UpdatedAt = time.Now()
		reclaimed++
	}

	return reclaimed, nil
}

func (s *MemoryStore) LogEvent(
	ctx context.Context,
	tenantID string,
	executionID *string,
	eventType string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := &ExecutionEvent{
		ID:          s.nextEventID,
		TenantID:    tenantID,
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payloadJSON,
		CreatedAt:   time.Now(),
	}
	s.nextEventID++

	s.events = append(s.events, event)

	return nil
}

func (s *MemoryStore) GetEventsByExecution(
	ctx context.Context,
	executionID string,
) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*ExecutionEvent
	for _, event := range s.events {
		if event.ExecutionID != nil && *event.ExecutionID == executionID {
			cp := *event
			events = append(events, &cp)
		}
	}

	return events, nil
}

func (s *MemoryStore) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &SummaryStats{}

	for _, execution := range s.executions {
		if execution.TenantID != tenantID {
			continue
		}

		stats.TotalExecutions++
		switch execution.Status {
		case ExecutionStatusRunning:
			stats.RunningExecutions++
		case ExecutionStatusCompleted:
			stats.CompletedExecutions++
		case ExecutionStatusFailed:
			stats.FailedExecutions++
		}
	}

	for _, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}

		switch job.Status {
		case JobStatusPending:
			stats.PendingJobs++
		case JobStatusProcessing:
			stats.ProcessingJobs++
		case JobStatusCompleted:
			stats.CompletedJobs++
		case JobStatusFailed:
			stats.FailedJobs++
		}
	}

	return stats, nil
}
