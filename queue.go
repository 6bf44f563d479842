package flowpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// JobOptions tune a single enqueue. Delay pushes the job's eligibility into
// the future; the worker will not pick it up before then.
type JobOptions struct {
	Delay time.Duration
}

// JobQueue is a typed view over the shared job table. Every queue instance
// enqueues and dequeues jobs of exactly one type.
type JobQueue struct {
	store   Store
	jobType JobType
}

func NewJobQueue(store Store, jobType JobType) *JobQueue {
	return &JobQueue{store: store, jobType: jobType}
}

func (q *JobQueue) Type() JobType {
	return q.jobType
}

// AddJob enqueues a job and returns its identifier. The payload is marshaled
// to JSON; the job starts PENDING with zero progress.
func (q *JobQueue) AddJob(ctx context.Context, data any, tenantID string, opts *JobOptions) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	scheduledAt := time.Now()
	if opts != nil && opts.Delay > 0 {
		scheduledAt = scheduledAt.Add(opts.Delay)
	}

	job := &Job{
		JobID:       newJobID(),
		Type:        q.jobType,
		Data:        payload,
		Status:      JobStatusPending,
		Progress:    0,
		TenantID:    tenantID,
		ScheduledAt: scheduledAt,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	// event logging is best effort, an enqueue never fails on it
	if err := q.store.LogEvent(ctx, tenantID, nil, EventJobEnqueued, map[string]any{
		"jobId": job.JobID,
		"type":  string(q.jobType),
	}); err != nil {
		log.Printf("[queue] log enqueue event for %s: %v", job.JobID, err)
	}

	return job.JobID, nil
}

// GetNextJob claims the oldest eligible pending job for the tenant, or
// returns nil when none is due.
func (q *JobQueue) GetNextJob(ctx context.Context, tenantID string) (*Job, error) {
	return q.store.GetNextJob(ctx, q.jobType, tenantID)
}

func (q *JobQueue) UpdateJobProgress(ctx context.Context, jobID string, progress int, result json.RawMessage) error {
	return q.store.UpdateJobProgress(ctx, jobID, progress, result)
}

func (q *JobQueue) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	return q.store.CompleteJob(ctx, jobID, result)
}

func (q *JobQueue) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return q.store.FailJob(ctx, jobID, errMsg)
}

func (q *JobQueue) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	return q.store.GetJob(ctx, jobID)
}

func (q *JobQueue) GetJobsByTenant(ctx context.Context, tenantID string, status *JobStatus) ([]*Job, error) {
	return q.store.GetJobsByTenant(ctx, tenantID, status)
}

// QueueSet bundles the four typed queues over a single store.
type QueueSet struct {
	Workflow       *JobQueue
	Email          *JobQueue
	Webhook        *JobQueue
	DataProcessing *JobQueue
}

func NewQueueSet(store Store) *QueueSet {
	return &QueueSet{
		Workflow:       NewJobQueue(store, JobTypeWorkflowExecution),
		Email:          NewJobQueue(store, JobTypeEmailSend),
		Webhook:        NewJobQueue(store, JobTypeWebhookTrigger),
		DataProcessing: NewJobQueue(store, JobTypeDataProcessing),
	}
}

// ByType returns the queue for the given job type, or nil for an unknown one.
func (qs *QueueSet) ByType(jobType JobType) *JobQueue {
	switch jobType {
	case JobTypeWorkflowExecution:
		return qs.Workflow
	case JobTypeEmailSend:
		return qs.Email
	case JobTypeWebhookTrigger:
		return qs.Webhook
	case JobTypeDataProcessing:
		return qs.DataProcessing
	default:
		return nil
	}
}
