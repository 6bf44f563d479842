package flowpilot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestJobWorker_ProcessesEmailJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	jobID, err := queues.Email.AddJob(ctx, map[string]any{
		"to":      "user@example.com",
		"subject": "hi",
	}, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: NewEmailJobProcessor(),
	})
	require.NoError(t, worker.Tick(ctx))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	var result map[string]any
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, true, result["success"])
	assert.Equal(t, true, result["emailSent"])
	assert.Equal(t, "user@example.com", result["to"])
}

func TestJobWorker_SignalsClaimBeforeProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	jobID, err := queues.Email.AddJob(ctx, map[string]any{}, "tenant-1", nil)
	require.NoError(t, err)

	var progressDuringRun int
	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			stored, err := store.GetJob(ctx, job.JobID)
			if err != nil {
				return nil, err
			}
			progressDuringRun = stored.Progress

			return json.RawMessage(`{}`), nil
		},
	})
	require.NoError(t, worker.Tick(ctx))

	assert.Equal(t, claimedProgress, progressDuringRun, "progress moves off zero before the processor runs")

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
}

func TestJobWorker_FailedJobRecordsError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	jobID, err := queues.Email.AddJob(ctx, map[string]any{}, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("smtp unreachable")
		},
	})
	require.NoError(t, worker.Tick(ctx), "a job failure must not fail the poll pass")

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "smtp unreachable", *job.Error)
}

func TestJobWorker_BatchBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	for i := 0; i < 7; i++ {
		_, err := queues.Email.AddJob(ctx, map[string]any{"n": i}, "tenant-1", nil)
		require.NoError(t, err)
	}

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: NewEmailJobProcessor(),
	}, WithBatchSize(5))

	require.NoError(t, worker.Tick(ctx))
	completed := JobStatusCompleted
	jobs, err := store.GetJobsByTenant(ctx, "tenant-1", &completed)
	require.NoError(t, err)
	assert.Len(t, jobs, 5, "one pass completes at most batchSize jobs per queue")

	require.NoError(t, worker.Tick(ctx))
	jobs, err = store.GetJobsByTenant(ctx, "tenant-1", &completed)
	require.NoError(t, err)
	assert.Len(t, jobs, 7)
}

func TestJobWorker_WorkflowEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)
	executor := NewWorkflowExecutor(store, NewMemoryTxManager(), queues)

	workflow := saveTestWorkflow(t, store, "tenant-1", []WorkflowStep{
		{ID: "s0", Type: StepTypeEmail, Name: "welcome", Config: map[string]any{
			"to": "user@example.com", "subject": "Welcome",
		}},
		{ID: "s1", Type: StepTypeAction, Name: "index", Config: map[string]any{
			"action": "index",
		}},
	})

	execution, _, err := executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", mustJSON(t, map[string]any{"u": 1}))
	require.NoError(t, err)

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeWorkflowExecution: NewWorkflowJobProcessor(executor),
		JobTypeEmailSend:         NewEmailJobProcessor(),
		JobTypeDataProcessing:    NewDataProcessingJobProcessor(),
	})

	// first pass runs the workflow job and enqueues the side-effect jobs
	require.NoError(t, worker.Tick(ctx))

	stored, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status)

	// second pass drains the side-effect queues
	require.NoError(t, worker.Tick(ctx))

	pending := JobStatusPending
	jobs, err := store.GetJobsByTenant(ctx, "tenant-1", &pending)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobWorker_SideEffectFailureDoesNotAffectExecution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)
	executor := NewWorkflowExecutor(store, NewMemoryTxManager(), queues)

	workflow := saveTestWorkflow(t, store, "tenant-1", []WorkflowStep{
		{ID: "s0", Type: StepTypeEmail, Name: "welcome", Config: map[string]any{
			"to": "user@example.com", "subject": "Welcome",
		}},
	})

	execution, _, err := executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeWorkflowExecution: NewWorkflowJobProcessor(executor),
		JobTypeEmailSend: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("mailbox on fire")
		},
	})

	require.NoError(t, worker.Tick(ctx))
	require.NoError(t, worker.Tick(ctx))

	stored, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status,
		"a failed side-effect job never retroactively fails the execution")

	failed := JobStatusFailed
	jobs, err := store.GetJobsByTenant(ctx, "tenant-1", &failed)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobTypeEmailSend, jobs[0].Type)
}

func TestJobWorker_DelayContinuation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)
	executor := NewWorkflowExecutor(store, NewMemoryTxManager(), queues)

	workflow := saveTestWorkflow(t, store, "tenant-1", []WorkflowStep{
		{ID: "s0", Type: StepTypeDelay, Name: "pause", Config: map[string]any{"duration": 50}},
		{ID: "s1", Type: StepTypeAction, Name: "after", Config: map[string]any{"action": "done"}},
	})

	execution, _, err := executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, DefaultProcessors(executor, nil))

	require.NoError(t, worker.Tick(ctx))

	stored, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, stored.Status, "execution parks behind the delay")

	// continuation is not yet eligible
	require.NoError(t, worker.Tick(ctx))
	stored, err = store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, stored.Status)

	time.Sleep(70 * time.Millisecond)

	require.NoError(t, worker.Tick(ctx))
	stored, err = store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status)
}

func TestJobWorker_ConcurrentWorkersNoDoubleDispatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	const jobCount = 40
	for i := 0; i < jobCount; i++ {
		_, err := queues.Email.AddJob(ctx, map[string]any{"n": i}, "tenant-1", nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	processed := make(map[string]int)

	processors := map[JobType]JobProcessor{
		JobTypeEmailSend: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			mu.Lock()
			processed[job.JobID]++
			mu.Unlock()

			return json.RawMessage(`{}`), nil
		},
	}

	var eg errgroup.Group
	for w := 0; w < 4; w++ {
		worker := NewJobWorker(store, processors, WithBatchSize(10))
		eg.Go(func() error {
			for i := 0; i < 5; i++ {
				if err := worker.Tick(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Len(t, processed, jobCount, "every job was processed")
	for jobID, count := range processed {
		assert.Equal(t, 1, count, "job %s dispatched more than once", jobID)
	}
}

func TestJobWorker_ReclaimsStalledJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	jobID, err := queues.Email.AddJob(ctx, map[string]any{}, "tenant-1", nil)
	require.NoError(t, err)

	// simulate a worker that claimed the job and died
	claimed, err := store.ClaimPendingJobs(ctx, JobTypeEmailSend, 1, "dead-worker")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	backdateClaim(t, store, jobID, time.Now().Add(-time.Hour))

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: NewEmailJobProcessor(),
	}, WithJobLease(time.Minute))

	require.NoError(t, worker.Tick(ctx))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status, "the reclaimed job was re-dispatched and finished")
}

// jobEventTypes collects the logged event types mentioning the given job, in
// log order.
func jobEventTypes(t *testing.T, store *MemoryStore, jobID string) []string {
	t.Helper()

	store.mu.RLock()
	defer store.mu.RUnlock()

	var types []string
	for _, event := range store.events {
		var data struct {
			JobID string `json:"jobId"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &data))
		if data.JobID == jobID {
			types = append(types, event.EventType)
		}
	}

	return types
}

func TestJobWorker_LogsJobLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)

	goodID, err := queues.Email.AddJob(ctx, map[string]any{"n": 1}, "tenant-1", nil)
	require.NoError(t, err)
	badID, err := queues.Webhook.AddJob(ctx, map[string]any{"n": 2}, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, map[JobType]JobProcessor{
		JobTypeEmailSend: NewEmailJobProcessor(),
		JobTypeWebhookTrigger: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, errors.New("endpoint down")
		},
	})
	require.NoError(t, worker.Tick(ctx))

	assert.Equal(t, []string{EventJobEnqueued, EventJobCompleted}, jobEventTypes(t, store, goodID))
	assert.Equal(t, []string{EventJobEnqueued, EventJobFailed}, jobEventTypes(t, store, badID))
}

func TestJobWorker_ConcurrentStatusPolling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queues := NewQueueSet(store)
	executor := NewWorkflowExecutor(store, NewMemoryTxManager(), queues)

	workflow := saveTestWorkflow(t, store, "tenant-1", []WorkflowStep{
		{ID: "s0", Type: StepTypeEmail, Name: "welcome", Config: map[string]any{
			"to": "user@example.com", "subject": "Welcome",
		}},
		{ID: "s1", Type: StepTypeAction, Name: "index", Config: map[string]any{
			"action": "index",
		}},
	})

	execution, _, err := executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	worker := NewJobWorker(store, DefaultProcessors(executor, nil))

	// one goroutine advances the execution while another polls its status;
	// the poller must get snapshots, never a struct the store still mutates
	var eg errgroup.Group
	eg.Go(func() error {
		for i := 0; i < 20; i++ {
			if err := worker.Tick(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			stored, err := executor.GetExecutionStatus(ctx, execution.ID)
			if err != nil {
				return err
			}
			if stored.Status.IsTerminal() {
				return nil
			}
		}
		return errors.New("execution never reached a terminal status")
	})
	require.NoError(t, eg.Wait())

	stored, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status)
}

func TestJobWorker_StartStop(t *testing.T) {
	store := NewMemoryStore()
	worker := NewJobWorker(store, map[JobType]JobProcessor{}, WithPollInterval(10*time.Millisecond))

	done := make(chan struct{})
	go func() {
		worker.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	worker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
