package flowpilot

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 5
	claimedProgress     = 10
)

// JobWorker polls the queues and runs claimed jobs to completion. One worker
// drains every queue type; run several workers against the same store to
// scale out, the claim query hands each job to exactly one of them.
type JobWorker struct {
	store      Store
	processors map[JobType]JobProcessor
	workerID   string
	interval   time.Duration
	batchSize  int
	lease      time.Duration
	stopCh     chan struct{}
}

func NewJobWorker(store Store, processors map[JobType]JobProcessor, opts ...WorkerOption) *JobWorker {
	w := &JobWorker{
		store:      store,
		processors: processors,
		workerID:   uuid.New().String(),
		interval:   defaultPollInterval,
		batchSize:  defaultBatchSize,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

func (w *JobWorker) WorkerID() string {
	return w.workerID
}

// Start runs the poll loop until the context is cancelled or Stop is called.
func (w *JobWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("Job worker %s started", w.workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Job worker %s stopping: context cancelled", w.workerID)

			return
		case <-w.stopCh:
			log.Printf("Job worker %s stopping: stop signal received", w.workerID)

			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.Printf("Job worker %s error: %v", w.workerID, err)
				// back off so a persistent store error does not spin the loop
				select {
				case <-time.After(2 * w.interval):
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				}
			}
		}
	}
}

func (w *JobWorker) Stop() {
	close(w.stopCh)
}

// Tick performs one poll pass: reclaim stalled jobs when a lease is set,
// then drain up to batchSize jobs from each queue type in order.
func (w *JobWorker) Tick(ctx context.Context) error {
	if w.lease > 0 {
		reclaimed, err := w.store.ReclaimStalledJobs(ctx, w.lease)
		if err != nil {
			return err
		}
		if reclaimed > 0 {
			log.Printf("Job worker %s reclaimed %d stalled jobs", w.workerID, reclaimed)
		}
	}

	for _, jobType := range QueueTypes {
		if _, ok := w.processors[jobType]; !ok {
			continue
		}

		jobs, err := w.store.ClaimPendingJobs(ctx, jobType, w.batchSize, w.workerID)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			w.runJob(ctx, job)
		}
	}

	return nil
}

// runJob executes one claimed job. A processor error fails the job; job
// failures never propagate to the poll loop.
func (w *JobWorker) runJob(ctx context.Context, job *Job) {
	processor := w.processors[job.Type]

	if err := w.store.UpdateJobProgress(ctx, job.JobID, claimedProgress, nil); err != nil {
		log.Printf("Job worker %s: progress update for %s: %v", w.workerID, job.JobID, err)
	}

	result, err := processor(ctx, job)
	if err != nil {
		log.Printf("Job worker %s: job %s (%s) failed: %v", w.workerID, job.JobID, job.Type, err)
		if ferr := w.store.FailJob(ctx, job.JobID, err.Error()); ferr != nil {
			log.Printf("Job worker %s: marking %s failed: %v", w.workerID, job.JobID, ferr)
		}
		w.logJobEvent(ctx, job, EventJobFailed, map[string]any{
			"jobId": job.JobID,
			"type":  string(job.Type),
			"error": err.Error(),
		})

		return
	}

	if err := w.store.CompleteJob(ctx, job.JobID, result); err != nil {
		log.Printf("Job worker %s: completing %s: %v", w.workerID, job.JobID, err)
	}
	w.logJobEvent(ctx, job, EventJobCompleted, map[string]any{
		"jobId": job.JobID,
		"type":  string(job.Type),
	})
}

// logJobEvent records a job outcome in the event log, best effort.
func (w *JobWorker) logJobEvent(ctx context.Context, job *Job, eventType string, data map[string]any) {
	if err := w.store.LogEvent(ctx, job.TenantID, nil, eventType, data); err != nil {
		log.Printf("Job worker %s: log event %s for %s: %v", w.workerID, eventType, job.JobID, err)
	}
}

type WorkerOption func(*JobWorker)

// WithPollInterval sets how often the worker polls the queues.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *JobWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize bounds how many jobs one poll pass claims per queue type.
func WithBatchSize(n int) WorkerOption {
	return func(w *JobWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithJobLease enables stalled-job reclaim: PROCESSING jobs older than the
// lease are returned to PENDING at the start of each poll pass. Zero
// disables reclaim, which is the default.
func WithJobLease(lease time.Duration) WorkerOption {
	return func(w *JobWorker) {
		if lease > 0 {
			w.lease = lease
		}
	}
}

// WorkerPool runs several workers against the same store.
type WorkerPool struct {
	workers []*JobWorker
}

func NewWorkerPool(store Store, processors map[JobType]JobProcessor, size int, opts ...WorkerOption) *WorkerPool {
	workers := make([]*JobWorker, size)
	for i := 0; i < size; i++ {
		workers[i] = NewJobWorker(store, processors, opts...)
	}

	return &WorkerPool{workers: workers}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Start(ctx)
	}
}

func (p *WorkerPool) Stop() {
	for _, worker := range p.workers {
		worker.Stop()
	}
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}
