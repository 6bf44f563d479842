package flowpilot

import "time"

// Event types written to the execution event log and handed to the Notifier.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventStepDelayed        = "step_delayed"
	EventJobEnqueued        = "job_enqueued"
	EventJobCompleted       = "job_completed"
	EventJobFailed          = "job_failed"
)

// Event is the envelope handed to a Notifier. The engine produces events;
// delivering them to connected clients is the caller's concern.
type Event struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives engine events as they happen. Implementations must not
// block; a slow notifier stalls the executor.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(event Event)

func (f NotifierFunc) Notify(event Event) { f(event) }
