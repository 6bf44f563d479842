package flowpilot

import "time"

type ExecutorOption func(*WorkflowExecutor)

// WithNotifier wires a live event sink alongside the durable event log.
func WithNotifier(n Notifier) ExecutorOption {
	return func(e *WorkflowExecutor) {
		e.notifier = n
	}
}

// WithDefaultStepDelay overrides the delay a delay step uses when its config
// carries no duration.
func WithDefaultStepDelay(d time.Duration) ExecutorOption {
	return func(e *WorkflowExecutor) {
		if d > 0 {
			e.stepDelay = d
		}
	}
}
