package flowpilot

import "errors"

var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrJobNotFound       = errors.New("job not found")

	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrExecutionFinished is returned when a caller tries to act on an
	// execution that is already in a terminal state.
	ErrExecutionFinished = errors.New("execution already finished")

	ErrUnknownStepType      = errors.New("unknown step type")
	ErrUnknownOperator      = errors.New("unknown condition operator")
	ErrUnsupportedOperation = errors.New("unsupported transform operation")
)
