package flowpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const defaultStepDelay = time.Second

// workflowJobPayload is the body of a workflow-execution job. The initial
// dispatch carries the trigger data; a delay step re-enqueues the same shape
// with ResumeAtStep pointing past itself.
type workflowJobPayload struct {
	ExecutionID       string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId,omitempty"`
	TenantID          string          `json:"tenantId,omitempty"`
	ResumeAtStep      int             `json:"resumeAtStep,omitempty"`
	ContinueExecution bool            `json:"continueExecution,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// WorkflowExecutor drives executions through their step arrays. Step
// processing happens inline on the calling goroutine (normally a worker
// processing a workflow-execution job); side-effect steps only enqueue work
// for the other queues and never wait for it.
type WorkflowExecutor struct {
	store     Store
	txManager TxManager
	queues    *QueueSet
	notifier  Notifier
	stepDelay time.Duration
}

func NewWorkflowExecutor(store Store, txManager TxManager, queues *QueueSet, opts ...ExecutorOption) *WorkflowExecutor {
	e := &WorkflowExecutor{
		store:     store,
		txManager: txManager,
		queues:    queues,
		stepDelay: defaultStepDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ExecuteWorkflow creates a PENDING execution and enqueues its workflow job,
// returning immediately. The returned job id identifies the dispatch job,
// not any side-effect jobs the steps may later create.
func (e *WorkflowExecutor) ExecuteWorkflow(
	ctx context.Context,
	workflowID, tenantID string,
	initialData json.RawMessage,
) (*WorkflowExecution, string, error) {
	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, "", err
	}
	if workflow.TenantID != tenantID {
		return nil, "", ErrWorkflowNotFound
	}
	if !workflow.IsActive {
		return nil, "", ErrWorkflowInactive
	}

	var execution *WorkflowExecution
	var jobID string

	err = e.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		execution, err = e.store.CreateExecution(ctx, workflowID, tenantID, initialData)
		if err != nil {
			return fmt.Errorf("create execution: %w", err)
		}

		jobID, err = e.queues.Workflow.AddJob(ctx, workflowJobPayload{
			ExecutionID: execution.ID,
			WorkflowID:  workflowID,
			TenantID:    tenantID,
			Data:        initialData,
		}, tenantID, nil)
		if err != nil {
			return fmt.Errorf("enqueue workflow job: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, "", err
	}

	log.Printf("[executor] started execution %s (workflow %s, job %s)", execution.ID, workflowID, jobID)
	e.emit(ctx, tenantID, &execution.ID, EventExecutionStarted, map[string]any{
		"executionId": execution.ID,
		"workflowId":  workflowID,
		"jobId":       jobID,
	})

	return execution, jobID, nil
}

// ProcessWorkflowStep advances an execution from stepIndex to the end of its
// step array, or until a delay step hands the remainder to a future job, or
// until the execution is cancelled out from under it. The execution row is
// re-read before every step so a concurrent cancel takes effect at the next
// step boundary.
func (e *WorkflowExecutor) ProcessWorkflowStep(
	ctx context.Context,
	executionID string,
	stepIndex int,
	data json.RawMessage,
) (*StepResult, error) {
	for i := stepIndex; ; i++ {
		execution, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if execution.Status == ExecutionStatusCancelled {
			log.Printf("[executor] execution %s cancelled, stopping at step %d", executionID, i)
			return &StepResult{Status: StepResultCancelled, Data: data}, nil
		}

		workflow, err := e.store.GetWorkflow(ctx, execution.WorkflowID)
		if err != nil {
			return nil, e.failExecution(ctx, execution, err)
		}

		if i >= len(workflow.Steps) {
			if err := e.store.UpdateExecutionStatus(ctx, executionID, ExecutionStatusCompleted, data, nil); err != nil {
				return nil, err
			}
			log.Printf("[executor] execution %s completed after %d steps", executionID, i)
			e.emit(ctx, execution.TenantID, &execution.ID, EventExecutionCompleted, map[string]any{
				"executionId": executionID,
				"steps":       i,
			})

			return &StepResult{Status: StepResultCompleted, Data: data}, nil
		}

		if err := e.store.UpdateExecutionProgress(ctx, executionID, i, data); err != nil {
			return nil, err
		}

		step := workflow.Steps[i]
		log.Printf("[executor] execution %s step %d: %s", executionID, i, step.Type)
		e.emit(ctx, execution.TenantID, &execution.ID, EventStepStarted, map[string]any{
			"executionId": executionID,
			"stepIndex":   i,
			"stepType":    string(step.Type),
		})

		next, delayed, err := e.executeStep(ctx, execution, i, step, data)
		if err != nil {
			return nil, e.failExecution(ctx, execution, fmt.Errorf("step %d (%s): %w", i, step.Type, err))
		}

		data = next
		if delayed {
			return &StepResult{Status: StepResultDelayed, Data: data}, nil
		}

		e.emit(ctx, execution.TenantID, &execution.ID, EventStepCompleted, map[string]any{
			"executionId": executionID,
			"stepIndex":   i,
			"stepType":    string(step.Type),
		})
	}
}

// executeStep runs one step against the execution context and returns the
// augmented context. delayed is true when the step parked the rest of the
// workflow behind a future continuation job.
func (e *WorkflowExecutor) executeStep(
	ctx context.Context,
	execution *WorkflowExecution,
	stepIndex int,
	step WorkflowStep,
	data json.RawMessage,
) (json.RawMessage, bool, error) {
	switch step.Type {
	case StepTypeTrigger:
		return data, false, nil
	case StepTypeEmail:
		out, err := e.executeEmailStep(ctx, execution, step, data)
		return out, false, err
	case StepTypeWebhook:
		out, err := e.executeWebhookStep(ctx, execution, step, data)
		return out, false, err
	case StepTypeCondition:
		out, err := executeConditionStep(step, data)
		return out, false, err
	case StepTypeDelay:
		return e.executeDelayStep(ctx, execution, stepIndex, step, data)
	case StepTypeDataTransform:
		out, err := executeDataTransformStep(step, data)
		return out, false, err
	case StepTypeAction:
		out, err := e.executeActionStep(ctx, execution, step, data)
		return out, false, err
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownStepType, step.Type)
	}
}

func (e *WorkflowExecutor) executeEmailStep(
	ctx context.Context,
	execution *WorkflowExecution,
	step WorkflowStep,
	data json.RawMessage,
) (json.RawMessage, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	variables := cloneDocument(doc)
	if extra, ok := step.Config["variables"].(map[string]any); ok {
		for k, v := range extra {
			variables[k] = v
		}
	}

	_, err = e.queues.Email.AddJob(ctx, map[string]any{
		"to":          step.Config["to"],
		"subject":     step.Config["subject"],
		"body":        step.Config["body"],
		"template":    step.Config["template"],
		"variables":   variables,
		"executionId": execution.ID,
	}, execution.TenantID, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue email job: %w", err)
	}

	out := cloneDocument(doc)
	out["emailSent"] = true
	out["emailTo"] = step.Config["to"]

	return encodeDocument(out)
}

func (e *WorkflowExecutor) executeWebhookStep(
	ctx context.Context,
	execution *WorkflowExecution,
	step WorkflowStep,
	data json.RawMessage,
) (json.RawMessage, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	method, _ := step.Config["method"].(string)
	if method == "" {
		method = "POST"
	}
	headers, ok := step.Config["headers"].(map[string]any)
	if !ok {
		headers = map[string]any{}
	}

	body := cloneDocument(doc)
	if extra, ok := step.Config["body"].(map[string]any); ok {
		for k, v := range extra {
			body[k] = v
		}
	}

	_, err = e.queues.Webhook.AddJob(ctx, map[string]any{
		"url":         step.Config["url"],
		"method":      method,
		"headers":     headers,
		"body":        body,
		"executionId": execution.ID,
	}, execution.TenantID, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue webhook job: %w", err)
	}

	out := cloneDocument(doc)
	out["webhookTriggered"] = true
	out["webhookUrl"] = step.Config["url"]

	return encodeDocument(out)
}

func executeConditionStep(step WorkflowStep, data json.RawMessage) (json.RawMessage, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	field, _ := step.Config["field"].(string)
	op, _ := step.Config["operator"].(string)

	fieldValue := lookupPath(doc, field)
	conditionMet, err := evaluateOperator(Operator(op), fieldValue, step.Config["value"])
	if err != nil {
		return nil, err
	}

	out := cloneDocument(doc)
	out["conditionResult"] = conditionMet
	if conditionMet {
		out["conditionPath"] = step.Config["truePath"]
	} else {
		out["conditionPath"] = step.Config["falsePath"]
	}

	return encodeDocument(out)
}

func (e *WorkflowExecutor) executeDelayStep(
	ctx context.Context,
	execution *WorkflowExecution,
	stepIndex int,
	step WorkflowStep,
	data json.RawMessage,
) (json.RawMessage, bool, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, false, err
	}

	delay := e.stepDelay
	if duration, ok := toFloat(step.Config["duration"]); ok && duration > 0 {
		delay = time.Duration(duration) * time.Millisecond
	}

	out := cloneDocument(doc)
	out["delayed"] = true
	out["delayMs"] = delay.Milliseconds()

	raw, err := encodeDocument(out)
	if err != nil {
		return nil, false, err
	}

	jobID, err := e.queues.Workflow.AddJob(ctx, workflowJobPayload{
		ExecutionID:       execution.ID,
		WorkflowID:        execution.WorkflowID,
		TenantID:          execution.TenantID,
		ResumeAtStep:      stepIndex + 1,
		ContinueExecution: true,
		Data:              raw,
	}, execution.TenantID, &JobOptions{Delay: delay})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue continuation job: %w", err)
	}

	log.Printf("[executor] execution %s delayed %s at step %d (job %s)", execution.ID, delay, stepIndex, jobID)
	e.emit(ctx, execution.TenantID, &execution.ID, EventStepDelayed, map[string]any{
		"executionId":  execution.ID,
		"stepIndex":    stepIndex,
		"delayMs":      delay.Milliseconds(),
		"resumeAtStep": stepIndex + 1,
		"jobId":        jobID,
	})

	return raw, true, nil
}

func executeDataTransformStep(step WorkflowStep, data json.RawMessage) (json.RawMessage, error) {
	var doc any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	op, _ := step.Config["operation"].(string)
	transformed, err := applyTransform(TransformOperation(op), step.Config, doc)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(transformed)
	if err != nil {
		return nil, fmt.Errorf("marshal transformed data: %w", err)
	}

	return raw, nil
}

func (e *WorkflowExecutor) executeActionStep(
	ctx context.Context,
	execution *WorkflowExecution,
	step WorkflowStep,
	data json.RawMessage,
) (json.RawMessage, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	_, err = e.queues.DataProcessing.AddJob(ctx, map[string]any{
		"action":      step.Config["action"],
		"data":        doc,
		"config":      step.Config,
		"executionId": execution.ID,
	}, execution.TenantID, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue action job: %w", err)
	}

	out := cloneDocument(doc)
	out["actionExecuted"] = true
	out["action"] = step.Config["action"]

	return encodeDocument(out)
}

// failExecution marks the execution FAILED and returns the original error so
// the caller can propagate it to the job layer.
func (e *WorkflowExecutor) failExecution(ctx context.Context, execution *WorkflowExecution, cause error) error {
	msg := cause.Error()
	if err := e.store.UpdateExecutionStatus(ctx, execution.ID, ExecutionStatusFailed, nil, &msg); err != nil {
		log.Printf("[executor] failed to mark execution %s failed: %v", execution.ID, err)
	}

	log.Printf("[executor] execution %s failed: %v", execution.ID, cause)
	e.emit(ctx, execution.TenantID, &execution.ID, EventExecutionFailed, map[string]any{
		"executionId": execution.ID,
		"error":       msg,
	})

	return cause
}

// CancelExecution marks the execution CANCELLED. The running step, if any,
// finishes; the executor stops before the next one. Guarding against
// cancelling an already-finished execution is the caller's responsibility.
func (e *WorkflowExecutor) CancelExecution(ctx context.Context, executionID string) error {
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if err := e.store.UpdateExecutionStatus(ctx, executionID, ExecutionStatusCancelled, nil, nil); err != nil {
		return err
	}

	log.Printf("[executor] execution %s cancelled", executionID)
	e.emit(ctx, execution.TenantID, &executionID, EventExecutionCancelled, map[string]any{
		"executionId": executionID,
	})

	return nil
}

func (e *WorkflowExecutor) GetExecutionStatus(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	return e.store.GetExecution(ctx, executionID)
}

func (e *WorkflowExecutor) GetExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*WorkflowExecution, error) {
	return e.store.GetExecutionsByWorkflow(ctx, workflowID)
}

func (e *WorkflowExecutor) GetExecutionEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	return e.store.GetEventsByExecution(ctx, executionID)
}

// emit writes the event to the durable log and fans it out to the notifier.
// Event logging is best effort; a log failure never fails the operation that
// produced it.
func (e *WorkflowExecutor) emit(ctx context.Context, tenantID string, executionID *string, eventType string, data map[string]any) {
	if err := e.store.LogEvent(ctx, tenantID, executionID, eventType, data); err != nil {
		log.Printf("[executor] log event %s: %v", eventType, err)
	}

	if e.notifier != nil {
		e.notifier.Notify(Event{
			Type:      eventType,
			TenantID:  tenantID,
			Data:      data,
			Timestamp: time.Now(),
		})
	}
}
