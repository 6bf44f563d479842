package flowpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// JobProcessor handles one claimed job and returns its result payload. An
// error fails the job; the worker records err.Error() on the job row.
type JobProcessor func(ctx context.Context, job *Job) (json.RawMessage, error)

// NewWorkflowJobProcessor returns the processor for workflow-execution jobs.
// Fresh dispatches start at step zero; continuation jobs resume where the
// delay step left off.
func NewWorkflowJobProcessor(executor *WorkflowExecutor) JobProcessor {
	return func(ctx context.Context, job *Job) (json.RawMessage, error) {
		var payload workflowJobPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal workflow job: %w", err)
		}
		if payload.ExecutionID == "" {
			return nil, fmt.Errorf("workflow job %s has no execution id", job.JobID)
		}

		result, err := executor.ProcessWorkflowStep(ctx, payload.ExecutionID, payload.ResumeAtStep, payload.Data)
		if err != nil {
			return nil, err
		}

		return json.Marshal(result)
	}
}

type emailJobPayload struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body,omitempty"`
	Template string         `json:"template,omitempty"`
	Vars     map[string]any `json:"variables,omitempty"`
}

// NewEmailJobProcessor returns the processor for email-send jobs. Delivery
// is simulated; the job result records what would have been sent.
// TODO: plug in a real mail transport once one is chosen.
func NewEmailJobProcessor() JobProcessor {
	return func(ctx context.Context, job *Job) (json.RawMessage, error) {
		var payload emailJobPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal email job: %w", err)
		}

		log.Printf("[email] sending to %s: %s", payload.To, payload.Subject)

		return json.Marshal(map[string]any{
			"success":   true,
			"emailSent": true,
			"to":        payload.To,
			"subject":   payload.Subject,
		})
	}
}

type webhookJobPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// NewWebhookJobProcessor returns the processor for webhook-trigger jobs. It
// performs the HTTP call with the given client; pass nil for a client with a
// sane default timeout.
func NewWebhookJobProcessor(client *http.Client) JobProcessor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ctx context.Context, job *Job) (json.RawMessage, error) {
		var payload webhookJobPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal webhook job: %w", err)
		}
		if payload.Method == "" {
			payload.Method = http.MethodPost
		}

		body, err := json.Marshal(payload.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal webhook body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range payload.Headers {
			req.Header.Set(k, v)
		}

		log.Printf("[webhook] %s %s", payload.Method, payload.URL)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("webhook %s returned %d", payload.URL, resp.StatusCode)
		}

		return json.Marshal(map[string]any{
			"success":       true,
			"webhookCalled": true,
			"url":           payload.URL,
			"method":        payload.Method,
			"statusCode":    resp.StatusCode,
		})
	}
}

type dataProcessingJobPayload struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// NewDataProcessingJobProcessor returns the processor for data-processing
// jobs enqueued by action steps.
func NewDataProcessingJobProcessor() JobProcessor {
	return func(ctx context.Context, job *Job) (json.RawMessage, error) {
		var payload dataProcessingJobPayload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal data-processing job: %w", err)
		}

		log.Printf("[data] processing action %q", payload.Action)

		return json.Marshal(map[string]any{
			"success":       true,
			"action":        payload.Action,
			"processedData": payload.Data,
		})
	}
}

// DefaultProcessors wires the standard processor for each queue type.
func DefaultProcessors(executor *WorkflowExecutor, httpClient *http.Client) map[JobType]JobProcessor {
	return map[JobType]JobProcessor{
		JobTypeWorkflowExecution: NewWorkflowJobProcessor(executor),
		JobTypeEmailSend:         NewEmailJobProcessor(),
		JobTypeWebhookTrigger:    NewWebhookJobProcessor(httpClient),
		JobTypeDataProcessing:    NewDataProcessingJobProcessor(),
	}
}
