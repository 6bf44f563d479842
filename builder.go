package flowpilot

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// WorkflowBuilder assembles a linear workflow step by step. Steps execute in
// the order they are added; the trigger step, when present, must come first.
type WorkflowBuilder struct {
	name        string
	description string
	tenantID    string
	steps       []WorkflowStep
	errs        []error
}

func NewWorkflowBuilder(name string) *WorkflowBuilder {
	return &WorkflowBuilder{name: name}
}

func (b *WorkflowBuilder) WithDescription(description string) *WorkflowBuilder {
	b.description = description

	return b
}

func (b *WorkflowBuilder) WithTenant(tenantID string) *WorkflowBuilder {
	b.tenantID = tenantID

	return b
}

func (b *WorkflowBuilder) addStep(stepType StepType, name string, config map[string]any) *WorkflowBuilder {
	if config == nil {
		config = map[string]any{}
	}

	index := len(b.steps)
	step := WorkflowStep{
		ID:       fmt.Sprintf("step_%d_%s", index, uuid.NewString()[:8]),
		Type:     stepType,
		Name:     name,
		Config:   config,
		Position: Position{X: float64(index) * 200, Y: 0},
	}

	if index > 0 {
		prev := &b.steps[index-1]
		prev.Connections.Output = append(prev.Connections.Output, step.ID)
		step.Connections.Input = []string{prev.ID}
	}

	b.steps = append(b.steps, step)

	return b
}

func (b *WorkflowBuilder) Trigger(name string) *WorkflowBuilder {
	if len(b.steps) > 0 {
		b.errs = append(b.errs, errors.New("trigger step must be first"))
	}

	return b.addStep(StepTypeTrigger, name, nil)
}

func (b *WorkflowBuilder) Email(name, to, subject string) *WorkflowBuilder {
	if to == "" {
		b.errs = append(b.errs, fmt.Errorf("email step %q: recipient is required", name))
	}

	return b.addStep(StepTypeEmail, name, map[string]any{
		"to":      to,
		"subject": subject,
	})
}

func (b *WorkflowBuilder) Webhook(name, url, method string) *WorkflowBuilder {
	if url == "" {
		b.errs = append(b.errs, fmt.Errorf("webhook step %q: url is required", name))
	}

	config := map[string]any{"url": url}
	if method != "" {
		config["method"] = method
	}

	return b.addStep(StepTypeWebhook, name, config)
}

func (b *WorkflowBuilder) Condition(name, field string, op Operator, value any) *WorkflowBuilder {
	if field == "" {
		b.errs = append(b.errs, fmt.Errorf("condition step %q: field is required", name))
	}

	return b.addStep(StepTypeCondition, name, map[string]any{
		"field":    field,
		"operator": string(op),
		"value":    value,
	})
}

func (b *WorkflowBuilder) ConditionPaths(truePath, falsePath string) *WorkflowBuilder {
	if len(b.steps) == 0 || b.steps[len(b.steps)-1].Type != StepTypeCondition {
		b.errs = append(b.errs, errors.New("ConditionPaths called with no preceding condition step"))

		return b
	}

	config := b.steps[len(b.steps)-1].Config
	config["truePath"] = truePath
	config["falsePath"] = falsePath

	return b
}

func (b *WorkflowBuilder) Delay(name string, durationMs int) *WorkflowBuilder {
	config := map[string]any{}
	if durationMs > 0 {
		config["duration"] = durationMs
	}

	return b.addStep(StepTypeDelay, name, config)
}

func (b *WorkflowBuilder) Transform(name string, op TransformOperation, config map[string]any) *WorkflowBuilder {
	full := map[string]any{"operation": string(op)}
	for k, v := range config {
		full[k] = v
	}

	return b.addStep(StepTypeDataTransform, name, full)
}

func (b *WorkflowBuilder) Action(name, action string) *WorkflowBuilder {
	if action == "" {
		b.errs = append(b.errs, fmt.Errorf("action step %q: action is required", name))
	}

	return b.addStep(StepTypeAction, name, map[string]any{"action": action})
}

// Build validates the accumulated steps and returns the workflow. The
// workflow is active by default and carries a fresh id.
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	if b.name == "" {
		b.errs = append(b.errs, errors.New("workflow name is required"))
	}
	if len(b.steps) == 0 {
		b.errs = append(b.errs, errors.New("workflow has no steps"))
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	return &Workflow{
		ID:          "wf_" + uuid.NewString(),
		TenantID:    b.tenantID,
		Name:        b.name,
		Description: b.description,
		Steps:       b.steps,
		IsActive:    true,
	}, nil
}
