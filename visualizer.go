package flowpilot

import (
	"fmt"
	"strings"
)

type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderFlow renders the workflow's step sequence as plain text, one line
// per step in execution order.
func (v *Visualizer) RenderFlow(wf *Workflow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow: %s\n", wf.Name)
	sb.WriteString("======================================\n\n")

	for i, step := range wf.Steps {
		fmt.Fprintf(&sb, "%d. %s %s (%s)\n", i+1, v.stepSymbol(step.Type), step.Name, step.Type)
		if hint := v.stepHint(step); hint != "" {
			fmt.Fprintf(&sb, "     %s\n", hint)
		}
		if i < len(wf.Steps)-1 {
			sb.WriteString("   |\n   v\n")
		}
	}

	return sb.String()
}

// RenderMermaid renders the workflow as a mermaid flowchart definition.
func (v *Visualizer) RenderMermaid(wf *Workflow) string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	for i, step := range wf.Steps {
		fmt.Fprintf(&sb, "    s%d[\"%s\"]\n", i, mermaidLabel(step))
	}
	for i := 0; i+1 < len(wf.Steps); i++ {
		fmt.Fprintf(&sb, "    s%d --> s%d\n", i, i+1)
	}

	return sb.String()
}

func (v *Visualizer) stepSymbol(stepType StepType) string {
	switch stepType {
	case StepTypeTrigger:
		return "▶"
	case StepTypeEmail:
		return "✉"
	case StepTypeWebhook:
		return "⇄"
	case StepTypeCondition:
		return "?"
	case StepTypeDelay:
		return "⏲"
	case StepTypeDataTransform:
		return "⚙"
	case StepTypeAction:
		return "⚡"
	default:
		return "•"
	}
}

func (v *Visualizer) stepHint(step WorkflowStep) string {
	switch step.Type {
	case StepTypeEmail:
		if to, ok := step.Config["to"].(string); ok {
			return "to: " + to
		}
	case StepTypeWebhook:
		if url, ok := step.Config["url"].(string); ok {
			return "url: " + url
		}
	case StepTypeCondition:
		field, _ := step.Config["field"].(string)
		op, _ := step.Config["operator"].(string)
		if field != "" {
			return fmt.Sprintf("%s %s %v", field, op, step.Config["value"])
		}
	case StepTypeDelay:
		if d, ok := toFloat(step.Config["duration"]); ok {
			return fmt.Sprintf("%.0f ms", d)
		}
	case StepTypeDataTransform:
		if op, ok := step.Config["operation"].(string); ok {
			return "operation: " + op
		}
	case StepTypeAction:
		if action, ok := step.Config["action"].(string); ok {
			return "action: " + action
		}
	}

	return ""
}

func mermaidLabel(step WorkflowStep) string {
	name := strings.ReplaceAll(step.Name, `"`, "'")

	return fmt.Sprintf("%s: %s", step.Type, name)
}
