package flowpilot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisualizer_RenderFlow(t *testing.T) {
	workflow, err := NewWorkflowBuilder("signup-flow").
		Trigger("start").
		Email("welcome", "user@example.com", "Welcome!").
		Delay("pause", 1000).
		Build()
	require.NoError(t, err)

	out := NewVisualizer().RenderFlow(workflow)

	assert.Contains(t, out, "Workflow: signup-flow")
	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, "start (trigger)")
	assert.Contains(t, out, "welcome (email)")
	assert.Contains(t, out, "to: user@example.com")
	assert.Contains(t, out, "1000 ms")

	// steps appear in execution order
	assert.Less(t, strings.Index(out, "start"), strings.Index(out, "welcome"))
	assert.Less(t, strings.Index(out, "welcome"), strings.Index(out, "pause"))
}

func TestVisualizer_RenderMermaid(t *testing.T) {
	workflow, err := NewWorkflowBuilder("flow").
		Trigger("start").
		Action("index", "index").
		Build()
	require.NoError(t, err)

	out := NewVisualizer().RenderMermaid(workflow)

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, `s0["trigger: start"]`)
	assert.Contains(t, out, `s1["action: index"]`)
	assert.Contains(t, out, "s0 --> s1")
}
