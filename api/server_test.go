package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot"
)

type testEnv struct {
	store    *flowpilot.MemoryStore
	executor *flowpilot.WorkflowExecutor
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := flowpilot.NewMemoryStore()
	queues := flowpilot.NewQueueSet(store)
	executor := flowpilot.NewWorkflowExecutor(store, flowpilot.NewMemoryTxManager(), queues)
	server := NewServer(store, executor, queues)

	return &testEnv{
		store:    store,
		executor: executor,
		handler:  server.Router(),
	}
}

func (env *testEnv) do(t *testing.T, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	return rec
}

func (env *testEnv) saveWorkflow(t *testing.T, tenantID string) *flowpilot.Workflow {
	t.Helper()

	workflow, err := flowpilot.NewWorkflowBuilder("api-test").
		WithTenant(tenantID).
		Trigger("start").
		Email("welcome", "user@example.com", "Welcome!").
		Build()
	require.NoError(t, err)
	require.NoError(t, env.store.SaveWorkflow(context.Background(), workflow))

	return workflow
}

func TestServer_CreateAndGetWorkflow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows", "tenant-1", map[string]any{
		"id":   "wf_api",
		"name": "created-via-api",
		"steps": []map[string]any{
			{"id": "s0", "type": "trigger", "name": "start", "config": map[string]any{}},
		},
		"is_active": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/workflows/wf_api", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workflow flowpilot.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workflow))
	assert.Equal(t, "created-via-api", workflow.Name)
	assert.Equal(t, "tenant-1", workflow.TenantID)

	rec = env.do(t, http.MethodGet, "/api/workflows", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var workflows []*flowpilot.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workflows))
	assert.Len(t, workflows, 1)
}

func TestServer_CreateWorkflowRequiresTenant(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows", "", map[string]any{"id": "wf_x", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ExecuteWorkflow(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")

	rec := env.do(t, http.MethodPost, "/api/workflows/"+workflow.ID+"/execute", "tenant-1", map[string]any{
		"data": map[string]any{"user": "ada"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.NotEmpty(t, resp.JobID)

	rec = env.do(t, http.MethodGet, "/api/executions/"+resp.ExecutionID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var execution flowpilot.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execution))
	assert.Equal(t, flowpilot.ExecutionStatusPending, execution.Status)

	rec = env.do(t, http.MethodGet, "/api/jobs/"+resp.JobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ExecuteWorkflowNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows/wf_missing/execute", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExecuteWorkflowWrongTenant(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-a")

	rec := env.do(t, http.MethodPost, "/api/workflows/"+workflow.ID+"/execute", "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelExecution(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")

	execution, _, err := env.executor.ExecuteWorkflow(context.Background(), workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/executions/"+execution.ID+"/cancel", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cancelled flowpilot.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, flowpilot.ExecutionStatusCancelled, cancelled.Status)
}

func TestServer_CancelFinishedExecutionRejected(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")
	ctx := context.Background()

	execution, _, err := env.executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateExecutionStatus(ctx, execution.ID, flowpilot.ExecutionStatusCompleted, nil, nil))

	rec := env.do(t, http.MethodPost, "/api/executions/"+execution.ID+"/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "finished")

	// status unchanged
	stored, err := env.store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, flowpilot.ExecutionStatusCompleted, stored.Status)
}

func TestServer_CancelMissingExecution(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/executions/exec_missing/cancel", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListExecutions(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")
	ctx := context.Background()

	_, _, err := env.executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)
	_, _, err = env.executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/workflows/"+workflow.ID+"/executions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var executions []*flowpilot.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &executions))
	assert.Len(t, executions, 2)

	rec = env.do(t, http.MethodGet, "/api/workflows/wf_missing/executions", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")
	ctx := context.Background()

	_, _, err := env.executor.ExecuteWorkflow(ctx, workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/jobs", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []*flowpilot.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, flowpilot.JobTypeWorkflowExecution, jobs[0].Type)

	rec = env.do(t, http.MethodGet, "/api/jobs?status=COMPLETED", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Empty(t, jobs)

	rec = env.do(t, http.MethodGet, "/api/jobs", "tenant-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Empty(t, jobs, "jobs are tenant scoped")
}

func TestServer_GetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/jobs/job_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")

	_, _, err := env.executor.ExecuteWorkflow(context.Background(), workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/stats", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats flowpilot.SummaryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.PendingJobs)
}

func TestServer_ExecutionEvents(t *testing.T) {
	env := newTestEnv(t)
	workflow := env.saveWorkflow(t, "tenant-1")

	execution, _, err := env.executor.ExecuteWorkflow(context.Background(), workflow.ID, "tenant-1", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/executions/"+execution.ID+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []*flowpilot.ExecutionEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, flowpilot.EventExecutionStarted, events[0].EventType)
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
