package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowpilot/flowpilot"
)

const tenantHeader = "X-Tenant-ID"

// Server exposes the engine over HTTP. Tenancy comes from the X-Tenant-ID
// header on every tenant-scoped route.
type Server struct {
	store    flowpilot.Store
	executor *flowpilot.WorkflowExecutor
	queues   *flowpilot.QueueSet
}

func NewServer(store flowpilot.Store, executor *flowpilot.WorkflowExecutor, queues *flowpilot.QueueSet) *Server {
	return &Server{
		store:    store,
		executor: executor,
		queues:   queues,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Post("/{id}/execute", s.handleExecuteWorkflow)
			r.Get("/{id}/executions", s.handleListExecutions)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/{id}", s.handleGetExecution)
			r.Post("/{id}/cancel", s.handleCancelExecution)
			r.Get("/{id}/events", s.handleGetExecutionEvents)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
		})

		r.Get("/stats", s.handleGetStats)
	})

	return r
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var workflow flowpilot.Workflow
	if err := json.NewDecoder(r.Body).Decode(&workflow); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode workflow: %w", err))
		return
	}
	if workflow.ID == "" {
		writeErr(w, http.StatusBadRequest, errors.New("workflow id is required"))
		return
	}
	workflow.TenantID = tenantID

	if err := s.store.SaveWorkflow(r.Context(), &workflow); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, &workflow)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	workflows, err := s.store.GetWorkflowsByTenant(r.Context(), tenantID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, workflow)
}

type executeRequest struct {
	Data json.RawMessage `json:"data"`
}

type executeResponse struct {
	ExecutionID string `json:"executionId"`
	JobID       string `json:"jobId"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}

	execution, jobID, err := s.executor.ExecuteWorkflow(r.Context(), chi.URLParam(r, "id"), tenantID, req.Data)
	if err != nil {
		if errors.Is(err, flowpilot.ErrWorkflowInactive) {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, executeResponse{
		ExecutionID: execution.ID,
		JobID:       jobID,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")

	if _, err := s.store.GetWorkflow(r.Context(), workflowID); err != nil {
		writeStoreErr(w, err)
		return
	}

	executions, err := s.executor.GetExecutionsByWorkflow(r.Context(), workflowID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.executor.GetExecutionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")

	execution, err := s.executor.GetExecutionStatus(r.Context(), executionID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if execution.Status.IsTerminal() {
		writeErr(w, http.StatusBadRequest,
			fmt.Errorf("%w: status is %s", flowpilot.ErrExecutionFinished, execution.Status))
		return
	}

	if err := s.executor.CancelExecution(r.Context(), executionID); err != nil {
		writeStoreErr(w, err)
		return
	}

	execution, err = s.executor.GetExecutionStatus(r.Context(), executionID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleGetExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.executor.GetExecutionEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var status *flowpilot.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := flowpilot.JobStatus(raw)
		status = &st
	}

	jobs, err := s.store.GetJobsByTenant(r.Context(), tenantID, status)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	stats, err := s.store.GetSummaryStats(r.Context(), tenantID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%s header is required", tenantHeader))
		return "", false
	}

	return tenantID, true
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flowpilot.ErrWorkflowNotFound),
		errors.Is(err, flowpilot.ErrExecutionNotFound),
		errors.Is(err, flowpilot.ErrJobNotFound),
		errors.Is(err, flowpilot.ErrEntityNotFound):
		writeErr(w, http.StatusNotFound, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
