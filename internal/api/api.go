// Copyright 2025 James Ross
// Package api provides the thin producer-edge HTTP surface named in spec
// §6.1/§6.2/§6.4: enqueue, status query, and the inbound run-status
// callback. Full auth/CORS/OpenAPI generation is an explicit Non-goal
// (spec §1); routing follows the teacher's gorilla/mux idiom.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/dispatcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingestor"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server wires the enqueue/status/callback handlers onto a mux.Router.
type Server struct {
	queue           *jobqueue.Queue
	repo            repository.Repository
	ingestor        *ingestor.Ingestor
	dispatcher      *dispatcher.Dispatcher
	effectiveOrigin string
	requireAuth     bool
	authToken       string
	log             *zap.Logger
}

func New(queue *jobqueue.Queue, repo repository.Repository, ing *ingestor.Ingestor, disp *dispatcher.Dispatcher, effectiveOrigin string, requireCallbackAuth bool, callbackAuthToken string, log *zap.Logger) *Server {
	return &Server{
		queue:           queue,
		repo:            repo,
		ingestor:        ing,
		dispatcher:      disp,
		effectiveOrigin: effectiveOrigin,
		requireAuth:     requireCallbackAuth,
		authToken:       callbackAuthToken,
		log:             log,
	}
}

// Router builds the HTTP routing table (spec §6.1, §6.2, §6.4). Auth and
// CORS middleware are deliberately absent per the spec's Non-goal; callers
// that need them wrap the returned router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/jobs", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{job_id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/run-callback", s.handleCallback).Methods(http.MethodPost)
	return r
}

type enqueueRequest struct {
	DeploymentID string            `json:"deployment_id"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Origin       string            `json:"origin"`
	APIUser      *domain.Principal `json:"apiUser,omitempty"`
}

type enqueueResponse struct {
	JobID             string `json:"job_id"`
	Status            string `json:"status"`
	EstimatedWaitTime int64  `json:"estimated_wait_time"`
}

// handleEnqueue implements spec §6.1. Staging deployments that route to a
// machine group are rejected with 400, per the deployment invariant that
// staging never uses machine_group_id.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}

	ctx := r.Context()
	dep, err := s.repo.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown deployment")
		return
	}
	if dep.Environment == domain.EnvironmentStaging && dep.UsesGroup() {
		writeError(w, http.StatusBadRequest, "staging deployments may not route to a machine group")
		return
	}

	origin := backend.ResolveOrigin(s.effectiveOrigin, req.Origin)
	jobID, err := s.queue.Enqueue(ctx, domain.RunRequest{
		DeploymentID: req.DeploymentID,
		Inputs:       req.Inputs,
		Origin:       origin,
		Principal:    req.APIUser,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	waiting, _ := s.queue.GetWaiting(ctx, 0, 10000)
	estimatedWait := int64(len(waiting)) * 30

	if s.dispatcher != nil {
		s.dispatcher.Notify()
	}

	writeJSON(w, http.StatusOK, enqueueResponse{JobID: jobID, Status: "queued", EstimatedWaitTime: estimatedWait})
}

type statusResponse struct {
	QueueStatus   string     `json:"queue_status"`
	WorkflowRunID string     `json:"workflow_run_id,omitempty"`
	WorkflowStatus string    `json:"workflow_status,omitempty"`
	FailedReason  string     `json:"failed_reason,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	ProcessedOn   *time.Time `json:"processed_on,omitempty"`
	FinishedOn    *time.Time `json:"finished_on,omitempty"`
}

// handleStatus implements spec §6.2.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ctx := r.Context()

	job, err := s.queue.GetJob(ctx, jobID)
	if err == nil {
		resp := statusResponse{QueueStatus: string(job.State), FailedReason: job.FailedReason, CreatedAt: &job.CreatedAt}
		if job.ReturnValue != "" {
			resp.WorkflowRunID = job.ReturnValue
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	run, runErr := s.repo.GetRunByQueueJobID(ctx, jobID)
	if runErr != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	resp := statusResponse{
		QueueStatus:    "completed",
		WorkflowRunID:  run.ID,
		WorkflowStatus: string(run.Status),
		CreatedAt:      &run.CreatedAt,
		ProcessedOn:    run.StartedAt,
		FinishedOn:     run.EndedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

type callbackRequest struct {
	RunID      string             `json:"run_id"`
	Status     *domain.RunStatus  `json:"status,omitempty"`
	OutputData *domain.OutputData `json:"output_data,omitempty"`
	Error      *errorPayload      `json:"error,omitempty"`
}

type errorPayload struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleCallback implements spec §6.4. Unauthenticated by default, since
// machines are inside the trust boundary; require_callback_auth makes a
// bearer-token check configurable per deployment, the documented
// make-it-configurable escape hatch the spec calls for.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.requireAuth {
		got := r.Header.Get("Authorization")
		if got == "" || got != "Bearer "+s.authToken {
			writeError(w, http.StatusUnauthorized, "invalid callback credentials")
			return
		}
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	var errPayload *ingestor.ErrorPayload
	if req.Error != nil {
		errPayload = &ingestor.ErrorPayload{Type: req.Error.Type, Message: req.Error.Message}
	}

	if err := s.ingestor.Apply(r.Context(), req.RunID, req.Status, req.OutputData, errPayload); err != nil {
		s.log.Warn("callback apply error")
		writeError(w, http.StatusInternalServerError, "apply failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
