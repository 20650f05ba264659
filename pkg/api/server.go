package api

import (
	"encoding/json"
	"net/http"

	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/service"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server exposes the pipeline over HTTP.
type Server struct {
	svc *service.Service
}

// NewServer wraps an assembled pipeline.
func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/manifests", s.handlePropose)
	mux.HandleFunc("GET /api/v1/manifests/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/manifests/{id}/audit", s.handleAudit)
	mux.HandleFunc("POST /api/v1/manifests/{id}/preview", s.handlePreview)
	mux.HandleFunc("POST /api/v1/manifests/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/manifests/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/manifests/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/manifests/{id}/executed", s.handleMarkExecuted)
	mux.HandleFunc("POST /api/v1/manifests/{id}/rollback", s.handleRollback)

	mux.HandleFunc("GET /api/v1/pending", s.handlePending)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/v1/constructs/{id}/snapshot", s.handleSnapshot)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type proposeRequest struct {
	AgentID  string            `json:"agent_id"`
	UserID   string            `json:"user_id"`
	Proposal manifest.Proposal `json:"proposal"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.UserID == "" {
		WriteBadRequest(w, "agent_id and user_id are required")
		return
	}

	m, err := s.svc.Propose(r.Context(), req.AgentID, req.UserID, req.Proposal)
	if err != nil {
		// An auto-rejected manifest is still a created record; surface
		// both the manifest and the problem.
		if m != nil && manifest.ErrCode(err) == manifest.ErrCodeMaxPendingExceeded {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"manifest": m,
				"code":     manifest.ErrCodeMaxPendingExceeded,
			})
			return
		}
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Get(r.PathValue("id"))
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.AuditTrail(r.PathValue("id")))
}

type decisionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.svc.Preview(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, "user_id is required")
		return
	}
	m, err := s.svc.Approve(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, "user_id is required")
		return
	}
	m, err := s.svc.Reject(r.Context(), r.PathValue("id"), req.UserID, req.Reason)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	m, jobID, err := s.svc.Execute(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifest": m, "job_id": jobID})
}

type executedRequest struct {
	RunnerID string `json:"runner_id"`
}

func (s *Server) handleMarkExecuted(w http.ResponseWriter, r *http.Request) {
	var req executedRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.svc.MarkExecuted(r.Context(), r.PathValue("id"), req.RunnerID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	m, result, err := s.svc.Rollback(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifest": m, "result": result})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteBadRequest(w, "user_id query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.PendingFor(userID))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.PendingJobs(r.Context())
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Snapshot(r.PathValue("id")))
}

// decode reads a bounded JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
