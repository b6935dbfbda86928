// ABOUTME: Job handlers: enqueue, status lookup, list, and cancellation.
// ABOUTME: Thin JSON layer over the store; all queue semantics live in SQL.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/store"
)

// enqueueRequest is the body for POST /api/v1/jobs.
type enqueueRequest struct {
	OwnerKey    string          `json:"owner_key"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int32           `json:"priority"`
	MaxAttempts int32           `json:"max_attempts"`
}

// jobResponse is the JSON rendering of a job row for status endpoints.
type jobResponse struct {
	ID          uuid.UUID       `json:"id"`
	OwnerKey    string          `json:"owner_key"`
	Type        string          `json:"type"`
	Status      store.JobStatus `json:"status"`
	Priority    int32           `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int32           `json:"attempts"`
	MaxAttempts int32           `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j store.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		OwnerKey:    j.OwnerKey,
		Type:        j.Type,
		Status:      j.Status,
		Priority:    j.Priority,
		Payload:     j.Payload,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (srv *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerKey == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "owner_key and type are required")
		return
	}

	id, err := srv.store.Enqueue(r.Context(), store.EnqueueParams{
		OwnerKey:    req.OwnerKey,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		slog.Error("enqueue failed", "owner_key", req.OwnerKey, "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := srv.store.GetJob(r.Context(), id)
	if err != nil {
		slog.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(*job))
}

// listJobsHandler serves GET /jobs?owner_key=&status=&after_time=&after_id=.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	var p store.ListJobsParams

	if v := r.URL.Query().Get("owner_key"); v != "" {
		p.OwnerKey = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := store.JobStatus(v)
		switch st {
		case store.StatusPending, store.StatusProcessing, store.StatusCompleted,
			store.StatusFailed, store.StatusCancelled:
			p.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}
	if v := r.URL.Query().Get("after_time"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_time cursor")
			return
		}
		p.AfterTime = &t
	}
	if v := r.URL.Query().Get("after_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_id cursor")
			return
		}
		p.AfterID = &id
	}
	// The keyset cursor is the (created_at, id) pair; half of it is meaningless.
	if (p.AfterTime == nil) != (p.AfterID == nil) {
		writeError(w, http.StatusBadRequest, "after_time and after_id must be supplied together")
		return
	}

	jobs, err := srv.store.ListJobs(r.Context(), p)
	if err != nil {
		slog.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

func (srv *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	n, err := srv.store.Cancel(r.Context(), id)
	if err != nil {
		slog.Error("cancel job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	// Idempotent: cancelling a terminal or missing job reports zero cancelled,
	// still 200 — it is a user acknowledgment, not an error.
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func (srv *Server) cancelOwnerHandler(w http.ResponseWriter, r *http.Request) {
	ownerKey := chi.URLParam(r, "owner_key")
	if ownerKey == "" {
		writeError(w, http.StatusBadRequest, "owner_key is required")
		return
	}

	n, err := srv.store.CancelOwner(r.Context(), ownerKey)
	if err != nil {
		slog.Error("cancel owner failed", "owner_key", ownerKey, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
