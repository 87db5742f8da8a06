package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"scenejobs/internal/domain"
	"scenejobs/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// StartJob validates the posted configuration, starts the job and streams
// its events on the same response.
func (a *App) StartJob(w http.ResponseWriter, r *http.Request) {
	var cfg domain.JobConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "request body is required")
			return
		}
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "invalid payload: "+err.Error())
		return
	}
	if cfg.Resume != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "use POST /v1/jobs/{id}/resume to continue a job")
		return
	}
	if cfg.Audio.Enabled && strings.TrimSpace(cfg.Audio.Language) == "" {
		cfg.Audio.Language = middleware.LanguageFromContext(r.Context())
	}

	run, err := a.Jobs.Start(r.Context(), cfg)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.serve(w, r, run, "")
}

// ResumeJob continues a failed or interrupted job and streams its events.
func (a *App) ResumeJob(w http.ResponseWriter, r *http.Request) {
	run, err := a.Jobs.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.serve(w, r, run, "")
}

// ListJobs returns cached job summaries, optionally filtered by status and
// mode.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Status: domain.JobStatus(strings.ToLower(q.Get("status"))),
		Mode:   domain.JobMode(strings.ToLower(q.Get("mode"))),
	}
	switch filter.Status {
	case "", domain.JobStatusPending, domain.JobStatusInProgress, domain.JobStatusCompleted, domain.JobStatusFailed:
	default:
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "unknown status filter")
		return
	}
	switch filter.Mode {
	case "", domain.JobModeStoryboard, domain.JobModeRecreate:
	default:
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "unknown mode filter")
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	items, err := a.Jobs.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// GetJob returns the full cached snapshot of a job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// DeleteJob removes a job that is not running.
func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelJob stops a running job and returns its final snapshot. The job is
// left failed and resumable.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.Jobs.Cancel(jobID); err != nil {
		a.fail(w, r, err)
		return
	}
	job, err := a.Jobs.Get(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job.Summarize())
}
