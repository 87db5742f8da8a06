package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"scenejobs/internal/domain"
	"scenejobs/internal/orchestrator"
	"scenejobs/internal/stream"

	"github.com/go-chi/chi/v5"
)

// JobEvents reconnects to a job's event stream. Events after Last-Event-ID
// (or the lastEventId query parameter) are replayed before live ones.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	lastID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastID == "" {
		lastID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	if lastID != "" {
		owner, _, _, err := stream.ParseID(lastID)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "malformed Last-Event-ID")
			return
		}
		if owner != jobID {
			a.error(w, http.StatusBadRequest, "bad_request", "Last-Event-ID belongs to another job")
			return
		}
	}

	buf, err := a.Jobs.Events(jobID)
	if err != nil {
		if _, gerr := a.Jobs.Get(r.Context(), jobID); gerr == nil {
			a.error(w, http.StatusGone, "stream_expired", "event stream no longer retained; fetch the job snapshot instead")
			return
		}
		a.fail(w, r, err)
		return
	}
	a.serve(w, r, &orchestrator.Run{JobID: jobID, Buffer: buf}, lastID)
}

// serve streams a run to the client. Headers are committed here, so errors
// after this point are only logged.
func (a *App) serve(w http.ResponseWriter, r *http.Request, run *orchestrator.Run, lastID string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Job-ID", run.JobID)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	opts := stream.ServeOptions{
		KeepAlive: a.KeepAlive,
		Timeout:   a.Timeouts.DynamicTimeout(a.expectedScenes(r.Context(), run.JobID)),
	}
	err := stream.Serve(r.Context(), w, run.Buffer, lastID, opts)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, stream.ErrStreamTimeout):
		a.Logger.Warn().Str("job_id", run.JobID).Dur("timeout", opts.Timeout).Msg("event stream timed out")
	default:
		a.Logger.Warn().Err(err).Str("job_id", run.JobID).Msg("event stream ended")
	}
}

func (a *App) expectedScenes(ctx context.Context, jobID string) int {
	job, err := a.Jobs.Get(ctx, jobID)
	if err != nil || job == nil {
		return 0
	}
	return estimateScenes(job)
}

func estimateScenes(job *domain.CachedJob) int {
	if job.Summary.TargetSceneCount > 0 {
		return job.Summary.TargetSceneCount
	}
	if job.Config == nil || job.Resume == nil || job.Resume.SourceDurationSecs <= 0 {
		return len(job.Scenes)
	}
	per := job.Config.Pacing.Preset().SecondsPerScene
	return int(job.Resume.SourceDurationSecs/per) + 1
}
