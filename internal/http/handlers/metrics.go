package handlers

import (
	"net/http"

	"scenejobs/internal/orchestrator"
)

type metricsResponse struct {
	orchestrator.Stats
	QueuedRemoteWrites int `json:"queued_remote_writes"`
}

// Metrics reports the in-memory state of the service.
func (a *App) Metrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{Stats: a.Jobs.Stats()}
	if a.Queue != nil {
		resp.QueuedRemoteWrites = a.Queue.Len()
	}
	a.json(w, http.StatusOK, resp)
}
