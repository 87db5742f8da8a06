package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/orchestrator"
	"scenejobs/internal/storage"
	"scenejobs/internal/stream"
)

const maxRequestBody = 1 << 20

// QueueStats reports the remote writes still waiting for a retry.
type QueueStats interface {
	Len() int
}

// App carries the dependencies of the HTTP handlers.
type App struct {
	Jobs         *orchestrator.Orchestrator
	Queue        QueueStats
	Archive      *storage.FileStore
	Logger       infra.Logger
	Timeouts     stream.TimeoutPolicy
	KeepAlive    time.Duration
	RemoteDriver string
}

func NewApp(jobs *orchestrator.Orchestrator, logger infra.Logger) *App {
	return &App{
		Jobs:     jobs,
		Logger:   logger,
		Timeouts: stream.DefaultTimeoutPolicy(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

// fail maps err onto the error taxonomy and writes it.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrJobRunning):
		a.error(w, http.StatusConflict, "job_running", "job is already running")
		return
	case errors.Is(err, domain.ErrJobExists):
		a.error(w, http.StatusConflict, "job_exists", "job id already in use")
		return
	case errors.Is(err, domain.ErrNotResumable):
		a.error(w, http.StatusConflict, "not_resumable", err.Error())
		return
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	jerr := domain.Classify(err)
	status := statusForCode(jerr.Code)
	message := jerr.Message
	if message == "" || status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	a.json(w, status, map[string]any{"error": errorBody{
		Code:      string(jerr.Code),
		Message:   message,
		Retryable: jerr.Retryable(),
	}})
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeRateLimit, domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeContentBlocked:
		return http.StatusUnprocessableEntity
	case domain.CodeParseError, domain.CodeNetworkError:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
