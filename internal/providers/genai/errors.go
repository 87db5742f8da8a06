package genai

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("genai: api key not configured")

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status     int
	Reason     string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini status %d", e.Status)
	}
	return fmt.Sprintf("gemini status %d: %s", e.Status, e.Message)
}

// StatusCode exposes the HTTP status to error classifiers.
func (e *APIError) StatusCode() int { return e.Status }

// BlockedError reports a response withheld by the API's safety filters.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("gemini response blocked (%s)", e.Reason)
}

// Retryable is false: the same request will be blocked again.
func (e *BlockedError) Retryable() bool { return false }

// ParseError reports model output that could not be recovered as JSON.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable model output: %v (near %q)", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }
