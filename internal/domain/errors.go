package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotResumable  = errors.New("job is not resumable")
	ErrJobRunning    = errors.New("job already running")
	ErrJobExists     = errors.New("job id already in use")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// ErrorCode is the client-facing error taxonomy.
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	CodeNetworkError   ErrorCode = "NETWORK_ERROR"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeParseError     ErrorCode = "PARSE_ERROR"
	CodeContentBlocked ErrorCode = "CONTENT_BLOCKED"
	CodeUnknown        ErrorCode = "UNKNOWN_ERROR"
)

// Transient reports whether errors of this class are worth retrying.
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeRateLimit, CodeNetworkError, CodeTimeout:
		return true
	}
	return false
}

// JobError is an error already mapped onto the taxonomy.
type JobError struct {
	Code      ErrorCode
	Message   string
	Status    int
	retryable bool
	Cause     error
}

// NewJobError builds a JobError whose retryability follows the code.
func NewJobError(code ErrorCode, message string, cause error) *JobError {
	return &JobError{Code: code, Message: message, Cause: cause, retryable: code.Transient()}
}

func (e *JobError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JobError) Unwrap() error { return e.Cause }

// Retryable is consulted by the retry executor's default classifier.
func (e *JobError) Retryable() bool { return e.retryable }

// WithRetryable overrides the retryable flag derived from the code.
func (e *JobError) WithRetryable(v bool) *JobError {
	e.retryable = v
	return e
}

type statusCoder interface {
	StatusCode() int
}

// Classify maps any error onto the taxonomy. A *JobError anywhere in the
// chain wins; otherwise status codes, context/net errors and well-known
// message markers are inspected.
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, ErrInvalidInput) {
		return NewJobError(CodeInvalidInput, err.Error(), err)
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return NewJobError(CodeQuotaExceeded, err.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewJobError(CodeTimeout, "request timed out", err)
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if code, ok := codeForStatus(sc.StatusCode(), err.Error()); ok {
			out := NewJobError(code, err.Error(), err)
			out.Status = sc.StatusCode()
			if sc.StatusCode() >= 500 {
				out.retryable = true
			}
			return out
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewJobError(CodeTimeout, err.Error(), err)
		}
		return NewJobError(CodeNetworkError, err.Error(), err)
	}
	return classifyMessage(err)
}

func codeForStatus(status int, msg string) (ErrorCode, bool) {
	switch {
	case status == 429:
		if strings.Contains(strings.ToLower(msg), "quota") {
			return CodeQuotaExceeded, true
		}
		return CodeRateLimit, true
	case status == 408 || status == 504:
		return CodeTimeout, true
	case status >= 500:
		return CodeNetworkError, true
	case status == 400 || status == 404 || status == 413 || status == 422:
		return CodeInvalidInput, true
	case status == 401 || status == 403:
		return CodeInvalidInput, true
	case status >= 400:
		return CodeUnknown, true
	}
	return "", false
}

var messageMarkers = []struct {
	marker string
	code   ErrorCode
}{
	{"quota", CodeQuotaExceeded},
	{"rate limit", CodeRateLimit},
	{"resource_exhausted", CodeRateLimit},
	{"429", CodeRateLimit},
	{"overloaded", CodeRateLimit},
	{"503", CodeNetworkError},
	{"unavailable", CodeNetworkError},
	{"circuit breaker is open", CodeNetworkError},
	{"connection reset", CodeNetworkError},
	{"connection refused", CodeNetworkError},
	{"eof", CodeNetworkError},
	{"timeout", CodeTimeout},
	{"timed out", CodeTimeout},
	{"safety", CodeContentBlocked},
	{"recitation", CodeContentBlocked},
	{"blocked", CodeContentBlocked},
	{"unexpected end of json", CodeParseError},
	{"invalid character", CodeParseError},
}

func classifyMessage(err error) *JobError {
	msg := strings.ToLower(err.Error())
	for _, m := range messageMarkers {
		if strings.Contains(msg, m.marker) {
			return NewJobError(m.code, err.Error(), err)
		}
	}
	return NewJobError(CodeUnknown, err.Error(), err)
}
