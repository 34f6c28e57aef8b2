package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors surfaced to the model as tool-result text. They are never
// turned into client-facing error chunks.
var (
	// ErrPathEscape marks a path that resolves outside the project directory.
	ErrPathEscape = errors.New("path escapes project directory")
	// ErrNotFound marks a missing file, directory or substring target.
	ErrNotFound = errors.New("not found")
	// ErrBlocked marks a command rejected by the safety block-list.
	ErrBlocked = errors.New("command blocked")
	// ErrSchemaInvalid marks tool arguments that failed schema validation.
	ErrSchemaInvalid = errors.New("arguments do not match tool schema")
	// ErrToolTimeout marks a tool that exceeded its wall-clock budget.
	ErrToolTimeout = errors.New("tool timed out")
	// ErrNoEntryPoint marks a project with no recognizable start command.
	ErrNoEntryPoint = errors.New("no entry point found")
)

// ErrConflict marks a write that collides with an existing row, such as a
// second conversation for one project or a reused publish name.
var ErrConflict = errors.New("already exists")

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int    // seconds to wait before retry, when the server said so
	StatusCode int    // HTTP status code if applicable
	Message    string // model-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a transient error with a model-friendly message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with a model-friendly message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	return Classify(err).Retryable()
}

// IsPermanent reports whether an error must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	return !Classify(err).Retryable()
}

// FormatForLLM converts technical errors into actionable tool-result text the
// model can self-correct from.
func FormatForLLM(err error) string {
	if err == nil {
		return ""
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.Message != "" {
		return transientErr.Message
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.Message != "" {
		return permanentErr.Message
	}

	switch Classify(err) {
	case ClassConnectionRefused:
		return "The model endpoint refused the connection. Verify the endpoint URL in settings and that the service is running."
	case ClassTimeout:
		return "The request timed out. The operation may be too large; try breaking it into smaller steps."
	case ClassServerError:
		return "The model endpoint returned a server error. It is temporarily unavailable and the request will be retried automatically."
	case ClassContextOverflow:
		return "The conversation exceeded the model's context window. Older history will be trimmed and the request retried."
	case ClassToolTimeout:
		return "The tool ran past its time budget and was stopped. Partial output, if any, was captured."
	}

	errStr := err.Error()
	lowerErr := strings.ToLower(errStr)

	switch {
	case strings.Contains(lowerErr, "rate limit") || strings.Contains(lowerErr, "429"):
		return "API rate limit reached. The system retries with backoff; consider a less busy model."
	case strings.Contains(lowerErr, "unauthorized") || strings.Contains(lowerErr, "401"):
		return "Authentication failed. Check the API key configuration."
	case strings.Contains(lowerErr, "permission denied") || strings.Contains(lowerErr, "403"):
		return "Permission denied for this resource."
	case strings.Contains(lowerErr, "not found") || strings.Contains(lowerErr, "404"):
		return "Resource not found. Verify the path or identifier."
	}

	return errStr
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	return false
}
