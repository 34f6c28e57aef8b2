package errors

import (
	"context"
	"errors"
	"strings"
)

// Class buckets model/transport failures for the retry policy. Each class
// carries its own retry budget.
type Class int

const (
	ClassUnknown Class = iota
	// ClassConnectionRefused covers unreachable endpoints.
	ClassConnectionRefused
	// ClassTimeout covers wall-clock and context deadline expiries.
	ClassTimeout
	// ClassServerError covers HTTP 5xx responses.
	ClassServerError
	// ClassContextOverflow covers context-window exhaustion; handled by
	// trimming history, not by plain backoff.
	ClassContextOverflow
	// ClassToolTimeout covers per-tool budgets.
	ClassToolTimeout
	// ClassPathEscape, ClassNotFound, ClassBlocked and ClassSchemaInvalid are
	// tool-level failures echoed to the model, never retried by the loop.
	ClassPathEscape
	ClassNotFound
	ClassBlocked
	ClassSchemaInvalid
)

func (c Class) String() string {
	switch c {
	case ClassConnectionRefused:
		return "connection_refused"
	case ClassTimeout:
		return "timeout"
	case ClassServerError:
		return "server_error"
	case ClassContextOverflow:
		return "context_overflow"
	case ClassToolTimeout:
		return "tool_timeout"
	case ClassPathEscape:
		return "path_escape"
	case ClassNotFound:
		return "not_found"
	case ClassBlocked:
		return "blocked"
	case ClassSchemaInvalid:
		return "schema_invalid"
	default:
		return "unknown"
	}
}

// RetryBudget returns how many retries the class earns before giving up.
func (c Class) RetryBudget() int {
	switch c {
	case ClassConnectionRefused:
		return 5
	case ClassTimeout:
		return 4
	case ClassServerError:
		return 6
	case ClassContextOverflow:
		return 1
	default:
		return 0
	}
}

// Retryable reports whether the loop should retry at all for this class.
func (c Class) Retryable() bool {
	return c.RetryBudget() > 0
}

var (
	connectionRefusedSignatures = []string{
		"econnrefused",
		"enotfound",
		"fetch failed",
		"connection refused",
		"no such host",
		"connection reset",
		"broken pipe",
	}
	timeoutSignatures = []string{
		"timeout",
		"timed out",
		"aborterror",
		"etimedout",
		"deadline exceeded",
	}
	serverErrorSignatures = []string{
		"status 500", "status 502", "status 503", "status 504",
		"http 500", "http 502", "http 503", "http 504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"overloaded",
	}
	contextOverflowSignatures = []string{
		"context length",
		"context_length_exceeded",
		"maximum context",
		"context window",
		"too long",
		"token limit",
		"tokens exceed",
	}
)

// Classify buckets err by sentinel identity first, then by textual signature.
// Textual matching is deliberate: upstream SDK and proxy errors arrive as
// strings with no wrapped types to inspect.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrPathEscape):
		return ClassPathEscape
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrBlocked):
		return ClassBlocked
	case errors.Is(err, ErrSchemaInvalid):
		return ClassSchemaInvalid
	case errors.Is(err, ErrToolTimeout):
		return ClassToolTimeout
	}

	lower := chainText(err)

	// Overflow first: "context deadline" would otherwise shadow
	// "context length" style messages under the timeout signatures.
	for _, sig := range contextOverflowSignatures {
		if strings.Contains(lower, sig) {
			return ClassContextOverflow
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	for _, sig := range serverErrorSignatures {
		if strings.Contains(lower, sig) {
			return ClassServerError
		}
	}

	for _, sig := range connectionRefusedSignatures {
		if strings.Contains(lower, sig) {
			return ClassConnectionRefused
		}
	}

	for _, sig := range timeoutSignatures {
		if strings.Contains(lower, sig) {
			return ClassTimeout
		}
	}

	if isNetworkError(err) {
		return ClassConnectionRefused
	}

	return ClassUnknown
}

// chainText lowercases the messages of err and every wrapped cause. Wrapper
// types substitute friendly text in Error(), which would otherwise hide the
// signatures carried by the underlying transport error.
func chainText(err error) string {
	var parts []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		parts = append(parts, e.Error())
	}
	return strings.ToLower(strings.Join(parts, " | "))
}
