package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	miloerrors "milo/internal/errors"
)

// maxErrorBodyBytes bounds how much of an error response body travels
// inside the wrapped error. Provider error pages can be arbitrarily large.
const maxErrorBodyBytes = 4 * 1024

// wrapRequestError classifies transport-level failures (dial, DNS, TLS,
// deadline) into the retry taxonomy.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	switch miloerrors.Classify(err) {
	case miloerrors.ClassConnectionRefused:
		return miloerrors.NewTransientError(err,
			"The model endpoint refused the connection. Verify the endpoint URL in settings and that the service is running.")
	case miloerrors.ClassTimeout:
		return miloerrors.NewTransientError(err,
			"The request timed out. The operation may be too large; try breaking it into smaller steps.")
	default:
		return miloerrors.NewTransientError(err, fmt.Sprintf("Request to the model endpoint failed: %v.", err))
	}
}

// mapHTTPError converts a non-200 response into a taxonomy error. The
// response body rides along inside the wrapped cause so classification
// keys like context_length_exceeded stay visible to Classify.
func mapHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	text := strings.TrimSpace(string(body))
	underlying := fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, text)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		transient := miloerrors.NewTransientError(underlying,
			"API rate limit reached. Retrying with backoff.")
		transient.StatusCode = resp.StatusCode
		if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
			transient.RetryAfter = after
		}
		return transient

	case resp.StatusCode == http.StatusRequestTimeout:
		transient := miloerrors.NewTransientError(underlying,
			"The request timed out. The operation may be too large; try breaking it into smaller steps.")
		transient.StatusCode = resp.StatusCode
		return transient

	case resp.StatusCode >= 500:
		transient := miloerrors.NewTransientError(underlying,
			"The model endpoint returned a server error. It is temporarily unavailable and the request will be retried automatically.")
		transient.StatusCode = resp.StatusCode
		return transient

	case resp.StatusCode == http.StatusBadRequest &&
		miloerrors.Classify(underlying) == miloerrors.ClassContextOverflow:
		// Overflow wears a 400 on most providers. Keep it transient so the
		// trim-and-retry pass in the engine gets one more shot.
		transient := miloerrors.NewTransientError(underlying,
			"The conversation exceeded the model's context window. Older history will be trimmed and the request retried.")
		transient.StatusCode = resp.StatusCode
		return transient

	case resp.StatusCode == http.StatusUnauthorized:
		permanent := miloerrors.NewPermanentError(underlying,
			"Authentication failed. Check the API key configuration.")
		permanent.StatusCode = resp.StatusCode
		return permanent

	case resp.StatusCode == http.StatusForbidden:
		permanent := miloerrors.NewPermanentError(underlying,
			"Permission denied. This key cannot access the requested model.")
		permanent.StatusCode = resp.StatusCode
		return permanent

	case resp.StatusCode == http.StatusNotFound:
		permanent := miloerrors.NewPermanentError(underlying,
			"Model or endpoint not found. Verify the endpoint URL and model name.")
		permanent.StatusCode = resp.StatusCode
		return permanent

	default:
		permanent := miloerrors.NewPermanentError(underlying,
			fmt.Sprintf("The model endpoint rejected the request (HTTP %d).", resp.StatusCode))
		permanent.StatusCode = resp.StatusCode
		return permanent
	}
}

// mapAPIError converts an error object embedded in a 200 response body.
// Some gateways report upstream failures this way instead of via status.
func mapAPIError(apiErr *wireError) error {
	underlying := fmt.Errorf("llm: api error %s: %s", apiErr.Type, apiErr.Message)

	switch miloerrors.Classify(underlying) {
	case miloerrors.ClassContextOverflow:
		return miloerrors.NewTransientError(underlying,
			"The conversation exceeded the model's context window. Older history will be trimmed and the request retried.")
	case miloerrors.ClassServerError:
		return miloerrors.NewTransientError(underlying,
			"The model endpoint returned a server error. It is temporarily unavailable and the request will be retried automatically.")
	case miloerrors.ClassConnectionRefused, miloerrors.ClassTimeout:
		return miloerrors.NewTransientError(underlying, miloerrors.FormatForLLM(underlying))
	default:
		return miloerrors.NewPermanentError(underlying,
			fmt.Sprintf("The model endpoint reported an error: %s.", apiErr.Message))
	}
}
