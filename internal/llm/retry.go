package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milo/internal/agent/ports"
	miloerrors "milo/internal/errors"
	"milo/internal/logging"
)

// RetryingClient wraps a streaming client with class-aware retries. Each
// failure class carries its own budget; context-window overflow is never
// retried here because the engine must trim history before reissuing.
type RetryingClient struct {
	underlying ports.StreamingLLMClient
	config     miloerrors.RetryConfig
	logger     logging.Logger
	notify     func(class string)
}

var (
	_ ports.StreamingLLMClient = (*RetryingClient)(nil)
	_ ports.ModelProber        = (*RetryingClient)(nil)
)

// NewRetryingClient wraps underlying with default retry pacing.
func NewRetryingClient(underlying ports.StreamingLLMClient, logger logging.Logger) *RetryingClient {
	return &RetryingClient{
		underlying: underlying,
		config:     miloerrors.DefaultRetryConfig(),
		logger:     logging.OrNop(logger),
	}
}

// WithRetryNotifier registers fn to run before each backoff sleep, keyed by
// the failure class. The observability layer counts retries through it.
func (c *RetryingClient) WithRetryNotifier(fn func(class string)) *RetryingClient {
	c.notify = fn
	return c
}

// Model returns the underlying model name.
func (c *RetryingClient) Model() string {
	return c.underlying.Model()
}

// Complete retries buffered completions within the failing class's budget.
func (c *RetryingClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	return retryByClass(ctx, c.config, c.logger, c.notify, func(ctx context.Context) (*ports.CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	})
}

// StreamComplete retries opening the stream within the failing class's
// budget. Once any delta has reached the caller the stream is never
// reissued; a retry would duplicate partial output.
func (c *RetryingClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	delivered := false
	wrapped := ports.CompletionStreamCallbacks{
		OnContent: func(delta string) {
			delivered = true
			if callbacks.OnContent != nil {
				callbacks.OnContent(delta)
			}
		},
		OnToolCall: func(call ports.ToolCall) {
			delivered = true
			if callbacks.OnToolCall != nil {
				callbacks.OnToolCall(call)
			}
		},
	}

	return retryByClass(ctx, c.config, c.logger, c.notify, func(ctx context.Context) (*ports.CompletionResponse, error) {
		resp, err := c.underlying.StreamComplete(ctx, req, wrapped)
		if err != nil && delivered {
			return nil, miloerrors.NewPermanentError(err,
				miloerrors.FormatForLLM(err))
		}
		return resp, err
	})
}

// Probe forwards to the underlying prober without retries; the settings
// flow wants an immediate verdict.
func (c *RetryingClient) Probe(ctx context.Context) ([]ports.ModelInfo, error) {
	prober, ok := c.underlying.(ports.ModelProber)
	if !ok {
		return nil, fmt.Errorf("llm: underlying client cannot list models")
	}
	return prober.Probe(ctx)
}

// retryByClass runs fn, re-evaluating the retry budget from the class of
// each failure. Unknown transient errors fall back to the default budget.
func retryByClass[T any](ctx context.Context, cfg miloerrors.RetryConfig, logger logging.Logger, notify func(string), fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("llm request succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		if !miloerrors.IsTransient(err) {
			return zero, err
		}

		class := miloerrors.Classify(err)
		if class == miloerrors.ClassContextOverflow {
			// Reissuing the identical request would overflow again; the
			// engine trims history and retries at its own level.
			return zero, err
		}

		budget := class.RetryBudget()
		if budget <= 0 {
			budget = cfg.MaxAttempts
		}
		if attempt >= budget {
			logger.Warn("llm retries exhausted (%s, %d attempts): %v", class, attempt+1, err)
			return zero, fmt.Errorf("max retries exceeded: %w", err)
		}

		delay := miloerrors.Backoff(attempt, cfg)
		if after := retryAfterHint(err); after > delay {
			delay = after
		}
		logger.Debug("llm attempt %d failed (%s), retrying in %v: %v", attempt+1, class, delay, err)
		if notify != nil {
			notify(class.String())
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func retryAfterHint(err error) time.Duration {
	var transient *miloerrors.TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		return time.Duration(transient.RetryAfter) * time.Second
	}
	return 0
}
