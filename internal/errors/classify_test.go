package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Signatures(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("dial tcp 127.0.0.1:8000: connect: connection refused"), ClassConnectionRefused},
		{errors.New("Get \"http://models\": fetch failed"), ClassConnectionRefused},
		{errors.New("lookup api.example.com: no such host"), ClassConnectionRefused},
		{errors.New("request timed out after 120s"), ClassTimeout},
		{errors.New("AbortError: aborted"), ClassTimeout},
		{errors.New("unexpected status 503: service unavailable"), ClassServerError},
		{errors.New("HTTP 502 Bad Gateway"), ClassServerError},
		{errors.New("this model's maximum context length is 128000 tokens"), ClassContextOverflow},
		{errors.New("prompt is too long: 210000 tokens exceed the limit"), ClassContextOverflow},
		{errors.New("something else entirely"), ClassUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "error %q", tc.err)
	}
}

func TestClassify_SentinelsBeforeText(t *testing.T) {
	err := fmt.Errorf("read_file: %w: timeout.txt", ErrNotFound)
	assert.Equal(t, ClassNotFound, Classify(err))

	assert.Equal(t, ClassPathEscape, Classify(ErrPathEscape))
	assert.Equal(t, ClassBlocked, Classify(ErrBlocked))
	assert.Equal(t, ClassSchemaInvalid, Classify(ErrSchemaInvalid))
	assert.Equal(t, ClassToolTimeout, Classify(ErrToolTimeout))
}

func TestClassify_ContextOverflowBeatsDeadline(t *testing.T) {
	// "context length" must not be swallowed by the timeout bucket.
	err := errors.New("invalid_request_error: context length exceeded")
	assert.Equal(t, ClassContextOverflow, Classify(err))

	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
}

func TestClass_RetryBudgets(t *testing.T) {
	assert.Equal(t, 5, ClassConnectionRefused.RetryBudget())
	assert.Equal(t, 4, ClassTimeout.RetryBudget())
	assert.Equal(t, 6, ClassServerError.RetryBudget())
	assert.Equal(t, 1, ClassContextOverflow.RetryBudget())
	assert.Equal(t, 0, ClassBlocked.RetryBudget())
	assert.False(t, ClassPathEscape.Retryable())
}

func TestIsTransient_WrappersWin(t *testing.T) {
	plain := errors.New("weird failure")
	assert.False(t, IsTransient(plain))
	assert.True(t, IsTransient(NewTransientError(plain, "try again")))
	assert.False(t, IsTransient(NewPermanentError(errors.New("connection refused"), "stop")))
}

func TestFormatForLLM(t *testing.T) {
	assert.Equal(t, "", FormatForLLM(nil))
	assert.Equal(t, "custom hint", FormatForLLM(NewPermanentError(errors.New("x"), "custom hint")))

	msg := FormatForLLM(errors.New("connect: connection refused"))
	assert.Contains(t, msg, "endpoint")

	msg = FormatForLLM(errors.New("maximum context length exceeded"))
	assert.Contains(t, msg, "trimmed")
}

func TestRetryWithResult_StopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Factor:      1.5,
		MaxDelay:    5 * time.Millisecond,
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(errors.New("bad request"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult_RetriesTransient(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Factor:      1.5,
		MaxDelay:    5 * time.Millisecond,
	}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		t.Fatal("fn was not expected to run")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 2 * time.Second, Factor: 1.5, MaxDelay: 20 * time.Second}

	first := Backoff(0, cfg)
	assert.Equal(t, 2*time.Second, first)

	for attempt := 0; attempt < 12; attempt++ {
		d := Backoff(attempt, cfg)
		assert.LessOrEqual(t, d, 20*time.Second)
		assert.GreaterOrEqual(t, d, 2*time.Second)
	}

	jittered := RetryConfig{BaseDelay: 2 * time.Second, Factor: 1.5, MaxDelay: 20 * time.Second, JitterFactor: 0.5}
	for i := 0; i < 50; i++ {
		d := Backoff(0, jittered)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
