package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

func TestKindOfTyped(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"provider error with explicit kind", &ProviderError{Kind: KindFatal}, KindFatal},
		{"provider 500", &ProviderError{StatusCode: 500}, KindTransient},
		{"provider 429", &ProviderError{StatusCode: 429}, KindTransient},
		{"provider 401", &ProviderError{StatusCode: 401}, KindFatal},
		{"provider 403", &ProviderError{StatusCode: 403}, KindFatal},
		{"provider 400", &ProviderError{StatusCode: 400}, KindFatal},
		{"provider 408", &ProviderError{StatusCode: 408}, KindTransient},
		{"rate limit", &RateLimitError{Provider: "p"}, KindTransient},
		{"config", &ConfigError{Message: "m"}, KindFatal},
		{"malformed", &MalformedOutputError{TrialID: 1, Stage: domain.StageFacts}, KindMalformed},
		{"budget exhausted", &BudgetExhaustedError{TrialID: 1}, KindBudgetExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := &ConfigError{Message: "bad key"}
	wrapped := fmt.Errorf("opening client: %w", inner)
	assert.Equal(t, KindFatal, KindOf(wrapped))
}

func TestKindOfSentinels(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(context.Canceled))
	assert.Equal(t, KindFatal, KindOf(fmt.Errorf("x: %w", ErrUnknownProvider)))
	assert.Equal(t, KindFatal, KindOf(fmt.Errorf("x: %w", ErrUnknownModel)))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("x: %w", ErrEmptyResponse)))
}

func TestKindOfMessagePatterns(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset by peer")))
	assert.Equal(t, KindTransient, KindOf(errors.New("Rate limit hit")))
	assert.Equal(t, KindFatal, KindOf(errors.New("invalid API key provided")))
	assert.Equal(t, KindFatal, KindOf(errors.New("403 Forbidden")))
	assert.Equal(t, KindTransient, KindOf(errors.New("something completely novel")),
		"unknown errors default to transient, bounded by the retry budget")
}

func TestRetryAfterExtraction(t *testing.T) {
	assert.Equal(t, 7*time.Second, RetryAfter(&ProviderError{RetryAfter: 7}))
	assert.Equal(t, 3*time.Second, RetryAfter(fmt.Errorf("wrapped: %w",
		error(&RateLimitError{RetryAfter: 3}))))
	assert.Zero(t, RetryAfter(&ProviderError{}))
	assert.Zero(t, RetryAfter(errors.New("plain")))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsTransient(&ProviderError{StatusCode: 503}))
	assert.False(t, IsTransient(&ConfigError{}))
	assert.True(t, IsFatal(&ConfigError{}))
	assert.False(t, IsFatal(nil))
}

func TestBudgetExhaustedUnwrap(t *testing.T) {
	cause := &ProviderError{StatusCode: 500, Message: "down"}
	err := &BudgetExhaustedError{TrialID: 1, Stage: domain.StageFacts, Attempts: 4, Cause: cause}

	var pe *ProviderError
	assert.True(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "4 attempts")
}
