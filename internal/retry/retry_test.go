package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
)

func TestDecide(t *testing.T) {
	transient := &llmerrors.ProviderError{StatusCode: 500, Message: "overloaded"}
	malformed := &llmerrors.MalformedOutputError{TrialID: 1, Stage: domain.StageFacts}
	fatal := &llmerrors.ConfigError{Message: "bad key"}
	exhausted := &llmerrors.BudgetExhaustedError{TrialID: 1, Stage: domain.StageFacts, Attempts: 4}

	cases := []struct {
		name    string
		err     error
		attempt int
		want    Decision
	}{
		{"transient under budget", transient, 0, Requeue},
		{"transient at last retry", transient, 2, Requeue},
		{"transient past budget", transient, 3, FailTrial},
		{"malformed never retries", malformed, 0, ManualReview},
		{"malformed past budget still review", malformed, 99, ManualReview},
		{"fatal aborts", fatal, 0, AbortRun},
		{"budget exhausted fails", exhausted, 1, FailTrial},
		{"unknown error treated as transient", errors.New("mystery"), 0, Requeue},
		{"unknown error past budget", errors.New("mystery"), 3, FailTrial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.err, tc.attempt, 3))
		})
	}
}

func TestBackoffExponentialGrowth(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
	err := errors.New("timeout")

	assert.Equal(t, time.Second, Backoff(err, 0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(err, 1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(err, 2, cfg))
	assert.Equal(t, 8*time.Second, Backoff(err, 3, cfg))
	// Capped at MaxInterval from here on.
	assert.Equal(t, 10*time.Second, Backoff(err, 4, cfg))
	assert.Equal(t, 10*time.Second, Backoff(err, 20, cfg))
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
	err := &llmerrors.RateLimitError{Provider: "p", RetryAfter: 30}

	// Provider guidance beats the computed schedule, including the cap.
	assert.Equal(t, 30*time.Second, Backoff(err, 0, cfg))
}

func TestBackoffJitterStaysWithinBase(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		UseJitter:       true,
	}
	err := errors.New("timeout")

	for i := 0; i < 100; i++ {
		d := Backoff(err, 2, cfg)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestBackoffDegenerateConfig(t *testing.T) {
	d := Backoff(errors.New("x"), 5, config.RetryConfig{})
	assert.Greater(t, d, time.Duration(0), "zero config must still back off a little")
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "manual_review", ManualReview.String())
	assert.Equal(t, "fail_trial", FailTrial.String())
	assert.Equal(t, "abort_run", AbortRun.String())
}
