// Package errors defines the typed failure taxonomy for external model
// calls. Every error that crosses the pipeline-executor boundary is
// classified into one of four kinds — transient, malformed, budget
// exhausted, fatal — so retry policy is a pure function of (kind, attempt)
// rather than scattered exception handling.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// Kind is the coarse classification driving retry policy.
type Kind string

const (
	// KindTransient covers timeouts, rate limits, network failures, and
	// provider overload: retried with jittered exponential backoff up to
	// the per-stage budget.
	KindTransient Kind = "transient"

	// KindMalformed covers responses that were received but did not parse
	// cleanly. Never auto-retried: re-sampling the model would silently
	// corrupt the experimental record. Flagged for manual review instead.
	KindMalformed Kind = "malformed"

	// KindBudgetExhausted covers trials whose per-stage retry budget ran
	// out; the trial goes terminal failed.
	KindBudgetExhausted Kind = "budget_exhausted"

	// KindFatal covers authentication and configuration failures that make
	// every subsequent call pointless: the whole run aborts.
	KindFatal Kind = "fatal"
)

// Sentinel errors shared across the client boundary.
var (
	// ErrUnknownProvider indicates a model mapped to an unconfigured provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel indicates a request for a model absent from the run
	// configuration.
	ErrUnknownModel = errors.New("unknown model")

	// ErrEmptyResponse indicates the provider returned no text at all.
	ErrEmptyResponse = errors.New("empty provider response")
)

// RetryAfterProvider is implemented by errors that carry provider-specified
// retry timing, letting backoff honor Retry-After guidance.
type RetryAfterProvider interface {
	GetRetryAfter() time.Duration
}

// ProviderError captures a structured failure from a model provider.
// Includes HTTP status and retry timing so classification and backoff can
// act without re-parsing provider payloads.
type ProviderError struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Kind       Kind   `json:"kind"`
	RetryAfter int    `json:"retry_after"` // Retry-After value in seconds.
}

// Error returns the formatted provider error with status context.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// GetRetryAfter implements RetryAfterProvider.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// RateLimitError provides rate limit context for backoff calculation,
// covering both provider-reported limits and the local token buckets.
type RateLimitError struct {
	Provider   string `json:"provider"`
	RetryAfter int    `json:"retry_after"` // Seconds to wait before retry.
	Limit      int    `json:"limit"`
	LocalLimit bool   `json:"local_limit"`
}

// Error returns the formatted rate limit error with retry guidance.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %d seconds", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Provider)
}

// GetRetryAfter implements RetryAfterProvider.
func (e *RateLimitError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ConfigError indicates a misconfiguration (bad credentials, unknown
// provider, invalid endpoint) that aborts the whole run immediately.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error returns the formatted configuration error.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// MalformedOutputError indicates a response that was received and captured
// but did not parse to a usable record. It carries the artifact reference so
// the manual-review queue can address the raw text directly.
type MalformedOutputError struct {
	TrialID     int64              `json:"trial_id"`
	Stage       domain.Stage       `json:"stage"`
	ParseStatus domain.ParseStatus `json:"parse_status"`
	RawRef      domain.ArtifactRef `json:"raw_ref"`
	Note        string             `json:"note"`
}

// Error returns the formatted malformed-output error.
func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output for trial %d (%s): %s",
		e.Stage, e.TrialID, e.ParseStatus, e.Note)
}

// BudgetExhaustedError indicates a stage ran out of transient-failure
// retries; the wrapped cause is the final attempt's error.
type BudgetExhaustedError struct {
	TrialID  int64        `json:"trial_id"`
	Stage    domain.Stage `json:"stage"`
	Attempts int          `json:"attempts"`
	Cause    error        `json:"-"`
}

// Error returns the formatted budget-exhaustion error.
func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted for trial %d stage %s after %d attempts: %v",
		e.TrialID, e.Stage, e.Attempts, e.Cause)
}

// Unwrap exposes the final attempt's error to errors.Is/As.
func (e *BudgetExhaustedError) Unwrap() error { return e.Cause }
