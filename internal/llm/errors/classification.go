package errors

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// KindOf classifies an arbitrary error into the retry taxonomy. Examines
// strongly-typed errors first, then sentinels, then falls back to message
// pattern matching for errors raised by untyped provider bindings.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	if kind, ok := kindOfTyped(err); ok {
		return kind
	}
	if kind, ok := kindOfSentinel(err); ok {
		return kind
	}
	return kindOfMessage(err)
}

// kindOfTyped handles strongly-typed error classification.
func kindOfTyped(err error) (Kind, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Kind != "" {
			return providerErr.Kind, true
		}
		return kindOfStatus(providerErr.StatusCode), true
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return KindTransient, true
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return KindFatal, true
	}

	var malformedErr *MalformedOutputError
	if errors.As(err, &malformedErr) {
		return KindMalformed, true
	}

	var budgetErr *BudgetExhaustedError
	if errors.As(err, &budgetErr) {
		return KindBudgetExhausted, true
	}

	return "", false
}

// kindOfSentinel handles sentinel and context error classification.
func kindOfSentinel(err error) (Kind, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// A bounded-wait timeout is transient by definition: nothing was
		// written, nothing was lost.
		return KindTransient, true
	case errors.Is(err, context.Canceled):
		return KindTransient, true
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrUnknownModel):
		return KindFatal, true
	case errors.Is(err, ErrEmptyResponse):
		return KindTransient, true
	}
	return "", false
}

// kindOfStatus maps HTTP status codes from provider responses.
func kindOfStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindFatal
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindFatal
	default:
		return KindTransient
	}
}

// kindOfMessage performs string pattern matching for untyped errors.
func kindOfMessage(err error) Kind {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"):
		return KindTransient
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "api key"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "permission"):
		return KindFatal
	default:
		// Unknown errors are treated as transient: a conservative default
		// for a non-idempotent dependency, bounded by the retry budget.
		return KindTransient
	}
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether the error should abort the whole run.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// RetryAfter extracts provider-specified retry timing, or zero.
func RetryAfter(err error) time.Duration {
	var p RetryAfterProvider
	if errors.As(err, &p) {
		return p.GetRetryAfter()
	}
	return 0
}
