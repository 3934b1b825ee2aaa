// Package retry turns classified stage failures into scheduling decisions.
// Policy is a pure function of (error kind, attempt count, budget), which
// keeps retry behavior testable and keeps exception handling out of the
// pipeline: the executor classifies, this package decides, the store and
// scheduler carry the decision out.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
)

// Decision is the scheduling outcome for one failed stage attempt.
type Decision int

const (
	// Requeue returns the trial to pending with a backoff delay; the stage
	// retry counter is incremented in the ledger.
	Requeue Decision = iota

	// ManualReview records the artifact for human inspection and stops the
	// trial without re-sampling the model.
	ManualReview

	// FailTrial moves the trial to terminal failed.
	FailTrial

	// AbortRun stops the whole run: every further call would fail the same
	// way (bad credentials, broken configuration).
	AbortRun
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case Requeue:
		return "requeue"
	case ManualReview:
		return "manual_review"
	case FailTrial:
		return "fail_trial"
	case AbortRun:
		return "abort_run"
	default:
		return "unknown"
	}
}

// Decide maps a classified failure to a scheduling decision.
// attempt is the number of retries already consumed for this stage.
func Decide(err error, attempt, maxRetries int) Decision {
	switch llmerrors.KindOf(err) {
	case llmerrors.KindFatal:
		return AbortRun
	case llmerrors.KindMalformed:
		// Never auto-retried: preserving the experimental record beats
		// recovering this trial.
		return ManualReview
	case llmerrors.KindBudgetExhausted:
		return FailTrial
	case llmerrors.KindTransient:
		if attempt >= maxRetries {
			return FailTrial
		}
		return Requeue
	default:
		if attempt >= maxRetries {
			return FailTrial
		}
		return Requeue
	}
}

// Backoff computes the delay before the next attempt: exponential growth
// with full jitter, capped at MaxInterval. Provider Retry-After guidance
// takes precedence when present. attempt counts retries already consumed,
// so the first requeue (attempt 0) waits roughly InitialInterval.
func Backoff(err error, attempt int, cfg config.RetryConfig) time.Duration {
	if after := llmerrors.RetryAfter(err); after > 0 {
		return after
	}

	base := cfg.InitialInterval
	if base <= 0 {
		base = time.Millisecond // minimum to prevent hot looping
	}
	multiplier := cfg.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	for i := 0; i < attempt; i++ {
		base = time.Duration(float64(base) * multiplier)
		if cfg.MaxInterval > 0 && base > cfg.MaxInterval {
			base = cfg.MaxInterval
			break
		}
	}

	if cfg.UseJitter {
		// Full jitter: uniform in (0, base]. Thread-safe via math/rand/v2.
		jitterMs := rand.Int64N(base.Milliseconds() + 1)
		jittered := time.Duration(jitterMs) * time.Millisecond
		if jittered <= 0 {
			jittered = base
		}
		return jittered
	}
	return base
}
