package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// IsRetryableError classifies whether a step failure is worth retrying with
// the same inputs. Cancellation is never retried: it means the run is
// shutting down. Deterministic failures (bad definition, unresolved variable,
// invalid condition) are not retried either, since re-running the step with
// an unchanged variable store cannot change the outcome.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if lerr, ok := schema.AsError(err); ok {
		switch lerr.Code {
		case schema.ErrCodeCancelled,
			schema.ErrCodeDefinition,
			schema.ErrCodeCycle,
			schema.ErrCodeUnresolvedVar,
			schema.ErrCodeInvalidCondition,
			schema.ErrCodeInvalidTransition,
			schema.ErrCodeExtraction:
			return false
		}
		return true
	}

	// Unknown errors: retryable, the policy bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (zero-based).
// Supports none, constant, linear, and exponential growth over the base
// delay, with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	case schema.BackoffNone:
		return 0
	default: // constant, or unset with an explicit delay
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early when the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
