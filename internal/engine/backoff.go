package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomrun/loom/pkg/schema"
)

// IsRetryable classifies whether a handler error is worth another attempt
// under the step's retry policy. Contract violations are not: feeding the
// same bad input back to a handler cannot succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the instance is being torn down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var le *schema.LoomError
	if errors.As(err, &le) {
		switch le.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound,
			schema.ErrCodeInvalidTransition, schema.ErrCodeConflict,
			schema.ErrCodeDefinition, schema.ErrCodeExpression,
			schema.ErrCodeCancelled:
			return false
		case schema.ErrCodeStepFailed:
			// A deliberate failure (assertion, flow.fail, HTTP status
			// policy) is an outcome, not a fault.
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry attempt n (0-based count of
// failures so far), per the step's policy.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				delay = policy.MaxDelay
				break
			}
		}
	case schema.BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the delay, returning early with the context
// error on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
