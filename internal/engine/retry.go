package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/convctl/conveyor/pkg/schema"
)

const (
	// Execution-level retry defaults, used when the workflow sets none.
	defaultMaxAttempts      = 3
	defaultExecutionBackoff = 2 * time.Second
	maxExecutionBackoff     = 5 * time.Minute
)

// IsRetryableError classifies whether a node failure may be retried.
// Retryable: network errors, timeouts, transient transport failures.
// Non-retryable: validation and resolution errors, cancellation, and typed
// EngineErrors whose code says so.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A node deadline is retryable; a cancelled context means the worker is
	// shutting down or the execution was terminated.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default retryable; the policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay before a node's next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// ExecutionBackoff is the whole-execution retry delay: 2s doubling per
// attempt, capped at 5 minutes.
func ExecutionBackoff(attempt int) time.Duration {
	delay := defaultExecutionBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxExecutionBackoff {
			return maxExecutionBackoff
		}
	}
	return delay
}
