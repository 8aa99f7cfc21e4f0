package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/convctl/conveyor/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"node deadline", context.DeadlineExceeded, true},
		{"cancelled context", context.Canceled, false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad config"), false},
		{"resolution error", schema.NewError(schema.ErrCodeResolution, "unknown node"), false},
		{"handler failure", schema.NewError(schema.ErrCodeHandlerFailure, "upstream 500"), true},
		{"non-retryable code", schema.NewError(schema.ErrCodeNonRetryable, "child failed"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 service unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	exponential := &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "1s"}
	assert.Equal(t, time.Second, ComputeBackoff(exponential, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(exponential, 1))
	assert.Equal(t, 8*time.Second, ComputeBackoff(exponential, 3))

	linear := &schema.RetryPolicy{Max: 5, Backoff: "linear", Delay: "2s"}
	assert.Equal(t, 2*time.Second, ComputeBackoff(linear, 0))
	assert.Equal(t, 6*time.Second, ComputeBackoff(linear, 2))

	constant := &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "3s"}
	assert.Equal(t, 3*time.Second, ComputeBackoff(constant, 4))

	capped := &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}
	assert.Equal(t, 5*time.Second, ComputeBackoff(capped, 6))

	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 2))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Max: 3}, 1))
}

func TestExecutionBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, ExecutionBackoff(0))
	assert.Equal(t, 4*time.Second, ExecutionBackoff(1))
	assert.Equal(t, 16*time.Second, ExecutionBackoff(3))
	assert.Equal(t, 5*time.Minute, ExecutionBackoff(20))
}
