package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError represents an execution budget that ran out before the action
// reached a terminal verdict.
type TimeoutError struct {
	RequestID string        // ID of the request that timed out
	Budget    time.Duration // Budget that was exhausted
	Context   string        // Additional context about what was happening (optional)
	Timestamp time.Time     // When the timeout occurred
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(requestID string, budget time.Duration, context string) *TimeoutError {
	return &TimeoutError{
		RequestID: requestID,
		Budget:    budget,
		Context:   context,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("action %s: timeout after %v", e.RequestID, e.Budget))
	if e.Context != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Context))
	}
	return sb.String()
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// StrategyError represents a failure of the isolation strategy itself, as
// opposed to the driver call it was running: the runner binary could not be
// spawned, the child died without producing a report, and so on.
type StrategyError struct {
	Mode      Mode      // Strategy that failed
	Op        string    // Operation that failed ("spawn", "decode report", ...)
	Err       error     // Underlying error (optional)
	Timestamp time.Time // When the failure occurred
}

// NewStrategyError creates a new StrategyError with the current timestamp.
func NewStrategyError(mode Mode, op string, err error) *StrategyError {
	return &StrategyError{
		Mode:      mode,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for StrategyError.
func (e *StrategyError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s strategy: %s failed", e.Mode, e.Op))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *StrategyError) Unwrap() error {
	return e.Err
}

// BatchError aggregates the failures of a batch run. It is returned by
// callers that need a single error summarizing which actions did not succeed.
type BatchError struct {
	Total    int            // Total number of actions attempted
	Failures []*BatchResult // Results of the actions that failed
}

// NewBatchError builds a BatchError from a batch summary, returning nil when
// every action succeeded.
func NewBatchError(summary *BatchSummary) *BatchError {
	if summary == nil {
		return nil
	}
	be := &BatchError{Total: summary.Total}
	for i := range summary.Results {
		r := &summary.Results[i]
		if r.Result != nil && !r.Result.Success {
			be.Failures = append(be.Failures, r)
		}
	}
	if len(be.Failures) == 0 {
		return nil
	}
	return be
}

// Error implements the error interface for BatchError.
func (e *BatchError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d/%d actions failed", len(e.Failures), e.Total))
	for _, f := range e.Failures {
		sb.WriteString(fmt.Sprintf("\n  - %s: [%s] %s", f.Request.Describe(), f.Result.ErrorKind, f.Result.Detail))
	}
	return sb.String()
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsStrategyError checks if the error is or wraps a StrategyError.
func IsStrategyError(err error) bool {
	if err == nil {
		return false
	}
	var se *StrategyError
	return errors.As(err, &se)
}
