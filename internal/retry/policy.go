// Copyright 2025 James Ross
// Package retry classifies and schedules the two orthogonal retry surfaces
// named in spec §4.5: queue-level (transient, dispatcher-side) and
// execution-level (callback-side, permanent-vs-transient classification).
package retry

import (
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
)

// QueuePolicy governs dispatcher-side re-queue of jobs that failed to
// admit or start for transient reasons. The spec permits either a flat
// delay or staged backoff; this implementation chooses the flat delay
// (documented in DESIGN.md).
type QueuePolicy struct {
	Delay      time.Duration
	MaxRetries int
}

func NewQueuePolicy(delay time.Duration, maxRetries int) QueuePolicy {
	return QueuePolicy{Delay: delay, MaxRetries: maxRetries}
}

// NextDelay returns the flat re-queue delay regardless of attempt count.
func (p QueuePolicy) NextDelay(attemptsMade int) time.Duration {
	return p.Delay
}

// Exhausted reports whether attemptsMade has used up the retry budget.
func (p QueuePolicy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxRetries
}

// ExecutionPolicy governs callback-side retry of a Run whose terminal
// callback reported failure.
type ExecutionPolicy struct {
	Enabled bool
	Delay   time.Duration
}

func NewExecutionPolicy(enabled bool, delay time.Duration) ExecutionPolicy {
	return ExecutionPolicy{Enabled: enabled, Delay: delay}
}

// IsRetryable classifies a failure's error type/message against the fixed,
// case-insensitive non-retryable substring set (spec §4.5). Anything not
// matching that set is retryable.
func IsRetryable(errType, errMessage string) bool {
	haystack := strings.ToLower(errType + " " + errMessage)
	for _, s := range domain.NonRetryableSubstrings() {
		if strings.Contains(haystack, s) {
			return false
		}
	}
	return true
}

// ShouldRetryExecution decides whether a failed run qualifies for an
// execution-level retry per spec §4.6 step 3: the policy must be enabled,
// the run must still have retry budget, and the failure must classify as
// retryable.
func (p ExecutionPolicy) ShouldRetryExecution(run domain.Run, errType, errMessage string) bool {
	if !p.Enabled {
		return false
	}
	if run.RetryCount >= run.MaxRetries {
		return false
	}
	return IsRetryable(errType, errMessage)
}
