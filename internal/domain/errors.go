// Copyright 2025 James Ross
package domain

import "errors"

// Sentinel errors surfaced by dispatch-core components. Callers classify
// these per spec §7 into validation, transient, or permanent outcomes.
var (
	ErrDeploymentNotFound   = errors.New("deployment_not_found")
	ErrMachineNotFound      = errors.New("machine_not_found")
	ErrInvalidStagingGroup  = errors.New("invalid_staging_group")
	ErrMachineQueueFull     = errors.New("machine_queue_full")
	ErrNoAvailableMachines  = errors.New("no_available_machines")
	ErrNoWaitingJobs        = errors.New("no_waiting_jobs")
	ErrRunNotFound          = errors.New("run_not_found")
	ErrJobNotFound          = errors.New("job_not_found")
	ErrInvalidToken         = errors.New("invalid_lock_token")
	ErrMaxRetriesExceeded   = errors.New("max_retries_exceeded")
)

// nonRetryableSubstrings is the fixed, case-insensitive classification set
// from spec §4.5. A failed callback whose error type or message contains
// any of these is terminal, never scheduled for execution-level retry.
var nonRetryableSubstrings = []string{
	"value_error",
	"node_not_found",
	"invalid_workflow",
	"missing_node",
	"invalid_input",
	"type_error",
}

// NonRetryableSubstrings returns the fixed classification set. Exposed as a
// function (not a package var) so callers cannot mutate the underlying slice.
func NonRetryableSubstrings() []string {
	out := make([]string, len(nonRetryableSubstrings))
	copy(out, nonRetryableSubstrings)
	return out
}
