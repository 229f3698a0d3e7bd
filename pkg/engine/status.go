package engine

import (
	"encoding/json"
	"fmt"
)

// RunState is the lifecycle state of an engine run.
type RunState string

const (
	// RunStateNotStarted indicates no run has started yet.
	RunStateNotStarted RunState = "not_started"

	// RunStateInitializing indicates rules are being bound and initialized.
	RunStateInitializing RunState = "initializing"

	// RunStateRunning indicates rules are executing.
	RunStateRunning RunState = "running"

	// RunStateDone indicates the run returned, successfully or not.
	RunStateDone RunState = "done"
)

// IsActive returns true if a run is in progress.
func (s RunState) IsActive() bool {
	return s == RunStateInitializing || s == RunStateRunning
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateNotStarted, RunStateInitializing, RunStateRunning, RunStateDone:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := RunState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// RunMode distinguishes Run from RunAsync.
type RunMode string

const (
	RunModeSync  RunMode = "sync"
	RunModeAsync RunMode = "async"
)

// Lane identifies how a rule was scheduled.
type Lane string

const (
	// LaneSequential runs rules one at a time on the caller's goroutine.
	LaneSequential Lane = "sequential"

	// LaneParallel runs rules on their own goroutine.
	LaneParallel Lane = "parallel"
)

// RuleStatus is the outcome of considering a rule during a run.
type RuleStatus string

const (
	RuleStatusSucceeded RuleStatus = "succeeded"
	RuleStatusFailed    RuleStatus = "failed"
	RuleStatusSkipped   RuleStatus = "skipped"
)

// SkipReason says why the gate rejected a rule.
type SkipReason string

const (
	SkipReasonFlag       SkipReason = "skip"
	SkipReasonConstraint SkipReason = "constraint"
	SkipReasonTerminated SkipReason = "terminated"
)
