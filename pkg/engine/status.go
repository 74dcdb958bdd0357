package engine

import (
	"encoding/json"
	"fmt"
)

// SchedulerState is the state of a RetryScheduler run.
type SchedulerState string

const (
	// StateRunning indicates rounds are still being driven.
	StateRunning SchedulerState = "running"

	// StateSucceeded indicates a round finished with no failures.
	StateSucceeded SchedulerState = "succeeded"

	// StateExhausted indicates the retry budget ran out with failures left.
	StateExhausted SchedulerState = "exhausted"

	// StateInterrupted indicates the run was cancelled before it could finish.
	StateInterrupted SchedulerState = "interrupted"
)

// IsTerminal returns true if the state is final.
func (s SchedulerState) IsTerminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateInterrupted
}

// IsActive returns true while rounds are still being driven.
func (s SchedulerState) IsActive() bool {
	return s == StateRunning
}

// HasFailures returns true for terminal states that leave failed hosts behind.
func (s SchedulerState) HasFailures() bool {
	return s == StateExhausted || s == StateInterrupted
}

// Validate checks if the scheduler state is valid.
func (s SchedulerState) Validate() error {
	switch s {
	case StateRunning, StateSucceeded, StateExhausted, StateInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid scheduler state: %s", s)
	}
}

// Validate checks if the result kind is valid.
func (k ResultKind) Validate() error {
	switch k {
	case ResultSucceeded, ResultStagingFailed, ResultInstallFailed, ResultExecutionFailed:
		return nil
	default:
		return fmt.Errorf("invalid result kind: %s", k)
	}
}

// EventType represents the type of a run timeline event.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run reached a terminal state.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRoundStarted indicates a round has started.
	EventTypeRoundStarted EventType = "round_started"

	// EventTypeRoundCompleted indicates a round has finished.
	EventTypeRoundCompleted EventType = "round_completed"

	// EventTypeHostStaging indicates the copy to a host has started.
	EventTypeHostStaging EventType = "host_staging"

	// EventTypeHostInstalling indicates the install command has been issued.
	EventTypeHostInstalling EventType = "host_installing"

	// EventTypeHostCleanup indicates the staged folder removal has been attempted.
	EventTypeHostCleanup EventType = "host_cleanup"

	// EventTypeHostCompleted indicates a host operation produced a result.
	EventTypeHostCompleted EventType = "host_completed"

	// EventTypeDelay indicates the scheduler is waiting between rounds.
	EventTypeDelay EventType = "delay"

	// EventTypeWarning indicates a warning condition.
	EventTypeWarning EventType = "warning"
)

// Validate checks if the event type is valid.
func (e EventType) Validate() error {
	switch e {
	case EventTypeRunStarted, EventTypeRunCompleted, EventTypeRoundStarted,
		EventTypeRoundCompleted, EventTypeHostStaging, EventTypeHostInstalling,
		EventTypeHostCleanup, EventTypeHostCompleted, EventTypeDelay, EventTypeWarning:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", e)
	}
}

// MarshalJSON implements custom JSON marshaling for SchedulerState.
func (s SchedulerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling for SchedulerState.
func (s *SchedulerState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := SchedulerState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// MarshalJSON implements custom JSON marshaling for ResultKind.
func (k ResultKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling for ResultKind.
func (k *ResultKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	kind := ResultKind(str)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}
