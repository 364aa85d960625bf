package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusPending indicates the run is prepared but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every intent converged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed as a whole, including a missed deadline.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some intents converged while others failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// IntentStatus represents the outcome of one intent within a run.
type IntentStatus string

const (
	// IntentStatusPending indicates the intent is waiting to execute.
	IntentStatusPending IntentStatus = "pending"

	// IntentStatusRunning indicates the intent is currently being converged.
	IntentStatusRunning IntentStatus = "running"

	// IntentStatusUnchanged indicates the system already matched the intent.
	IntentStatusUnchanged IntentStatus = "unchanged"

	// IntentStatusChanged indicates the intent was applied (or would be, in a dry run).
	IntentStatusChanged IntentStatus = "changed"

	// IntentStatusFailed indicates the provider could not converge the intent.
	IntentStatusFailed IntentStatus = "failed"

	// IntentStatusSkipped indicates a dependency failed so the intent was not attempted.
	IntentStatusSkipped IntentStatus = "skipped"

	// IntentStatusCancelled indicates the run ended before the intent was attempted.
	IntentStatusCancelled IntentStatus = "cancelled"
)

// IsTerminal returns true if the intent status represents a final state.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusUnchanged || s == IntentStatusChanged ||
		s == IntentStatusFailed || s == IntentStatusSkipped || s == IntentStatusCancelled
}

// Succeeded returns true if dependents may proceed.
func (s IntentStatus) Succeeded() bool {
	return s == IntentStatusUnchanged || s == IntentStatusChanged
}

// Validate checks if the intent status is valid.
func (s IntentStatus) Validate() error {
	switch s {
	case IntentStatusPending, IntentStatusRunning, IntentStatusUnchanged,
		IntentStatusChanged, IntentStatusFailed, IntentStatusSkipped, IntentStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid intent status: %s", s)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeIntentChanged indicates an intent was applied.
	EventTypeIntentChanged EventType = "intent_changed"

	// EventTypeIntentFailed indicates an intent failed to converge.
	EventTypeIntentFailed EventType = "intent_failed"

	// EventTypeIntentRefreshed indicates a subscribed intent was refreshed.
	EventTypeIntentRefreshed EventType = "intent_refreshed"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeIntentFailed:
		return "error"
	case EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s IntentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *IntentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = IntentStatus(str)
	return s.Validate()
}
