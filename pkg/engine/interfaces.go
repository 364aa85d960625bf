package engine

import (
	"context"
	"time"
)

// Provider converges intents of one kind against live system state.
type Provider interface {
	// Check compares the intent with the live state and returns the changes
	// needed to converge. An empty result means the entity is in sync.
	Check(ctx context.Context, intent *Intent) ([]Change, error)

	// Apply makes the changes returned by Check.
	Apply(ctx context.Context, intent *Intent, changes []Change) error
}

// Refresher is implemented by providers whose entities can be refreshed
// (restarted or reloaded) when a subscribed intent changes.
type Refresher interface {
	Refresh(ctx context.Context, intent *Intent) error
}

// ProviderRegistry resolves the provider for an intent kind.
type ProviderRegistry interface {
	Provider(kind IntentKind) (Provider, bool)
}

// ProviderMap is a static ProviderRegistry.
type ProviderMap map[IntentKind]Provider

// Provider implements ProviderRegistry.
func (m ProviderMap) Provider(kind IntentKind) (Provider, bool) {
	p, ok := m[kind]
	return p, ok
}

// RunRecorder persists convergence reports.
type RunRecorder interface {
	// RecordRun stores the report. Implementations must only commit
	// resource state for reports where Committed returns true.
	RecordRun(ctx context.Context, report *ConvergenceReport) error
}

// StateReader returns the desired-state hashes recorded by the last
// committed run for a host, keyed by intent ID.
type StateReader interface {
	ResourceHashes(ctx context.Context, host string) (map[string]string, error)
}

// EventPublisher publishes execution events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event is a timeline entry emitted during a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run that emitted the event.
	RunID string `json:"run_id"`

	// IntentID is the intent the event relates to, if any.
	IntentID string `json:"intent_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`
}

// MetricsRecorder receives run and intent measurements.
type MetricsRecorder interface {
	RecordRunStarted(host string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordIntentConvergence(kind, status string, duration time.Duration)
	RecordError(errorClass, errorCode string)
}

// ApplyOptions contains options for a convergence run.
type ApplyOptions struct {
	// Host names the target host; it scopes identifier locks and run records.
	Host string `json:"host,omitempty"`

	// User is the user that started the run.
	User string `json:"user,omitempty"`

	// DryRun checks every intent without applying changes.
	DryRun bool `json:"dry_run,omitempty"`

	// Timeout bounds the whole run. Past it the run is failed.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxParallel overrides the converger's worker count for this run.
	MaxParallel int `json:"max_parallel,omitempty"`

	// MaxRetries is the number of retries for retryable provider errors.
	MaxRetries int `json:"max_retries,omitempty"`

	// FailFast cancels the remaining levels after the first failed level.
	FailFast bool `json:"fail_fast,omitempty"`
}
