package stores

import (
	"context"
	"errors"
	"time"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Run is a recorded convergence run.
type Run struct {
	ID          string               `json:"id"`
	Host        string               `json:"host"`
	User        string               `json:"user,omitempty"`
	Status      engine.RunStatus     `json:"status"`
	DryRun      bool                 `json:"dry_run"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Duration    time.Duration        `json:"duration"`
	Summary     engine.ReportSummary `json:"summary"`
	Error       *string              `json:"error,omitempty"`
	Parameters  map[string]string    `json:"parameters,omitempty"`
}

// IntentResult is one intent's outcome within a recorded run.
type IntentResult struct {
	RunID     string              `json:"run_id"`
	IntentID  string              `json:"intent_id"`
	Kind      engine.IntentKind   `json:"kind"`
	Ensure    engine.DesiredState `json:"ensure"`
	Level     int                 `json:"level"`
	Status    engine.IntentStatus `json:"status"`
	Attempts  int                 `json:"attempts"`
	Refreshed bool                `json:"refreshed"`
	Changes   []engine.Change     `json:"changes,omitempty"`
	Hash      string              `json:"hash"`
	Error     *string             `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

// ResourceState is the desired-state hash last committed for an intent on
// a host.
type ResourceState struct {
	Host        string            `json:"host"`
	IntentID    string            `json:"intent_id"`
	Kind        engine.IntentKind `json:"kind"`
	Hash        string            `json:"hash"`
	LastRunID   string            `json:"last_run_id"`
	LastApplied time.Time         `json:"last_applied"`
}

// RunFilter selects runs for ListRuns. Zero values match everything.
type RunFilter struct {
	Host   string
	Status engine.RunStatus
	Limit  int
	Offset int
}

// Store persists run history and the resource state used for drift
// detection. It implements engine.RunRecorder, engine.StateReader and
// engine.EventPublisher.
type Store interface {
	engine.RunRecorder
	engine.StateReader
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run history
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListIntentResults(ctx context.Context, runID string) ([]*IntentResult, error)
	DeleteRun(ctx context.Context, id string) error

	// Events
	GetEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error)

	// Resource state
	ListResourceStates(ctx context.Context, host string) ([]*ResourceState, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store = (*SQLiteStore)(nil)
)
