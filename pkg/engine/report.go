package engine

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// IntentResult is the outcome of one intent within a run.
type IntentResult struct {
	ID        string              `json:"id"`
	Kind      IntentKind          `json:"kind"`
	State     DesiredState        `json:"ensure"`
	Level     int                 `json:"level"`
	Status    IntentStatus        `json:"status"`
	Changes   []Change            `json:"changes,omitempty"`
	Refreshed bool                `json:"refreshed,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Duration  time.Duration       `json:"duration"`
	Hash      string              `json:"hash"`
	Error     *ConvergenceFailure `json:"error,omitempty"`
}

// ReportSummary counts intent outcomes.
type ReportSummary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// ConvergenceReport is the result of applying a resource set.
type ConvergenceReport struct {
	RunID       string            `json:"run_id"`
	Host        string            `json:"host,omitempty"`
	User        string            `json:"user,omitempty"`
	Status      RunStatus         `json:"status"`
	DryRun      bool              `json:"dry_run"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
	Summary     ReportSummary     `json:"summary"`
	Results     []*IntentResult   `json:"results"`
	Parameters  map[string]string `json:"parameters,omitempty"`

	// Error describes a run-level failure such as a missed deadline.
	Error string `json:"error,omitempty"`
}

// EffectiveChanges returns the number of intents that changed the system
// (or would have, in a dry run).
func (r *ConvergenceReport) EffectiveChanges() int {
	return r.Summary.Changed
}

// Result returns the result for an intent ID, or nil.
func (r *ConvergenceReport) Result(id string) *IntentResult {
	for _, res := range r.Results {
		if res.ID == id {
			return res
		}
	}
	return nil
}

// Failures returns the per-intent failures, including dependency skips.
func (r *ConvergenceReport) Failures() []*ConvergenceFailure {
	var out []*ConvergenceFailure
	for _, res := range r.Results {
		if res.Error != nil {
			out = append(out, res.Error)
		}
	}
	return out
}

// Err aggregates the per-intent failures into one error, or returns nil.
func (r *ConvergenceReport) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures() {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Committed reports whether the run's resource state may be persisted.
// Dry runs and failed or cancelled runs are never committed.
func (r *ConvergenceReport) Committed() bool {
	return !r.DryRun && (r.Status == RunStatusSucceeded || r.Status == RunStatusPartial)
}

// summarize recomputes the summary and the final status from the results.
func (r *ConvergenceReport) summarize() {
	s := ReportSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case IntentStatusChanged:
			s.Changed++
		case IntentStatusUnchanged:
			s.Unchanged++
		case IntentStatusFailed:
			s.Failed++
		case IntentStatusSkipped:
			s.Skipped++
		case IntentStatusCancelled, IntentStatusPending, IntentStatusRunning:
			s.Cancelled++
		}
	}
	r.Summary = s

	succeeded := s.Changed + s.Unchanged
	switch {
	case s.Failed > 0 && succeeded > 0:
		r.Status = RunStatusPartial
	case s.Failed > 0:
		r.Status = RunStatusFailed
	case s.Skipped > 0 || s.Cancelled > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusSucceeded
	}
}
