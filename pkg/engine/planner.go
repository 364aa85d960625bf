package engine

import (
	"context"
	"fmt"
	"sort"
)

// SetDiff compares a resource set with the desired state recorded by the
// last committed run.
type SetDiff struct {
	// Added lists intents that were not managed before.
	Added []string `json:"added,omitempty"`

	// Modified lists intents whose desired state changed.
	Modified []string `json:"modified,omitempty"`

	// Unmodified lists intents whose desired state is unchanged.
	Unmodified []string `json:"unmodified,omitempty"`

	// Orphaned lists previously managed intents the set no longer declares.
	// Nothing removes them; the resolver must emit absent intents instead.
	Orphaned []string `json:"orphaned,omitempty"`
}

// HasChanges returns true if the set differs from the recorded state.
func (d *SetDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Modified) > 0 || len(d.Orphaned) > 0
}

// String summarizes the diff.
func (d *SetDiff) String() string {
	return fmt.Sprintf("%d added, %d modified, %d unmodified, %d orphaned",
		len(d.Added), len(d.Modified), len(d.Unmodified), len(d.Orphaned))
}

// DiffHashes compares the set with recorded intent hashes.
func DiffHashes(set *ResourceSet, recorded map[string]string) *SetDiff {
	diff := &SetDiff{}
	declared := make(map[string]bool, set.Len())

	for _, intent := range set.intents {
		id := intent.ID()
		declared[id] = true

		prev, ok := recorded[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case prev != intent.Hash():
			diff.Modified = append(diff.Modified, id)
		default:
			diff.Unmodified = append(diff.Unmodified, id)
		}
	}

	for id := range recorded {
		if !declared[id] {
			diff.Orphaned = append(diff.Orphaned, id)
		}
	}
	sort.Strings(diff.Orphaned)

	return diff
}

// Planner compares a resource set with both recorded and live state.
type Planner struct {
	converger *Converger
	state     StateReader
}

// NewPlanner creates a planner. state may be nil when no store is configured.
func NewPlanner(converger *Converger, state StateReader) *Planner {
	return &Planner{converger: converger, state: state}
}

// PlanResult is the outcome of planning a resource set.
type PlanResult struct {
	// Report is the dry-run report against live state.
	Report *ConvergenceReport `json:"report"`

	// Diff is the comparison with the last committed run, nil without a store.
	Diff *SetDiff `json:"diff,omitempty"`
}

// HasChanges returns true if applying the set would change the host.
func (p *PlanResult) HasChanges() bool {
	return p.Report.EffectiveChanges() > 0 || p.Report.Summary.Failed > 0
}

// Plan performs a dry-run against live state and, when a state reader is
// configured, diffs the set against the last committed run for the host.
func (p *Planner) Plan(ctx context.Context, set *ResourceSet, opts ApplyOptions) (*PlanResult, error) {
	report, err := p.converger.Plan(ctx, set, opts)
	if err != nil {
		return nil, err
	}

	result := &PlanResult{Report: report}
	if p.state != nil {
		recorded, err := p.state.ResourceHashes(ctx, opts.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to read recorded state: %w", err)
		}
		result.Diff = DiffHashes(set, recorded)
	}

	return result, nil
}
