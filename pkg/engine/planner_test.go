package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// mockStateReader returns fixed hashes per host.
type mockStateReader struct {
	hashes map[string]map[string]string
	err    error
	hosts  []string
}

func (m *mockStateReader) ResourceHashes(ctx context.Context, host string) (map[string]string, error) {
	m.hosts = append(m.hosts, host)
	if m.err != nil {
		return nil, m.err
	}
	return m.hashes[host], nil
}

func recordedHashes(set *ResourceSet) map[string]string {
	out := make(map[string]string, set.Len())
	for _, i := range set.Intents() {
		out[i.ID()] = i.Hash()
	}
	return out
}

func TestDiffHashes(t *testing.T) {
	set := sampleSet(t)
	recorded := recordedHashes(set)

	diff := DiffHashes(set, recorded)
	if diff.HasChanges() {
		t.Fatalf("identical state reported changes: %s", diff)
	}
	if len(diff.Unmodified) != set.Len() {
		t.Errorf("Unmodified = %d, want %d", len(diff.Unmodified), set.Len())
	}

	recorded["File[/tftpboot/map-file]"] = "stale"
	recorded["File[/tftpboot/pxelinux.0]"] = "gone"
	recorded["Service[xinetd]"] = "gone"
	delete(recorded, "Package[tftp-server]")

	diff = DiffHashes(set, recorded)
	if !diff.HasChanges() {
		t.Fatal("changed state reported no changes")
	}
	if want := []string{"Package[tftp-server]"}; !reflect.DeepEqual(diff.Added, want) {
		t.Errorf("Added = %v, want %v", diff.Added, want)
	}
	if want := []string{"File[/tftpboot/map-file]"}; !reflect.DeepEqual(diff.Modified, want) {
		t.Errorf("Modified = %v, want %v", diff.Modified, want)
	}
	if want := []string{"File[/tftpboot/pxelinux.0]", "Service[xinetd]"}; !reflect.DeepEqual(diff.Orphaned, want) {
		t.Errorf("Orphaned = %v, want %v (sorted)", diff.Orphaned, want)
	}
	if got := diff.String(); got != "1 added, 1 modified, 3 unmodified, 2 orphaned" {
		t.Errorf("String() = %q", got)
	}
}

func TestDiffHashes_NothingRecorded(t *testing.T) {
	set := sampleSet(t)
	diff := DiffHashes(set, nil)
	if len(diff.Added) != set.Len() || len(diff.Orphaned) != 0 {
		t.Errorf("diff = %s, want every intent added", diff)
	}
}

func TestPlanner_Plan_WithoutState(t *testing.T) {
	provider := newMockProvider()
	planner := NewPlanner(newTestConverger(provider), nil)

	result, err := planner.Plan(context.Background(), sampleSet(t), ApplyOptions{Host: "conductor-1"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if result.Diff != nil {
		t.Error("Diff set without a state reader")
	}
	if !result.Report.DryRun {
		t.Error("plan report is not a dry run")
	}
	if !result.HasChanges() {
		t.Error("plan against an empty host has no changes")
	}
	if len(provider.applied) != 0 {
		t.Errorf("plan applied %v", provider.applied)
	}
}

func TestPlanner_Plan_DiffsRecordedState(t *testing.T) {
	ctx := context.Background()
	provider := newMockProvider()
	conv := newTestConverger(provider)
	set := sampleSet(t)

	if _, err := conv.Apply(ctx, set, ApplyOptions{Host: "conductor-1"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	state := &mockStateReader{hashes: map[string]map[string]string{
		"conductor-1": recordedHashes(set),
	}}
	planner := NewPlanner(conv, state)

	result, err := planner.Plan(ctx, set, ApplyOptions{Host: "conductor-1"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if result.HasChanges() {
		t.Errorf("converged host has changes: %d", result.Report.EffectiveChanges())
	}
	if result.Diff == nil || result.Diff.HasChanges() {
		t.Errorf("Diff = %v, want no changes", result.Diff)
	}
	if !reflect.DeepEqual(state.hosts, []string{"conductor-1"}) {
		t.Errorf("state read for %v", state.hosts)
	}

	// Live drift shows in the report even when the recorded state matches.
	provider.mu.Lock()
	delete(provider.state, "Service[tftp]")
	provider.mu.Unlock()

	result, err = planner.Plan(ctx, set, ApplyOptions{Host: "conductor-1"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !result.HasChanges() {
		t.Fatal("drifted service not reported")
	}
	if res := result.Report.Result("Service[tftp]"); res == nil || res.Status != IntentStatusChanged {
		t.Errorf("Service[tftp] = %+v, want changed", res)
	}
}

func TestPlanner_Plan_StateError(t *testing.T) {
	planner := NewPlanner(newTestConverger(newMockProvider()), &mockStateReader{err: errors.New("database is locked")})

	if _, err := planner.Plan(context.Background(), sampleSet(t), ApplyOptions{Host: "conductor-1"}); err == nil {
		t.Fatal("Plan() succeeded with an unreadable state store")
	}
}
