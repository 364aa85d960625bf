package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func result(id string, kind engine.IntentKind, status engine.IntentStatus, hash string) *engine.IntentResult {
	return &engine.IntentResult{
		ID:       id,
		Kind:     kind,
		State:    engine.StatePresent,
		Status:   status,
		Hash:     hash,
		Duration: 1500 * time.Millisecond,
	}
}

func testReport(runID, host string, status engine.RunStatus, results ...*engine.IntentResult) *engine.ConvergenceReport {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := &engine.ConvergenceReport{
		RunID:       runID,
		Host:        host,
		User:        "root",
		Status:      status,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Duration:    2 * time.Second,
		Results:     results,
		Parameters:  map[string]string{"http_port": "8088"},
	}
	for _, r := range results {
		report.Summary.Total++
		switch r.Status {
		case engine.IntentStatusChanged:
			report.Summary.Changed++
		case engine.IntentStatusUnchanged:
			report.Summary.Unchanged++
		case engine.IntentStatusFailed:
			report.Summary.Failed++
		case engine.IntentStatusSkipped:
			report.Summary.Skipped++
		}
	}
	return report
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "intent_results", "resource_state", "events"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRecordRun_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	failed := result("Service[tftp]", engine.KindService, engine.IntentStatusFailed, "h3")
	failed.Error = &engine.ConvergenceFailure{
		Intent: "Service[tftp]",
		Cause:  engine.NewPermanentError("unit not found", nil),
	}
	changed := result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "h1")
	changed.Changes = []engine.Change{{Path: "ensure", After: "directory", Action: engine.ChangeActionAdd}}
	changed.Attempts = 2

	report := testReport("run-1", "conductor-1", engine.RunStatusPartial,
		changed,
		result("Package[xinetd]", engine.KindPackage, engine.IntentStatusUnchanged, "h2"),
		failed,
	)
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Host != "conductor-1" || run.User != "root" || run.Status != engine.RunStatusPartial {
		t.Errorf("run = %+v", run)
	}
	if run.Summary != report.Summary {
		t.Errorf("Summary = %+v, want %+v", run.Summary, report.Summary)
	}
	if run.Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", run.Duration)
	}
	if !run.StartedAt.Equal(report.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, report.StartedAt)
	}
	if run.Parameters["http_port"] != "8088" {
		t.Errorf("Parameters = %v", run.Parameters)
	}
	if run.Error != nil {
		t.Errorf("Error = %q, want nil", *run.Error)
	}

	results, err := store.ListIntentResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListIntentResults() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].IntentID != "File[/tftpboot]" || results[2].IntentID != "Service[tftp]" {
		t.Errorf("results out of set order: %s, %s", results[0].IntentID, results[2].IntentID)
	}
	if len(results[0].Changes) != 1 || results[0].Changes[0].Path != "ensure" || results[0].Attempts != 2 {
		t.Errorf("changed result = %+v", results[0])
	}
	if results[2].Error == nil || *results[2].Error == "" {
		t.Error("failed result lost its error")
	}
	if results[1].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v", results[1].Duration)
	}
}

func TestRecordRun_ResourceState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testReport("run-1", "h", engine.RunStatusSucceeded,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "a1"),
		result("Package[xinetd]", engine.KindPackage, engine.IntentStatusChanged, "b1"),
	)
	if err := store.RecordRun(ctx, first); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	hashes, err := store.ResourceHashes(ctx, "h")
	if err != nil {
		t.Fatalf("ResourceHashes() error = %v", err)
	}
	if len(hashes) != 2 || hashes["File[/tftpboot]"] != "a1" || hashes["Package[xinetd]"] != "b1" {
		t.Fatalf("hashes = %v", hashes)
	}

	// A partial run only updates the intents that converged.
	partial := testReport("run-2", "h", engine.RunStatusPartial,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusUnchanged, "a2"),
		result("Package[xinetd]", engine.KindPackage, engine.IntentStatusFailed, "b2"),
	)
	if err := store.RecordRun(ctx, partial); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	hashes, _ = store.ResourceHashes(ctx, "h")
	if hashes["File[/tftpboot]"] != "a2" || hashes["Package[xinetd]"] != "b1" {
		t.Errorf("hashes after partial run = %v", hashes)
	}

	// Dry runs, failed runs and cancelled runs commit nothing.
	for i, status := range []engine.RunStatus{engine.RunStatusSucceeded, engine.RunStatusFailed, engine.RunStatusCancelled} {
		r := testReport("run-x"+string(rune('a'+i)), "h", status,
			result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "zz"),
		)
		r.DryRun = status == engine.RunStatusSucceeded
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}
	hashes, _ = store.ResourceHashes(ctx, "h")
	if hashes["File[/tftpboot]"] != "a2" {
		t.Errorf("uncommitted run changed state: %v", hashes)
	}

	// A succeeded run prunes intents the set no longer declares.
	pruning := testReport("run-3", "h", engine.RunStatusSucceeded,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusUnchanged, "a2"),
	)
	if err := store.RecordRun(ctx, pruning); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	states, err := store.ListResourceStates(ctx, "h")
	if err != nil {
		t.Fatalf("ListResourceStates() error = %v", err)
	}
	if len(states) != 1 || states[0].IntentID != "File[/tftpboot]" || states[0].LastRunID != "run-3" {
		t.Errorf("states = %+v", states)
	}

	other, _ := store.ResourceHashes(ctx, "other-host")
	if len(other) != 0 {
		t.Errorf("state leaked across hosts: %v", other)
	}
}

func TestRecordRun_DuplicateRunID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-1", "h", engine.RunStatusSucceeded,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "a1"))
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	again := testReport("run-1", "h", engine.RunStatusSucceeded,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "a2"))
	if err := store.RecordRun(ctx, again); err == nil {
		t.Fatal("expected error for duplicate run ID")
	}

	// The failed transaction left nothing behind.
	hashes, _ := store.ResourceHashes(ctx, "h")
	if hashes["File[/tftpboot]"] != "a1" {
		t.Errorf("rolled back run changed state: %v", hashes)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, host := range []string{"a", "b", "a"} {
		r := testReport("run-"+string(rune('1'+i)), host, engine.RunStatusSucceeded)
		r.StartedAt = r.StartedAt.Add(time.Duration(i) * time.Minute)
		if i == 1 {
			r.Status = engine.RunStatusFailed
		}
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-3" {
		t.Errorf("ListRuns() = %d runs, first %s; want 3 newest first", len(all), all[0].ID)
	}

	hostA, _ := store.ListRuns(ctx, RunFilter{Host: "a"})
	if len(hostA) != 2 {
		t.Errorf("host filter returned %d runs, want 2", len(hostA))
	}

	failed, _ := store.ListRuns(ctx, RunFilter{Status: engine.RunStatusFailed})
	if len(failed) != 1 || failed[0].ID != "run-2" {
		t.Errorf("status filter = %v", failed)
	}

	page, _ := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "run-2" {
		t.Errorf("paged runs = %v", page)
	}
}

func TestGetRun_Prefix(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"4f1c2d", "4f9a00", "77aa11"} {
		if err := store.RecordRun(ctx, testReport(id, "h", engine.RunStatusSucceeded)); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	run, err := store.GetRun(ctx, "77")
	if err != nil || run.ID != "77aa11" {
		t.Errorf("GetRun(77) = %v, %v", run, err)
	}
	if _, err := store.GetRun(ctx, "4f"); err == nil {
		t.Error("ambiguous prefix should fail")
	}
	if _, err := store.GetRun(ctx, "zz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(zz) error = %v, want ErrNotFound", err)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypeRunStarted, Timestamp: base, RunID: "run-1", Message: "Run started", Level: "info"},
		{ID: "e2", Type: engine.EventTypeIntentFailed, Timestamp: base.Add(time.Second), RunID: "run-1", IntentID: "Service[tftp]", Message: "boom", Level: "error"},
		{ID: "e3", Type: engine.EventTypeRunStarted, Timestamp: base, RunID: "run-2", Message: "Run started", Level: "info"},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	got, err := store.GetEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ID != "e1" || got[1].IntentID != "Service[tftp]" || got[1].Type != engine.EventTypeIntentFailed {
		t.Errorf("events = %+v, %+v", got[0], got[1])
	}
	if got[0].IntentID != "" {
		t.Errorf("run event IntentID = %q, want empty", got[0].IntentID)
	}

	limited, _ := store.GetEvents(ctx, "run-1", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d events", len(limited))
	}
}

func TestDeleteRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-1", "h", engine.RunStatusSucceeded,
		result("File[/tftpboot]", engine.KindDirectory, engine.IntentStatusChanged, "a1"))
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if err := store.Publish(ctx, &engine.Event{ID: "e1", RunID: "run-1", Type: engine.EventTypeRunStarted, Timestamp: time.Now(), Level: "info"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := store.GetRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() after delete error = %v", err)
	}
	results, _ := store.ListIntentResults(ctx, "run-1")
	if len(results) != 0 {
		t.Errorf("results not cascaded: %d left", len(results))
	}
	events, _ := store.GetEvents(ctx, "run-1", 0)
	if len(events) != 0 {
		t.Errorf("events not deleted: %d left", len(events))
	}
	hashes, _ := store.ResourceHashes(ctx, "h")
	if hashes["File[/tftpboot]"] != "a1" {
		t.Error("deleting a run dropped committed state")
	}

	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v, want ErrNotFound", err)
	}
}

func TestPlannerUsesRecordedState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	set := engine.NewResourceSet()
	dir := engine.NewIntent(engine.KindDirectory, "/tftpboot", engine.StatePresent)
	if err := set.Add(dir); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	report := testReport("run-1", "h", engine.RunStatusSucceeded,
		result(dir.ID(), engine.KindDirectory, engine.IntentStatusChanged, dir.Hash()),
		result("Package[xinetd]", engine.KindPackage, engine.IntentStatusChanged, "b1"),
	)
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	recorded, err := store.ResourceHashes(ctx, "h")
	if err != nil {
		t.Fatalf("ResourceHashes() error = %v", err)
	}
	diff := engine.DiffHashes(set, recorded)
	if len(diff.Unmodified) != 1 || len(diff.Orphaned) != 1 || diff.Orphaned[0] != "Package[xinetd]" {
		t.Errorf("diff = %+v", diff)
	}
}
