package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordRun records a run and reads back the state it
// committed.
func ExampleSQLiteStore_RecordRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	report := &engine.ConvergenceReport{
		RunID:       "run-001",
		Host:        "conductor-1",
		Status:      engine.RunStatusSucceeded,
		StartedAt:   now,
		CompletedAt: now,
		Summary:     engine.ReportSummary{Total: 1, Changed: 1},
		Results: []*engine.IntentResult{{
			ID:     "File[/tftpboot]",
			Kind:   engine.KindDirectory,
			State:  engine.StatePresent,
			Status: engine.IntentStatusChanged,
			Hash:   "0b1f",
		}},
	}
	if err := store.RecordRun(ctx, report); err != nil {
		log.Fatal(err)
	}

	hashes, _ := store.ResourceHashes(ctx, "conductor-1")
	fmt.Println(hashes["File[/tftpboot]"])
	// Output: 0b1f
}
