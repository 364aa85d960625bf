package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/eb4x/puppet-ironic/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with foreign keys and WAL enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun stores the report and its intent results in one transaction.
// Resource state is only updated for committed runs: intents that changed
// or were already in sync get their hash recorded, and a fully succeeded
// run drops state for intents the set no longer declares.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.ConvergenceReport) error {
	params, err := json.Marshal(report.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, host, run_user, status, dry_run, started_at, completed_at, duration_ms,
			total, changed, unchanged, failed, skipped, cancelled, error, parameters
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Host,
		report.User,
		string(report.Status),
		report.DryRun,
		report.StartedAt.UTC(),
		report.CompletedAt.UTC(),
		report.Duration.Milliseconds(),
		report.Summary.Total,
		report.Summary.Changed,
		report.Summary.Unchanged,
		report.Summary.Failed,
		report.Summary.Skipped,
		report.Summary.Cancelled,
		nullString(report.Error),
		string(params),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, res := range report.Results {
		changes, err := json.Marshal(res.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode changes of %s: %w", res.ID, err)
		}
		var errMsg *string
		if res.Error != nil {
			msg := res.Error.Error()
			errMsg = &msg
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO intent_results (
				run_id, intent_id, kind, ensure, level, status, attempts, refreshed,
				changes, hash, error, duration_ms, position
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			res.ID,
			string(res.Kind),
			string(res.State),
			res.Level,
			string(res.Status),
			res.Attempts,
			res.Refreshed,
			string(changes),
			res.Hash,
			errMsg,
			res.Duration.Milliseconds(),
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result of %s: %w", res.ID, err)
		}
	}

	if report.Committed() {
		if err := commitResourceState(ctx, tx, report); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func commitResourceState(ctx context.Context, tx *sql.Tx, report *engine.ConvergenceReport) error {
	declared := make(map[string]bool, len(report.Results))
	for _, res := range report.Results {
		declared[res.ID] = true
		if res.Status != engine.IntentStatusChanged && res.Status != engine.IntentStatusUnchanged {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resource_state (host, intent_id, kind, hash, last_run_id, last_applied)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (host, intent_id) DO UPDATE SET
				kind = excluded.kind,
				hash = excluded.hash,
				last_run_id = excluded.last_run_id,
				last_applied = excluded.last_applied
		`, report.Host, res.ID, string(res.Kind), res.Hash, report.RunID, report.CompletedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert state of %s: %w", res.ID, err)
		}
	}

	if report.Status != engine.RunStatusSucceeded {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT intent_id FROM resource_state WHERE host = ?`, report.Host)
	if err != nil {
		return fmt.Errorf("failed to list resource state: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan resource state: %w", err)
		}
		if !declared[id] {
			orphaned = append(orphaned, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating resource state: %w", err)
	}

	for _, id := range orphaned {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resource_state WHERE host = ? AND intent_id = ?`, report.Host, id); err != nil {
			return fmt.Errorf("failed to delete state of %s: %w", id, err)
		}
	}
	return nil
}

const runColumns = `
	id, host, run_user, status, dry_run, started_at, completed_at, duration_ms,
	total, changed, unchanged, failed, skipped, cancelled, error, parameters
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		status     string
		durationMS int64
		params     string
	)
	err := row.Scan(
		&run.ID,
		&run.Host,
		&run.User,
		&status,
		&run.DryRun,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.Summary.Total,
		&run.Summary.Changed,
		&run.Summary.Unchanged,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&run.Summary.Cancelled,
		&run.Error,
		&params,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(params), &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID. A unique ID prefix is accepted.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id = ? DESC LIMIT 2`,
		id, stripWildcards(id)+"%", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case runs[0].ID == id || len(runs) == 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous", id)
	}
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR host = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Host, filter.Host,
		string(filter.Status), string(filter.Status),
		limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListIntentResults returns a run's intent results in set order.
func (s *SQLiteStore) ListIntentResults(ctx context.Context, runID string) ([]*IntentResult, error) {
	query := `
		SELECT run_id, intent_id, kind, ensure, level, status, attempts, refreshed,
		       changes, hash, error, duration_ms
		FROM intent_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent results: %w", err)
	}
	defer rows.Close()

	results := []*IntentResult{}
	for rows.Next() {
		var (
			res                  IntentResult
			kind, ensure, status string
			changes              string
			durationMS           int64
		)
		err := rows.Scan(
			&res.RunID,
			&res.IntentID,
			&kind,
			&ensure,
			&res.Level,
			&status,
			&res.Attempts,
			&res.Refreshed,
			&changes,
			&res.Hash,
			&res.Error,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent result: %w", err)
		}
		res.Kind = engine.IntentKind(kind)
		res.Ensure = engine.DesiredState(ensure)
		res.Status = engine.IntentStatus(status)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(changes), &res.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes of %s: %w", res.IntentID, err)
		}
		results = append(results, &res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intent results: %w", err)
	}

	return results, nil
}

// DeleteRun deletes a run, its results and its events. Resource state
// committed by the run is kept.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	return tx.Commit()
}

// Publish appends an execution event.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, intent_id, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		nullString(event.IntentID),
		string(event.Type),
		event.Level,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents returns a run's events in the order they happened.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, run_id, intent_id, type, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			event     engine.Event
			intentID  sql.NullString
			eventType string
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&intentID,
			&eventType,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.IntentID = intentID.String
		event.Type = engine.EventType(eventType)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ResourceHashes implements engine.StateReader.
func (s *SQLiteStore) ResourceHashes(ctx context.Context, host string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT intent_id, hash FROM resource_state WHERE host = ?`, host)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource state: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource state: %w", err)
	}
	return hashes, nil
}

// ListResourceStates lists the committed state of a host ordered by intent.
func (s *SQLiteStore) ListResourceStates(ctx context.Context, host string) ([]*ResourceState, error) {
	query := `
		SELECT host, intent_id, kind, hash, last_run_id, last_applied
		FROM resource_state
		WHERE host = ?
		ORDER BY intent_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, host)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		var (
			state ResourceState
			kind  string
		)
		err := rows.Scan(
			&state.Host,
			&state.IntentID,
			&kind,
			&state.Hash,
			&state.LastRunID,
			&state.LastApplied,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		state.Kind = engine.IntentKind(kind)
		states = append(states, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// stripWildcards removes LIKE wildcards from a user-supplied prefix. Run
// IDs are UUIDs and never contain them.
func stripWildcards(s string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(s)
}
