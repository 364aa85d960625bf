package providers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// sqlConn is the subset of *sql.DB the Postgres provider uses.
type sqlConn interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// pgCatalog reads role and database state.
type pgCatalog interface {
	roleExists(ctx context.Context, role string) (bool, error)
	database(ctx context.Context, name string) (owner, encoding string, exists bool, err error)
	exec(ctx context.Context, stmt string) error
}

type sqlCatalog struct {
	db sqlConn
}

func (c sqlCatalog) roleExists(ctx context.Context, role string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM pg_roles WHERE rolname = $1", role).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (c sqlCatalog) database(ctx context.Context, name string) (string, string, bool, error) {
	var owner, encoding string
	err := c.db.QueryRowContext(ctx,
		`SELECT pg_get_userbyid(datdba), pg_encoding_to_char(encoding) FROM pg_database WHERE datname = $1`,
		name,
	).Scan(&owner, &encoding)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return owner, encoding, true, nil
}

func (c sqlCatalog) exec(ctx context.Context, stmt string) error {
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// PostgresProvider manages a database together with its owning role and
// grant, the way service databases are provisioned for OpenStack.
type PostgresProvider struct {
	catalog pgCatalog
}

// OpenPostgres connects with lib/pq. The DSN must name a superuser.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// NewPostgresProvider creates a provider on an open connection.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{catalog: sqlCatalog{db: db}}
}

type pgTarget struct {
	database, role, password, encoding, privileges string
}

func pgTargetOf(intent *engine.Intent) pgTarget {
	t := pgTarget{
		database:   intent.ResourceName(),
		role:       intent.Attributes[engine.AttrRole],
		password:   intent.Attributes[engine.AttrPassword],
		encoding:   intent.Attributes[engine.AttrEncoding],
		privileges: intent.Attributes[engine.AttrPrivs],
	}
	if t.role == "" {
		t.role = t.database
	}
	if t.privileges == "" {
		t.privileges = "ALL"
	}
	return t
}

// Check implements engine.Provider. Passwords cannot be read back, so they
// are only set when the role is created.
func (p *PostgresProvider) Check(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	t := pgTargetOf(intent)
	if !validPrivileges(t.privileges) {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid privileges %q", t.privileges), nil).
			WithCode(engine.ErrCodeValidation).
			WithIntent(intent.ID())
	}

	owner, encoding, exists, err := p.catalog.database(ctx, t.database)
	if err != nil {
		return nil, engine.NewTransientError("query pg_database", err).WithIntent(intent.ID())
	}

	if intent.State == engine.StateAbsent {
		if !exists {
			return nil, nil
		}
		return []engine.Change{{Path: "ensure", Before: "present", After: "absent", Action: engine.ChangeActionRemove}}, nil
	}

	var changes []engine.Change
	roleOK, err := p.catalog.roleExists(ctx, t.role)
	if err != nil {
		return nil, engine.NewTransientError("query pg_roles", err).WithIntent(intent.ID())
	}
	if !roleOK {
		changes = append(changes, engine.Change{Path: "role", After: t.role, Action: engine.ChangeActionAdd})
	}

	if !exists {
		return append(changes, engine.Change{
			Path: "ensure", Before: "absent", After: "present", Action: engine.ChangeActionAdd,
		}), nil
	}
	if t.encoding != "" && !strings.EqualFold(encoding, t.encoding) {
		return nil, engine.NewConflictError(
			fmt.Sprintf("database %s has encoding %s, want %s", t.database, encoding, t.encoding), nil,
		).WithIntent(intent.ID())
	}
	if owner != t.role {
		changes = append(changes, engine.Change{Path: "owner", Before: owner, After: t.role, Action: engine.ChangeActionModify})
	}
	return changes, nil
}

// Apply implements engine.Provider.
func (p *PostgresProvider) Apply(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	t := pgTargetOf(intent)

	var stmts []string
	for _, c := range changes {
		switch {
		case c.Path == "ensure" && c.Action == engine.ChangeActionRemove:
			stmts = append(stmts, "DROP DATABASE "+pq.QuoteIdentifier(t.database))
		case c.Path == "role":
			stmts = append(stmts, createRoleSQL(t))
		case c.Path == "ensure":
			stmts = append(stmts, createDatabaseSQL(t), grantSQL(t))
		case c.Path == "owner":
			stmts = append(stmts,
				fmt.Sprintf("ALTER DATABASE %s OWNER TO %s", pq.QuoteIdentifier(t.database), pq.QuoteIdentifier(t.role)),
				grantSQL(t))
		}
	}

	for _, stmt := range stmts {
		if err := p.catalog.exec(ctx, stmt); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Class() == "42" {
				return engine.NewPermanentError("postgres rejected statement", err).WithIntent(intent.ID())
			}
			return engine.NewTransientError("postgres statement failed", err).WithIntent(intent.ID())
		}
	}
	return nil
}

func createRoleSQL(t pgTarget) string {
	stmt := "CREATE ROLE " + pq.QuoteIdentifier(t.role) + " LOGIN"
	if t.password != "" {
		stmt += " PASSWORD " + pq.QuoteLiteral(t.password)
	}
	return stmt
}

func createDatabaseSQL(t pgTarget) string {
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", pq.QuoteIdentifier(t.database), pq.QuoteIdentifier(t.role))
	if t.encoding != "" {
		stmt += " ENCODING " + pq.QuoteLiteral(t.encoding)
	}
	return stmt
}

func grantSQL(t pgTarget) string {
	return fmt.Sprintf("GRANT %s ON DATABASE %s TO %s",
		t.privileges, pq.QuoteIdentifier(t.database), pq.QuoteIdentifier(t.role))
}

// validPrivileges accepts a privilege list such as "CONNECT, TEMPORARY".
// It is spliced into GRANT unquoted.
func validPrivileges(s string) bool {
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r == ',' || r == ' ') {
			return false
		}
	}
	return strings.TrimSpace(s) != ""
}
