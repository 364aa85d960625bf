package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/lib/pq"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

type fakeCatalog struct {
	roles     map[string]bool
	databases map[string][2]string
	execErr   error
	stmts     []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{roles: map[string]bool{}, databases: map[string][2]string{}}
}

func (f *fakeCatalog) roleExists(ctx context.Context, role string) (bool, error) {
	return f.roles[role], nil
}

func (f *fakeCatalog) database(ctx context.Context, name string) (string, string, bool, error) {
	db, ok := f.databases[name]
	return db[0], db[1], ok, nil
}

func (f *fakeCatalog) exec(ctx context.Context, stmt string) error {
	if f.execErr != nil {
		return f.execErr
	}
	f.stmts = append(f.stmts, stmt)
	return nil
}

func TestPostgresProvider_Create(t *testing.T) {
	catalog := newFakeCatalog()
	p := &PostgresProvider{catalog: catalog}

	intent := engine.NewIntent(engine.KindPostgresDatabase, "ironic-inspector", engine.StatePresent).
		Set(engine.AttrRole, "ironic-inspector").
		Set(engine.AttrPassword, "it's secret").
		Set(engine.AttrEncoding, "UTF8")

	changes := checkAndApply(t, p, intent)
	if len(changes) != 2 {
		t.Fatalf("changes = %v, want role and database", changes)
	}

	want := []string{
		`CREATE ROLE "ironic-inspector" LOGIN PASSWORD 'it''s secret'`,
		`CREATE DATABASE "ironic-inspector" OWNER "ironic-inspector" ENCODING 'UTF8'`,
		`GRANT ALL ON DATABASE "ironic-inspector" TO "ironic-inspector"`,
	}
	if strings.Join(catalog.stmts, "\n") != strings.Join(want, "\n") {
		t.Errorf("statements =\n%s\nwant\n%s", strings.Join(catalog.stmts, "\n"), strings.Join(want, "\n"))
	}

	catalog.roles["ironic-inspector"] = true
	catalog.databases["ironic-inspector"] = [2]string{"ironic-inspector", "UTF8"}
	assertConverged(t, p, intent)
}

func TestPostgresProvider_Owner(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.roles["ironic"] = true
	catalog.databases["ironic"] = [2]string{"postgres", "UTF8"}
	p := &PostgresProvider{catalog: catalog}

	changes := checkAndApply(t, p, engine.NewIntent(engine.KindPostgresDatabase, "ironic", engine.StatePresent))
	if len(changes) != 1 || changes[0].Path != "owner" {
		t.Fatalf("changes = %v, want owner change", changes)
	}
	if !strings.HasPrefix(catalog.stmts[0], `ALTER DATABASE "ironic" OWNER TO "ironic"`) {
		t.Errorf("statement = %s", catalog.stmts[0])
	}
}

func TestPostgresProvider_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("encoding mismatch", func(t *testing.T) {
		catalog := newFakeCatalog()
		catalog.roles["ironic"] = true
		catalog.databases["ironic"] = [2]string{"ironic", "LATIN1"}
		p := &PostgresProvider{catalog: catalog}
		intent := engine.NewIntent(engine.KindPostgresDatabase, "ironic", engine.StatePresent).
			Set(engine.AttrEncoding, "utf8")
		if _, err := p.Check(ctx, intent); !engine.IsConflict(err) {
			t.Errorf("Check() error = %v, want conflict", err)
		}
	})

	t.Run("invalid privileges", func(t *testing.T) {
		p := &PostgresProvider{catalog: newFakeCatalog()}
		intent := engine.NewIntent(engine.KindPostgresDatabase, "ironic", engine.StatePresent).
			Set(engine.AttrPrivs, "ALL; DROP TABLE nodes")
		if _, err := p.Check(ctx, intent); !engine.IsPermanent(err) {
			t.Errorf("Check() error = %v, want permanent", err)
		}
	})

	t.Run("syntax error is permanent", func(t *testing.T) {
		catalog := newFakeCatalog()
		catalog.execErr = &pq.Error{Code: "42601", Message: "syntax error"}
		p := &PostgresProvider{catalog: catalog}
		intent := engine.NewIntent(engine.KindPostgresDatabase, "ironic", engine.StatePresent)
		changes, _ := p.Check(ctx, intent)
		if err := p.Apply(ctx, intent, changes); !engine.IsPermanent(err) {
			t.Errorf("Apply() error = %v, want permanent", err)
		}
	})
}

func TestPostgresProvider_Absent(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.databases["ironic"] = [2]string{"ironic", "UTF8"}
	p := &PostgresProvider{catalog: catalog}

	checkAndApply(t, p, engine.NewIntent(engine.KindPostgresDatabase, "ironic", engine.StateAbsent))
	if len(catalog.stmts) != 1 || catalog.stmts[0] != `DROP DATABASE "ironic"` {
		t.Errorf("statements = %v", catalog.stmts)
	}
}
