package inspectordb

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

func TestResolve_Defaults(t *testing.T) {
	intent, err := Resolve(Params{Password: "ironicpass"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if intent.ID() != "Postgresql_database[ironic-inspector]" {
		t.Errorf("ID() = %s", intent.ID())
	}
	if intent.ResourceName() != "ironic-inspector" {
		t.Errorf("ResourceName() = %s", intent.ResourceName())
	}
	want := map[string]string{
		engine.AttrRole:     "ironic-inspector",
		engine.AttrPassword: "ironicpass",
		engine.AttrPrivs:    "ALL",
	}
	for k, v := range want {
		if intent.Attributes[k] != v {
			t.Errorf("%s = %q, want %q", k, intent.Attributes[k], v)
		}
	}
	if _, ok := intent.Attributes.Get(engine.AttrEncoding); ok {
		t.Error("encoding set without being configured")
	}
}

func TestResolve_Custom(t *testing.T) {
	intent, err := Resolve(Params{
		Password:   "ironicpass",
		User:       "inspector",
		DBName:     "inspector",
		Encoding:   "UTF8",
		Privileges: "CONNECT",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if intent.ID() != "Postgresql_database[ironic-inspector]" || intent.ResourceName() != "inspector" {
		t.Errorf("ID() = %s, ResourceName() = %s", intent.ID(), intent.ResourceName())
	}
	if intent.Attributes[engine.AttrEncoding] != "UTF8" || intent.Attributes[engine.AttrRole] != "inspector" {
		t.Errorf("attributes = %v", intent.Attributes.Redacted())
	}
}

func TestResolve_PasswordRequired(t *testing.T) {
	if _, err := Resolve(Params{}); err == nil {
		t.Error("Resolve() without a password error = nil")
	}
}

func TestResolve_PasswordRedacted(t *testing.T) {
	a, _ := Resolve(Params{Password: "first-secret"})
	b, _ := Resolve(Params{Password: "second-secret"})

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "first-secret") {
		t.Errorf("password leaked into JSON: %s", data)
	}
	if a.Hash() != b.Hash() {
		t.Error("hash depends on the password")
	}
}
