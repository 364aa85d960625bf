package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func buildSet(t *testing.T, intents ...*engine.Intent) *engine.ResourceSet {
	t.Helper()
	set := engine.NewResourceSet()
	if err := set.Add(intents...); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return set
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{
		"absent-parent-directory",
		"tftp-backend-exclusivity",
		"unique-resource-names",
	}
	if len(policies) != len(want) {
		t.Fatalf("got %d built-in policies, want %d", len(policies), len(want))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("policy %d = %s, want %s", i, policies[i].Name, name)
		}
	}
}

func TestEvaluateSet_ResolvedSetsAllowed(t *testing.T) {
	eng := newTestEngine(t)
	xinetdOff := false

	tests := []struct {
		name    string
		raw     pxe.RawConfig
		profile pxe.PlatformProfile
	}{
		{"redhat 8 xinetd", pxe.RawConfig{}, pxe.RedHatProfile(8)},
		{"redhat 8 embedded", pxe.RawConfig{UseXinetdBackend: &xinetdOff}, pxe.RedHatProfile(8)},
		{"redhat 9 default", pxe.RawConfig{}, pxe.RedHatProfile(9)},
		{"debian 12 embedded", pxe.RawConfig{UseXinetdBackend: &xinetdOff}, pxe.DebianProfile(12)},
		{"syslinux disabled", pxe.RawConfig{SyslinuxPath: pxe.Disabled()}, pxe.RedHatProfile(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			raw.ApplyPlatformDefaults(tt.profile)
			cfg, err := pxe.Validate(raw)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}

			result, err := eng.EvaluateSet(context.Background(), "conductor-1", pxe.Resolve(cfg, tt.profile))
			if err != nil {
				t.Fatalf("EvaluateSet() error = %v", err)
			}
			if !result.Allowed {
				t.Errorf("resolved set denied: %v", result.Violations)
			}
			if len(result.Warnings) != 0 {
				t.Errorf("unexpected warnings: %v", result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("evaluated %d policies, want 3", len(result.EvaluatedPolicies))
			}
		})
	}
}

func TestEvaluateSet_BackendExclusivity(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		intents []*engine.Intent
		allowed bool
		message string
	}{
		{
			name: "both active",
			intents: []*engine.Intent{
				engine.NewIntent(engine.KindService, "tftp", engine.StateRunning).Tag("tftp-backend:xinetd"),
				engine.NewIntent(engine.KindFile, "/etc/ironic/dnsmasq-tftp-server.conf", engine.StatePresent).Tag("tftp-backend:embedded"),
			},
			allowed: false,
			message: "both active",
		},
		{
			name: "both torn down",
			intents: []*engine.Intent{
				engine.NewIntent(engine.KindService, "tftp", engine.StateAbsent).Tag("tftp-backend:xinetd"),
				engine.NewIntent(engine.KindFile, "/etc/ironic/dnsmasq-tftp-server.conf", engine.StateAbsent).Tag("tftp-backend:embedded"),
			},
			allowed: false,
			message: "torn down",
		},
		{
			name: "one active",
			intents: []*engine.Intent{
				engine.NewIntent(engine.KindService, "tftp", engine.StateRunning).Tag("tftp-backend:xinetd"),
				engine.NewIntent(engine.KindFile, "/etc/ironic/dnsmasq-tftp-server.conf", engine.StateAbsent).Tag("tftp-backend:embedded"),
			},
			allowed: true,
		},
		{
			name: "no backend intents",
			intents: []*engine.Intent{
				engine.NewIntent(engine.KindAnchor, "ironic::config::begin", engine.StatePresent),
			},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateSet(context.Background(), "h", buildSet(t, tt.intents...))
			if err != nil {
				t.Fatalf("EvaluateSet() error = %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (violations %v)", result.Allowed, tt.allowed, result.Violations)
			}
			if tt.allowed {
				return
			}
			if len(result.Violations) != 1 {
				t.Fatalf("got %d violations, want 1: %v", len(result.Violations), result.Violations)
			}
			v := result.Violations[0]
			if v.Policy != "tftp-backend-exclusivity" || v.Severity != SeverityError {
				t.Errorf("violation = %+v", v)
			}
			if !strings.Contains(v.Message, tt.message) {
				t.Errorf("message %q does not contain %q", v.Message, tt.message)
			}
		})
	}
}

func TestEvaluateSet_AbsentParent(t *testing.T) {
	eng := newTestEngine(t)
	set := buildSet(t,
		engine.NewIntent(engine.KindDirectory, "/srv/boot", engine.StateAbsent),
		engine.NewIntent(engine.KindFile, "/srv/boot/pxelinux.0", engine.StatePresent),
		engine.NewIntent(engine.KindFile, "/srv/bootx", engine.StatePresent),
	)

	result, err := eng.EvaluateSet(context.Background(), "h", set)
	if err != nil {
		t.Fatalf("EvaluateSet() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("set with a file under an absent directory was allowed")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("got %d violations, want 1: %v", len(result.Violations), result.Violations)
	}
	if got, want := result.Violations[0].Intent, "File[/srv/boot/pxelinux.0]"; got != want {
		t.Errorf("violation intent = %s, want %s", got, want)
	}
}

func TestEvaluateSet_ResourceNames(t *testing.T) {
	eng := newTestEngine(t)

	t.Run("same state warns", func(t *testing.T) {
		set := buildSet(t,
			engine.NewIntent(engine.KindPackage, "ipxe", engine.StatePresent).Named("syslinux"),
			engine.NewIntent(engine.KindPackage, "syslinux", engine.StatePresent),
		)
		result, err := eng.EvaluateSet(context.Background(), "h", set)
		if err != nil {
			t.Fatalf("EvaluateSet() error = %v", err)
		}
		if !result.Allowed {
			t.Fatalf("denied: %v", result.Violations)
		}
		if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityWarning {
			t.Fatalf("warnings = %v, want one warning", result.Warnings)
		}
		if got := result.Warnings[0].Intent; got != "Package[syslinux]" {
			t.Errorf("warning intent = %s", got)
		}
	})

	t.Run("conflicting states deny", func(t *testing.T) {
		set := buildSet(t,
			engine.NewIntent(engine.KindPackage, "ipxe", engine.StateAbsent).Named("syslinux"),
			engine.NewIntent(engine.KindPackage, "syslinux", engine.StatePresent),
		)
		result, err := eng.EvaluateSet(context.Background(), "h", set)
		if err != nil {
			t.Fatalf("EvaluateSet() error = %v", err)
		}
		if result.Allowed {
			t.Fatal("conflicting package states were allowed")
		}
		if !strings.Contains(result.Violations[0].Message, "conflicting states") {
			t.Errorf("message = %q", result.Violations[0].Message)
		}
	})
}

func TestGate(t *testing.T) {
	eng := newTestEngine(t)
	set := buildSet(t,
		engine.NewIntent(engine.KindDirectory, "/srv/boot", engine.StateAbsent),
		engine.NewIntent(engine.KindFile, "/srv/boot/pxelinux.0", engine.StatePresent),
	)

	result, err := eng.Gate(context.Background(), "h", set)
	if err == nil {
		t.Fatal("Gate() error = nil, want denial")
	}
	if result == nil || result.Allowed {
		t.Fatalf("Gate() result = %+v", result)
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Gate() error type = %T, want *engine.EngineError", err)
	}
	if engErr.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Code = %s, want %s", engErr.Code, engine.ErrCodePolicyDenied)
	}
	if !engine.IsPermanent(err) {
		t.Error("policy denial should be permanent")
	}
	if engErr.Intent != "File[/srv/boot/pxelinux.0]" {
		t.Errorf("Intent = %s", engErr.Intent)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	set := buildSet(t,
		engine.NewIntent(engine.KindDirectory, "/srv/boot", engine.StateAbsent),
		engine.NewIntent(engine.KindFile, "/srv/boot/pxelinux.0", engine.StatePresent),
	)

	if err := eng.DisablePolicy("absent-parent-directory"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.EvaluateSet(context.Background(), "h", set)
	if err != nil {
		t.Fatalf("EvaluateSet() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still denied: %v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "absent-parent-directory" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("absent-parent-directory"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, err = eng.EvaluateSet(context.Background(), "h", set)
	if err != nil {
		t.Fatalf("EvaluateSet() error = %v", err)
	}
	if result.Allowed {
		t.Error("re-enabled policy did not deny")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("DisablePolicy() on unknown policy should fail")
	}
}

func TestAddPolicies(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:     "http-port",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.policies.port

import rego.v1

deny contains "http_port must be 8088" if {
	input.parameters.http_port != "8088"
}
`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	set := engine.NewResourceSet()
	set.Parameters["http_port"] = "8080"
	result, err := eng.EvaluateSet(context.Background(), "h", set)
	if err != nil {
		t.Fatalf("EvaluateSet() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("result = %+v, want one violation", result)
	}
	if v := result.Violations[0]; v.Policy != "http-port" || v.Message != "http_port must be 8088" || v.Severity != SeverityError {
		t.Errorf("violation = %+v", v)
	}

	bad := Policy{Name: "broken", Rego: "package broken\n\ndeny contains x if {"}
	if err := eng.AddPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Error("AddPolicies() with invalid rego should fail")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("broken policy was stored")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	custom := Policy{Name: "noop", Enabled: true, Rego: "package noop\n"}

	if err := eng.ReplacePolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("got %d policies, want built-ins plus one", len(eng.ListPolicies()))
	}

	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("noop"); err == nil {
		t.Error("replaced policy is still loaded")
	}
	if got := eng.ListPolicies(); len(got) != 3 {
		t.Errorf("got %d policies after reset, want 3", len(got))
	}
}
