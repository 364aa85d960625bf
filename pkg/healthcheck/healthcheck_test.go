package healthcheck

import (
	"testing"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

func byKey(t *testing.T, intents []*engine.Intent) map[string]*engine.Intent {
	t.Helper()
	out := make(map[string]*engine.Intent, len(intents))
	for _, i := range intents {
		out[i.Attributes[engine.AttrSetting]] = i
	}
	if len(out) != 6 {
		t.Fatalf("got %d settings, want 6", len(out))
	}
	return out
}

func TestResolve_Defaults(t *testing.T) {
	intents, err := Resolve(Params{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for key, intent := range byKey(t, intents) {
		if intent.State != engine.StateAbsent {
			t.Errorf("%s: state = %s, want absent", key, intent.State)
		}
		if intent.Attributes[engine.AttrPath] != DefaultConfigPath || intent.Attributes[engine.AttrSection] != "healthcheck" {
			t.Errorf("%s: attributes = %v", key, intent.Attributes)
		}
	}

	enabled := byKey(t, intents)["enabled"]
	if enabled.ID() != "Ini_setting[ironic.conf/healthcheck/enabled]" {
		t.Errorf("ID() = %s", enabled.ID())
	}
}

func TestResolve_Values(t *testing.T) {
	yes := true
	intents, err := Resolve(Params{
		Enabled:             &yes,
		Detailed:            &yes,
		Backends:            []string{"disable_by_file"},
		AllowedSourceRanges: []string{"10.0.0.0/24", "10.0.1.0/24"},
		DisableByFilePath:   "/etc/ironic/healthcheck/disabled",
		DisableByFilePaths:  []string{"8042:/etc/ironic/healthcheck/disabled"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := map[string]string{
		"enabled":               "true",
		"detailed":              "true",
		"backends":              "disable_by_file",
		"allowed_source_ranges": "10.0.0.0/24,10.0.1.0/24",
		"disable_by_file_path":  "/etc/ironic/healthcheck/disabled",
		"disable_by_file_paths": "8042:/etc/ironic/healthcheck/disabled",
	}
	for key, intent := range byKey(t, intents) {
		if intent.State != engine.StatePresent {
			t.Errorf("%s: state = %s, want present", key, intent.State)
		}
		if got := intent.Attributes[engine.AttrValue]; got != want[key] {
			t.Errorf("%s = %q, want %q", key, got, want[key])
		}
	}
}

func TestResolve_Ordering(t *testing.T) {
	set := pxe.Resolve(pxe.DefaultConfig(), pxe.RedHatProfile(8))
	intents, err := Resolve(Params{})
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Add(intents...); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	graph, err := set.Graph()
	if err != nil {
		t.Fatalf("Graph() error = %v", err)
	}

	begin := graph.Nodes[pxe.ConfigBegin].Level
	end := graph.Nodes[pxe.ConfigEnd].Level
	for _, i := range intents {
		level := graph.Nodes[i.ID()].Level
		if level <= begin || level >= end {
			t.Errorf("%s at level %d, want between %d and %d", i.ID(), level, begin, end)
		}
	}
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"bad cidr", Params{AllowedSourceRanges: []string{"10.0.0.0/33"}}},
		{"relative path", Params{DisableByFilePath: "healthcheck/disabled"}},
		{"port path without port", Params{DisableByFilePaths: []string{"/etc/ironic/healthcheck/disabled"}}},
		{"empty backend", Params{Backends: []string{"disable_by_file", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(tt.params); err == nil {
				t.Error("Resolve() error = nil, want validation error")
			}
		})
	}

	if _, err := Resolve(Params{AllowedSourceRanges: []string{ServiceDefault}, DisableByFilePath: ServiceDefault}); err != nil {
		t.Errorf("explicit service defaults rejected: %v", err)
	}
}
