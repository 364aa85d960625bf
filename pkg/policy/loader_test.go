package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `package site.policies.test

import rego.v1

# Rejects hosts named invalid.
# severity: error

deny contains "invalid host" if {
	input.host == "invalid"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func loadOne(t *testing.T, l *Loader, path string) (*Policy, error) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return l.load(path, info)
}

func TestLoad_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	writeFile(t, policyFile, testRego)

	policy, err := loadOne(t, loader, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Rejects hosts named invalid." {
		t.Errorf("Description = %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Severity = %s, want error", policy.Severity)
	}
	if policy.Source != policyFile {
		t.Errorf("Source = %s, want %s", policy.Source, policyFile)
	}
}

func TestLoad_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "from-json.json")

	data, err := json.Marshal(Policy{
		Description: "A test policy",
		Rego:        "package test\n",
		Enabled:     true,
		Tags:        []string{"test"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := loadOne(t, loader, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "from-json" {
		t.Errorf("Name = %s, want file name", loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Severity = %s, want default warning", loaded.Severity)
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), testRego)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2 (broken and non-policy files skipped)", len(policies))
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for non-existent path")
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, "{")
	if _, err := loader.LoadFromPaths(context.Background(), []string{bad}); err == nil {
		t.Error("expected error for invalid JSON given directly")
	}

	other := filepath.Join(dir, "policy.txt")
	writeFile(t, other, "x")
	if _, err := loader.LoadFromPaths(context.Background(), []string{other}); err == nil {
		t.Error("expected error for unsupported file type")
	}
}

func TestExtractMetadata(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "comments before package",
			content:     "# First line.\n# Second line.\npackage x\n",
			description: "First line. Second line.",
		},
		{
			name:        "severity line",
			content:     "package x\n\n# Blocks.\n# severity: critical\n\ndeny contains 1 if { false }\n",
			description: "Blocks.",
			severity:    SeverityCritical,
		},
		{
			name:    "no comments",
			content: "package x\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity := extractMetadata(tt.content)
			if description != tt.description {
				t.Errorf("description = %q, want %q", description, tt.description)
			}
			if severity != tt.severity {
				t.Errorf("severity = %q, want %q", severity, tt.severity)
			}
		})
	}
}

func TestLoad_Cache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, policyFile, testRego)

	first, err := loadOne(t, loader, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	again, _ := loadOne(t, loader, policyFile)
	if again != first {
		t.Error("unchanged file was parsed again")
	}

	writeFile(t, policyFile, "package changed\n")
	fresh, err := loadOne(t, loader, policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if fresh.Rego != "package changed\n" {
		t.Error("changed file was served from the cache")
	}
}

func TestWatch_Reloads(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), testRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		reloads [][]Policy
	)
	err := loader.Watch(ctx, []string{dir}, func(_ context.Context, policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloads = append(reloads, policies)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), testRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloads)
		var last []Policy
		if n > 0 {
			last = reloads[n-1]
		}
		mu.Unlock()
		if len(last) == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policies were not reloaded after a new file appeared")
}
