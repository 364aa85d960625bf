package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes a profile plugin. It is optional: a bare .wasm file
// loads with a manifest derived from its file name.
type Manifest struct {
	// Name identifies the plugin in logs.
	Name string `yaml:"name" json:"name"`

	// Version is the plugin version.
	Version string `yaml:"version" json:"version"`

	// Description is a human-readable summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Entrypoint is the WASM module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`

	// Checksum is the hex SHA256 of the WASM module. Empty skips
	// verification.
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	// OSFamilies limits the facts the plugin is consulted for. Empty
	// accepts every family.
	OSFamilies []string `yaml:"os_families,omitempty" json:"os_families,omitempty"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-" json:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-" json:"-"`

	// Verified is set once the module matched Checksum.
	Verified bool `yaml:"-" json:"-"`
}

// LoadManifest loads a manifest from a YAML file. A path ending in .wasm
// yields a manifest for that module alone.
func LoadManifest(path string) (*Manifest, error) {
	if strings.EqualFold(filepath.Ext(path), ".wasm") {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return &Manifest{
			Name:       name,
			Version:    "unversioned",
			Entrypoint: filepath.Base(path),
			WasmPath:   path,
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if filepath.IsAbs(manifest.Entrypoint) {
		manifest.WasmPath = manifest.Entrypoint
	} else {
		manifest.WasmPath = filepath.Join(filepath.Dir(path), manifest.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", manifest.WasmPath, err)
	}

	return manifest, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum != "" {
		if _, err := hex.DecodeString(m.Checksum); err != nil || len(m.Checksum) != sha256.Size*2 {
			return fmt.Errorf("checksum must be a hex SHA256 digest")
		}
	}
	return nil
}

// VerifyChecksum verifies the WASM module against the manifest checksum.
// It succeeds without checking when the manifest has no checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return nil
	}

	hash := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(hash[:])
	if !strings.EqualFold(computed, m.Checksum) {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// Accepts reports whether the plugin handles the OS family.
func (m *Manifest) Accepts(osFamily string) bool {
	if len(m.OSFamilies) == 0 {
		return true
	}
	for _, f := range m.OSFamilies {
		if strings.EqualFold(f, osFamily) {
			return true
		}
	}
	return false
}
