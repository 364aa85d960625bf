package plugins

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

func suseProfile() pxe.PlatformProfile {
	p := pxe.DebianProfile(15)
	p.OSFamily = "Suse"
	p.TFTPServerPackage = "tftp"
	p.IPXEPackage = "ipxe-bootimgs"
	p.IPXERomDir = "/usr/share/ipxe"
	p.SyslinuxPackage = "syslinux"
	return p
}

func profileResponse(t *testing.T, profile pxe.PlatformProfile) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"profile": profile})
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	return string(data)
}

func newTestPlugin(t *testing.T, manifest *Manifest, module []byte, logger zerolog.Logger) *ProfilePlugin {
	t.Helper()
	ctx := context.Background()
	p, err := New(ctx, manifest, module, nil, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close(ctx) })
	return p
}

func TestProfilePlugin_Resolve(t *testing.T) {
	want := suseProfile()
	var logs bytes.Buffer
	module := fixedResponseModule("resolving profile", profileResponse(t, want))

	p := newTestPlugin(t, &Manifest{Name: "suse", Version: "1.0.0"}, module, zerolog.New(&logs))

	got, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "Suse", MajorRelease: "15"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %+v\nwant %+v", got, want)
	}

	out := logs.String()
	if !strings.Contains(out, `"message":"resolving profile"`) || !strings.Contains(out, `"plugin":"suse"`) {
		t.Errorf("plugin log not forwarded: %s", out)
	}

	// Resolving again reuses the instance.
	if _, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "Suse"}); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
}

func TestProfilePlugin_DefaultsSyslinuxFiles(t *testing.T) {
	profile := suseProfile()
	profile.SyslinuxFiles = nil
	module := fixedResponseModule("", profileResponse(t, profile))

	p := newTestPlugin(t, &Manifest{Name: "suse", Version: "1"}, module, zerolog.Nop())

	got, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "Suse"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got.SyslinuxFiles, []string{pxe.SyslinuxBootFile}) {
		t.Errorf("SyslinuxFiles = %v, want [pxelinux.0]", got.SyslinuxFiles)
	}
}

func TestProfilePlugin_Errors(t *testing.T) {
	tests := []struct {
		name    string
		module  []byte
		facts   pxe.Facts
		wantErr string
	}{
		{
			name:    "plugin error",
			module:  fixedResponseModule("", `{"error":"unknown release 3"}`),
			facts:   pxe.Facts{OSFamily: "Suse"},
			wantErr: "unknown release 3",
		},
		{
			name:    "invalid profile",
			module:  fixedResponseModule("", `{"profile":{"os_family":"Suse"}}`),
			facts:   pxe.Facts{OSFamily: "Suse"},
			wantErr: "invalid platform profile",
		},
		{
			name:    "malformed response",
			module:  fixedResponseModule("", `{"profile":`),
			facts:   pxe.Facts{OSFamily: "Suse"},
			wantErr: "unmarshal response",
		},
		{
			name:    "no profile",
			module:  echoModule(),
			facts:   pxe.Facts{OSFamily: "Suse"},
			wantErr: "neither profile nor error",
		},
		{
			name:    "trap",
			module:  trapModule(),
			facts:   pxe.Facts{OSFamily: "Suse"},
			wantErr: "profile_resolve failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlugin(t, &Manifest{Name: "test", Version: "1"}, tt.module, zerolog.Nop())
			_, err := p.Resolve(context.Background(), tt.facts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestProfilePlugin_OSFamilies(t *testing.T) {
	module := fixedResponseModule("", profileResponse(t, suseProfile()))
	manifest := &Manifest{Name: "suse", Version: "1", OSFamilies: []string{"Suse"}}
	p := newTestPlugin(t, manifest, module, zerolog.Nop())

	_, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "Debian"})
	var unsupported *pxe.UnsupportedPlatformError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Resolve() error = %v, want UnsupportedPlatformError", err)
	}

	if _, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "suse"}); err != nil {
		t.Fatalf("Resolve() with matching family (case-insensitive) error = %v", err)
	}
}

func TestProfilePlugin_Concurrent(t *testing.T) {
	module := fixedResponseModule("", profileResponse(t, suseProfile()))
	p := newTestPlugin(t, &Manifest{Name: "suse", Version: "1"}, module, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Resolve(context.Background(), pxe.Facts{OSFamily: "Suse"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Resolve() error = %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, &Manifest{Name: "x", Version: "1"}, moduleWithoutResolve(), nil, zerolog.Nop()); err == nil ||
		!strings.Contains(err.Error(), "profile_resolve") {
		t.Errorf("New() without profile_resolve error = %v", err)
	}

	if _, err := New(ctx, &Manifest{Name: "x", Version: "1"}, []byte("not wasm"), nil, zerolog.Nop()); err == nil {
		t.Error("New() accepted invalid module bytes")
	}

	module := echoModule()
	bad := &Manifest{Name: "x", Version: "1", Checksum: strings.Repeat("0", 64)}
	if _, err := New(ctx, bad, module, nil, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("New() with wrong checksum error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	module := fixedResponseModule("", profileResponse(t, suseProfile()))
	wasmPath := filepath.Join(dir, "suse.wasm")
	if err := os.WriteFile(wasmPath, module, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	sum := sha256.Sum256(module)

	manifestPath := filepath.Join(dir, "plugin.yaml")
	manifestYAML := "name: suse-profile\nversion: 0.1.0\nentrypoint: suse.wasm\nchecksum: " +
		hex.EncodeToString(sum[:]) + "\nos_families: [Suse]\n"
	if err := os.WriteFile(manifestPath, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	ctx := context.Background()
	for _, path := range []string{manifestPath, wasmPath} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			p, err := Load(ctx, path, &Config{}, zerolog.Nop())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			defer p.Close(ctx)

			if _, err := p.Resolve(ctx, pxe.Facts{OSFamily: "Suse"}); err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if path == manifestPath && !p.Manifest().Verified {
				t.Error("manifest checksum was not verified")
			}
			if path == wasmPath && p.Manifest().Name != "suse" {
				t.Errorf("bare module name = %s, want suse", p.Manifest().Name)
			}
		})
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "valid", yaml: "name: a\nversion: '1'\nentrypoint: a.wasm\n"},
		{name: "no name", yaml: "version: '1'\nentrypoint: a.wasm\n", wantErr: "name is required"},
		{name: "no version", yaml: "name: a\nentrypoint: a.wasm\n", wantErr: "version is required"},
		{name: "no entrypoint", yaml: "name: a\nversion: '1'\n", wantErr: "entrypoint is required"},
		{name: "bad checksum", yaml: "name: a\nversion: '1'\nentrypoint: a.wasm\nchecksum: xyz\n", wantErr: "hex SHA256"},
		{name: "bad yaml", yaml: "name: [", wantErr: "parse manifest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseManifest() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParseManifest() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadManifest_MissingModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	if err := os.WriteFile(path, []byte("name: a\nversion: '1'\nentrypoint: missing.wasm\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("LoadManifest() error = %v", err)
	}
}

func TestBuiltinResolver(t *testing.T) {
	var r ProfileResolver = BuiltinResolver{}
	got, err := r.Resolve(context.Background(), pxe.Facts{OSFamily: "RedHat", MajorRelease: "9"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got, pxe.RedHatProfile(9)) {
		t.Errorf("Resolve() = %+v, want RedHatProfile(9)", got)
	}
}
