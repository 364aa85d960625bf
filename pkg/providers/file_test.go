package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

func checkAndApply(t *testing.T, p engine.Provider, intent *engine.Intent) []engine.Change {
	t.Helper()
	ctx := context.Background()
	changes, err := p.Check(ctx, intent)
	if err != nil {
		t.Fatalf("Check(%s) error = %v", intent.ID(), err)
	}
	if len(changes) == 0 {
		return nil
	}
	if err := p.Apply(ctx, intent, changes); err != nil {
		t.Fatalf("Apply(%s) error = %v", intent.ID(), err)
	}
	return changes
}

func assertConverged(t *testing.T, p engine.Provider, intent *engine.Intent) {
	t.Helper()
	changes, err := p.Check(context.Background(), intent)
	if err != nil {
		t.Fatalf("Check(%s) error = %v", intent.ID(), err)
	}
	if len(changes) != 0 {
		t.Errorf("%s not converged, changes = %v", intent.ID(), changes)
	}
}

func TestFileProvider_CreateDirectory(t *testing.T) {
	sys := NewMemorySystem()
	p := NewFileProvider(sys)

	dir := engine.NewIntent(engine.KindDirectory, "/tftpboot", engine.StatePresent).
		Set(engine.AttrOwner, "ironic").
		Set(engine.AttrGroup, "ironic")

	changes := checkAndApply(t, p, dir)
	if len(changes) != 1 || changes[0].Path != "ensure" {
		t.Fatalf("changes = %v, want one ensure change", changes)
	}

	info, err := sys.Stat(context.Background(), "/tftpboot")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !info.IsDir || info.Mode != 0o755 || info.Owner != "ironic" || info.Group != "ironic" {
		t.Errorf("directory = %+v", info)
	}
	assertConverged(t, p, dir)
}

func TestFileProvider_Content(t *testing.T) {
	ctx := context.Background()
	sys := NewMemorySystem()
	p := NewFileProvider(sys)

	file := engine.NewIntent(engine.KindFile, "/map-file", engine.StatePresent).
		Set(engine.AttrContent, "r ^([^/]) /tftpboot/\\1\n").
		Set(engine.AttrMode, "0644")
	checkAndApply(t, p, file)
	assertConverged(t, p, file)

	if err := sys.WriteFile(ctx, "/map-file", []byte("drift\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	changes, err := p.Check(ctx, file)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	paths := map[string]bool{}
	for _, c := range changes {
		paths[c.Path] = true
	}
	if !paths["content"] || !paths["mode"] {
		t.Fatalf("changes = %v, want content and mode", changes)
	}
	if err := p.Apply(ctx, file, changes); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assertConverged(t, p, file)
}

func TestFileProvider_Backup(t *testing.T) {
	ctx := context.Background()
	sys := NewMemorySystem()
	if err := sys.WriteFile(ctx, "/conf", []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider(sys)

	file := engine.NewIntent(engine.KindFile, "/conf", engine.StatePresent).
		Set(engine.AttrContent, "new").
		Set(engine.AttrBackup, "true")
	checkAndApply(t, p, file)

	data, err := sys.ReadFile(ctx, "/conf.bak")
	if err != nil || string(data) != "old" {
		t.Errorf("backup = %q, %v; want %q", data, err, "old")
	}
}

func TestFileProvider_Source(t *testing.T) {
	ctx := context.Background()
	sys := NewMemorySystem()
	p := NewFileProvider(sys)

	image := engine.NewIntent(engine.KindFile, "/undionly.kpxe", engine.StatePresent).
		Set(engine.AttrSource, "/usr/lib/ipxe/undionly.kpxe")

	_, err := p.Check(ctx, image)
	if err == nil {
		t.Fatal("Check() with missing source succeeded, want error")
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeNotFound || !engine.IsRetryable(err) {
		t.Errorf("Check() error = %v, want retryable NOT_FOUND", err)
	}

	sys.MkdirAll("/usr/lib/ipxe")
	if err := sys.WriteFile(ctx, "/usr/lib/ipxe/undionly.kpxe", []byte("rom"), 0o644); err != nil {
		t.Fatal(err)
	}
	checkAndApply(t, p, image)
	data, _ := sys.ReadFile(ctx, "/undionly.kpxe")
	if string(data) != "rom" {
		t.Errorf("copied content = %q, want %q", data, "rom")
	}
	assertConverged(t, p, image)
}

func TestFileProvider_TypeConflict(t *testing.T) {
	ctx := context.Background()
	sys := NewMemorySystem()
	if err := sys.Mkdir(ctx, "/tftpboot", 0o755); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider(sys)

	_, err := p.Check(ctx, engine.NewIntent(engine.KindFile, "/tftpboot", engine.StatePresent))
	if !engine.IsConflict(err) {
		t.Errorf("Check() error = %v, want conflict", err)
	}
}

func TestFileProvider_Absent(t *testing.T) {
	ctx := context.Background()
	sys := NewMemorySystem()
	if err := sys.WriteFile(ctx, "/pxelinux.0", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider(sys)

	absent := engine.NewIntent(engine.KindFile, "/pxelinux.0", engine.StateAbsent)
	changes := checkAndApply(t, p, absent)
	if len(changes) != 1 || changes[0].Action != engine.ChangeActionRemove {
		t.Fatalf("changes = %v, want one removal", changes)
	}
	if _, err := sys.Stat(ctx, "/pxelinux.0"); err == nil {
		t.Error("file still present after removal")
	}
	assertConverged(t, p, absent)
}

func TestFileProvider_SELinux(t *testing.T) {
	ctx := context.Background()
	dir := engine.NewIntent(engine.KindDirectory, "/httpboot", engine.StatePresent).
		Set(engine.AttrSELinux, "httpd_sys_content_t")

	t.Run("labeled", func(t *testing.T) {
		sys := NewMemorySystem()
		sys.EnableSELinux()
		p := NewFileProvider(sys)
		checkAndApply(t, p, dir)
		if got, _ := sys.SELinuxType(ctx, "/httpboot"); got != "httpd_sys_content_t" {
			t.Errorf("seltype = %q, want httpd_sys_content_t", got)
		}
		assertConverged(t, p, dir)
	})

	t.Run("unlabeled", func(t *testing.T) {
		sys := NewMemorySystem()
		p := NewFileProvider(sys)
		checkAndApply(t, p, dir)
		if got, _ := sys.SELinuxType(ctx, "/httpboot"); got != "" {
			t.Errorf("seltype = %q on an unlabeled host", got)
		}
		assertConverged(t, p, dir)
	})
}
