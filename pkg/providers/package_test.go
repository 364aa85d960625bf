package providers

import (
	"context"
	"testing"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

func TestPackageProvider(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		installed   string
		intent      *engine.Intent
		wantChanges int
		wantVersion string
		wantGone    bool
	}{
		{
			name:        "install",
			intent:      engine.NewIntent(engine.KindPackage, "ipxe", engine.StatePresent),
			wantChanges: 1,
			wantVersion: "1.21",
		},
		{
			name:      "already installed",
			installed: "1.20",
			intent:    engine.NewIntent(engine.KindPackage, "ipxe", engine.StatePresent),
		},
		{
			name:        "latest upgrades",
			installed:   "1.20",
			intent:      engine.NewIntent(engine.KindPackage, "ipxe", engine.StatePresent).Set(engine.AttrVersion, "latest"),
			wantChanges: 1,
			wantVersion: "1.21",
		},
		{
			name:        "pinned version",
			installed:   "1.21",
			intent:      engine.NewIntent(engine.KindPackage, "ipxe", engine.StatePresent).Set(engine.AttrVersion, "1.19"),
			wantChanges: 1,
			wantVersion: "1.19",
		},
		{
			name:        "absent",
			installed:   "1.21",
			intent:      engine.NewIntent(engine.KindPackage, "ipxe", engine.StateAbsent),
			wantChanges: 1,
			wantGone:    true,
		},
		{
			name:     "absent and missing",
			intent:   engine.NewIntent(engine.KindPackage, "ipxe", engine.StateAbsent),
			wantGone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := NewMemorySystem()
			sys.AddRepoPackage("ipxe", "1.21")
			if tt.installed != "" {
				if err := sys.Install(ctx, "ipxe", tt.installed); err != nil {
					t.Fatal(err)
				}
			}
			p := NewPackageProvider(sys)

			changes := checkAndApply(t, p, tt.intent)
			if len(changes) != tt.wantChanges {
				t.Fatalf("changes = %v, want %d", changes, tt.wantChanges)
			}
			version, installed, _ := sys.Query(ctx, "ipxe")
			if tt.wantGone {
				if installed {
					t.Errorf("package still installed at %s", version)
				}
			} else if tt.wantVersion != "" && version != tt.wantVersion {
				t.Errorf("installed version = %s, want %s", version, tt.wantVersion)
			}
			assertConverged(t, p, tt.intent)
		})
	}
}

func TestPackageProvider_Named(t *testing.T) {
	sys := NewMemorySystem()
	sys.AddRepoPackage("tftpd-hpa", "5.2")
	p := NewPackageProvider(sys)

	intent := engine.NewIntent(engine.KindPackage, "tftp-server", engine.StatePresent).Named("tftpd-hpa")
	checkAndApply(t, p, intent)

	if _, ok, _ := sys.Query(context.Background(), "tftpd-hpa"); !ok {
		t.Error("package installed under the title instead of its name")
	}
}
