package pxe

import (
	"errors"
	"reflect"
	"testing"
)

func TestLookupProfile(t *testing.T) {
	tests := []struct {
		name         string
		facts        Facts
		wantFamily   OSFamily
		wantTFTP     string
		wantEmbedded string
		wantXinetd   bool
		wantSyslinux []string
	}{
		{
			name:         "debian",
			facts:        Facts{OSFamily: "Debian", OperatingSystem: "Ubuntu", MajorRelease: "22.04"},
			wantFamily:   OSFamilyDebian,
			wantTFTP:     "tftpd-hpa",
			wantXinetd:   true,
			wantSyslinux: []string{"pxelinux.0"},
		},
		{
			name:         "el8",
			facts:        Facts{OSFamily: "RedHat", OperatingSystem: "CentOS", MajorRelease: "8"},
			wantFamily:   OSFamilyRedHat,
			wantTFTP:     "tftp-server",
			wantEmbedded: "openstack-ironic-dnsmasq-tftp-server",
			wantXinetd:   true,
			wantSyslinux: []string{"pxelinux.0", "chain.c32"},
		},
		{
			name:         "el9",
			facts:        Facts{OSFamily: "redhat", MajorRelease: "9"},
			wantFamily:   OSFamilyRedHat,
			wantTFTP:     "tftp-server",
			wantEmbedded: "openstack-ironic-dnsmasq-tftp-server",
			wantXinetd:   false,
			wantSyslinux: []string{"pxelinux.0", "chain.c32"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LookupProfile(tt.facts)
			if err != nil {
				t.Fatalf("LookupProfile() error = %v", err)
			}
			if p.OSFamily != tt.wantFamily {
				t.Errorf("OSFamily = %s, want %s", p.OSFamily, tt.wantFamily)
			}
			if p.TFTPServerPackage != tt.wantTFTP {
				t.Errorf("TFTPServerPackage = %q, want %q", p.TFTPServerPackage, tt.wantTFTP)
			}
			if p.EmbeddedService != tt.wantEmbedded || p.EmbeddedPackage != tt.wantEmbedded {
				t.Errorf("embedded = %q/%q, want %q", p.EmbeddedPackage, p.EmbeddedService, tt.wantEmbedded)
			}
			if p.XinetdAvailable != tt.wantXinetd {
				t.Errorf("XinetdAvailable = %v, want %v", p.XinetdAvailable, tt.wantXinetd)
			}
			if !reflect.DeepEqual(p.SyslinuxFiles, tt.wantSyslinux) {
				t.Errorf("SyslinuxFiles = %v, want %v", p.SyslinuxFiles, tt.wantSyslinux)
			}
			if err := p.Validate(); err != nil {
				t.Errorf("built-in profile invalid: %v", err)
			}
		})
	}
}

func TestLookupProfile_Errors(t *testing.T) {
	_, err := LookupProfile(Facts{OSFamily: "Suse"})
	var unsupported *UnsupportedPlatformError
	if !errors.As(err, &unsupported) {
		t.Fatalf("error = %v, want UnsupportedPlatformError", err)
	}
	if unsupported.OSFamily != "Suse" {
		t.Errorf("OSFamily = %q", unsupported.OSFamily)
	}

	if _, err := LookupProfile(Facts{OSFamily: "RedHat", MajorRelease: "nine"}); err == nil {
		t.Error("expected error for non-numeric release")
	}
}

func TestPlatformProfile_Validate(t *testing.T) {
	p := DebianProfile(12)
	p.SyslinuxFiles = nil
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reflect.DeepEqual(p.SyslinuxFiles, []string{"pxelinux.0"}) {
		t.Errorf("SyslinuxFiles = %v, want default", p.SyslinuxFiles)
	}

	bad := []func(*PlatformProfile){
		func(p *PlatformProfile) { p.ServiceUser = "" },
		func(p *PlatformProfile) { p.TFTPServerBinary = "in.tftpd" },
		func(p *PlatformProfile) { p.SyslinuxFiles = []string{"../pxelinux.0"} },
		func(p *PlatformProfile) { p.EmbeddedPackage = "dnsmasq"; p.EmbeddedService = "" },
	}
	for i, mutate := range bad {
		p := RedHatProfile(8)
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: Validate() succeeded, want error", i)
		}
	}
}

func TestParseOSRelease(t *testing.T) {
	tests := []struct {
		name, data, family, major string
	}{
		{"debian", "ID=debian\nVERSION_ID=\"12\"\nNAME=\"Debian GNU/Linux\"\n", "Debian", "12"},
		{"ubuntu", "ID=ubuntu\nID_LIKE=debian\nVERSION_ID=\"22.04\"\n", "Debian", "22"},
		{"rocky", "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"9.3\"\n", "RedHat", "9"},
		{"centos", "ID=\"centos\"\nID_LIKE=\"rhel fedora\"\nVERSION_ID=\"8\"\n", "RedHat", "8"},
		{"leap", "ID=\"opensuse-leap\"\nID_LIKE=\"suse opensuse\"\nVERSION_ID=\"15.5\"\n", "Suse", "15"},
		{"unknown", "ID=arch\n", "arch", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := ParseOSRelease(tt.data)
			if facts.OSFamily != tt.family || facts.MajorRelease != tt.major {
				t.Errorf("ParseOSRelease() = %+v, want %s %s", facts, tt.family, tt.major)
			}
		})
	}
}
