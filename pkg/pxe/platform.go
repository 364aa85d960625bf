package pxe

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// OSFamily groups operating systems that share package and service names.
type OSFamily string

const (
	OSFamilyDebian OSFamily = "Debian"
	OSFamilyRedHat OSFamily = "RedHat"
)

// Facts are the host facts supplied by the caller; the resolver never
// detects them itself.
type Facts struct {
	OSFamily        string `json:"osfamily" yaml:"osfamily"`
	OperatingSystem string `json:"operatingsystem,omitempty" yaml:"operatingsystem,omitempty"`
	MajorRelease    string `json:"operatingsystemmajrelease,omitempty" yaml:"operatingsystemmajrelease,omitempty"`
	Hostname        string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// PlatformProfile holds the per-OS-family names the resolver needs.
// Empty optional names mean the platform has no such package or service,
// and the resolver does not emit intents for it.
type PlatformProfile struct {
	OSFamily     OSFamily `json:"os_family" validate:"required"`
	MajorRelease int      `json:"major_release,omitempty"`

	ServiceUser  string `json:"service_user" validate:"required"`
	ServiceGroup string `json:"service_group" validate:"required"`

	TFTPServerPackage string `json:"tftp_server_package" validate:"required"`
	TFTPServerBinary  string `json:"tftp_server_binary" validate:"required,startswith=/"`
	XinetdAvailable   bool   `json:"xinetd_available"`
	XinetdPackage     string `json:"xinetd_package" validate:"required"`
	XinetdService     string `json:"xinetd_service" validate:"required"`

	EmbeddedPackage    string `json:"embedded_package,omitempty"`
	EmbeddedService    string `json:"embedded_service,omitempty"`
	EmbeddedConfigPath string `json:"embedded_config_path" validate:"required,startswith=/"`

	IPXEPackage   string `json:"ipxe_package,omitempty"`
	IPXERomDir    string `json:"ipxe_rom_dir" validate:"required,startswith=/"`
	IPXEBIOSImage string `json:"ipxe_bios_image" validate:"required"`
	IPXEUEFIImage string `json:"ipxe_uefi_image" validate:"required"`

	SyslinuxPackage string   `json:"syslinux_package,omitempty"`
	SyslinuxFiles   []string `json:"syslinux_files,omitempty"`

	TFTPLabel string `json:"tftp_label" validate:"required"`
	HTTPLabel string `json:"http_label" validate:"required"`
}

// Boot image names as placed under the TFTP root.
const (
	BIOSChainloadImage = "undionly.kpxe"
	UEFIChainloadImage = "snponly.efi"
	SyslinuxBootFile   = "pxelinux.0"
)

func baseProfile() PlatformProfile {
	return PlatformProfile{
		ServiceUser:        "ironic",
		ServiceGroup:       "ironic",
		TFTPServerBinary:   "/usr/sbin/in.tftpd",
		XinetdAvailable:    true,
		XinetdPackage:      "xinetd",
		XinetdService:      "xinetd",
		EmbeddedConfigPath: "/etc/ironic/dnsmasq-tftp-server.conf",
		IPXEBIOSImage:      "undionly.kpxe",
		TFTPLabel:          "tftpdir_t",
		HTTPLabel:          "httpd_sys_content_t",
	}
}

// DebianProfile returns the profile for Debian and Ubuntu hosts.
func DebianProfile(major int) PlatformProfile {
	p := baseProfile()
	p.OSFamily = OSFamilyDebian
	p.MajorRelease = major
	p.TFTPServerPackage = "tftpd-hpa"
	p.IPXEPackage = "ipxe"
	p.IPXERomDir = "/usr/lib/ipxe"
	p.IPXEUEFIImage = "snponly.efi"
	p.SyslinuxPackage = "pxelinux"
	p.SyslinuxFiles = []string{SyslinuxBootFile}
	return p
}

// RedHatProfile returns the profile for RHEL, CentOS and Fedora hosts.
func RedHatProfile(major int) PlatformProfile {
	p := baseProfile()
	p.OSFamily = OSFamilyRedHat
	p.MajorRelease = major
	p.TFTPServerPackage = "tftp-server"
	p.EmbeddedPackage = "openstack-ironic-dnsmasq-tftp-server"
	p.EmbeddedService = "openstack-ironic-dnsmasq-tftp-server"
	p.IPXEPackage = "ipxe-bootimgs"
	p.IPXERomDir = "/usr/share/ipxe"
	p.IPXEUEFIImage = "ipxe-snponly-x86_64.efi"
	p.SyslinuxPackage = "syslinux-tftpboot"
	p.SyslinuxFiles = []string{SyslinuxBootFile, "chain.c32"}
	// xinetd was dropped in EL9.
	if major >= 9 {
		p.XinetdAvailable = false
		p.IPXEPackage = "ipxe-bootimgs-x86"
	}
	return p
}

// UnsupportedPlatformError reports facts no built-in profile matches.
type UnsupportedPlatformError struct {
	OSFamily string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported os family %q", e.OSFamily)
}

// LookupProfile returns the built-in profile for the facts.
func LookupProfile(facts Facts) (PlatformProfile, error) {
	major := 0
	if facts.MajorRelease != "" {
		n, err := strconv.Atoi(strings.SplitN(facts.MajorRelease, ".", 2)[0])
		if err != nil {
			return PlatformProfile{}, fmt.Errorf("invalid operatingsystemmajrelease %q: %w", facts.MajorRelease, err)
		}
		major = n
	}

	switch strings.ToLower(facts.OSFamily) {
	case "debian":
		return DebianProfile(major), nil
	case "redhat":
		return RedHatProfile(major), nil
	default:
		return PlatformProfile{}, &UnsupportedPlatformError{OSFamily: facts.OSFamily}
	}
}

var (
	profileValidateOnce sync.Once
	profileValidate     *validator.Validate
)

// Validate checks a profile, typically one produced by a plugin.
// The syslinux file list defaults to pxelinux.0 so disabling syslinux
// always has a boot file to remove.
func (p *PlatformProfile) Validate() error {
	profileValidateOnce.Do(func() {
		profileValidate = validator.New()
	})
	if err := profileValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid platform profile: %w", err)
	}
	if len(p.SyslinuxFiles) == 0 {
		p.SyslinuxFiles = []string{SyslinuxBootFile}
	}
	for _, f := range p.SyslinuxFiles {
		if f == "" || strings.Contains(f, "/") {
			return fmt.Errorf("invalid platform profile: syslinux file %q must be a bare file name", f)
		}
	}
	if p.EmbeddedPackage != "" && p.EmbeddedService == "" {
		return fmt.Errorf("invalid platform profile: embedded package %q has no service", p.EmbeddedPackage)
	}
	return nil
}

// ParseOSRelease maps os-release(5) onto facts. Hostname is left empty.
func ParseOSRelease(data string) Facts {
	vars := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		vars[k] = strings.Trim(v, `"'`)
	}

	facts := Facts{
		OperatingSystem: vars["NAME"],
		MajorRelease:    strings.SplitN(vars["VERSION_ID"], ".", 2)[0],
	}
	like := " " + vars["ID"] + " " + vars["ID_LIKE"] + " "
	switch {
	case strings.Contains(like, " debian ") || strings.Contains(like, " ubuntu "):
		facts.OSFamily = string(OSFamilyDebian)
	case strings.Contains(like, " rhel ") || strings.Contains(like, " fedora ") || strings.Contains(like, " centos "):
		facts.OSFamily = string(OSFamilyRedHat)
	case strings.Contains(like, " suse ") || strings.Contains(like, " sles "):
		facts.OSFamily = "Suse"
	default:
		facts.OSFamily = vars["ID"]
	}
	return facts
}
