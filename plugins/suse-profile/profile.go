package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// facts mirrors the facts ironic-pxe sends to profile_resolve.
type facts struct {
	OSFamily        string `json:"osfamily"`
	OperatingSystem string `json:"operatingsystem,omitempty"`
	MajorRelease    string `json:"operatingsystemmajrelease,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
}

// profile is the platform profile returned to ironic-pxe.
type profile struct {
	OSFamily     string `json:"os_family"`
	MajorRelease int    `json:"major_release,omitempty"`

	ServiceUser  string `json:"service_user"`
	ServiceGroup string `json:"service_group"`

	TFTPServerPackage string `json:"tftp_server_package"`
	TFTPServerBinary  string `json:"tftp_server_binary"`
	XinetdAvailable   bool   `json:"xinetd_available"`
	XinetdPackage     string `json:"xinetd_package"`
	XinetdService     string `json:"xinetd_service"`

	EmbeddedPackage    string `json:"embedded_package,omitempty"`
	EmbeddedService    string `json:"embedded_service,omitempty"`
	EmbeddedConfigPath string `json:"embedded_config_path"`

	IPXEPackage   string `json:"ipxe_package,omitempty"`
	IPXERomDir    string `json:"ipxe_rom_dir"`
	IPXEBIOSImage string `json:"ipxe_bios_image"`
	IPXEUEFIImage string `json:"ipxe_uefi_image"`

	SyslinuxPackage string   `json:"syslinux_package,omitempty"`
	SyslinuxFiles   []string `json:"syslinux_files,omitempty"`

	TFTPLabel string `json:"tftp_label"`
	HTTPLabel string `json:"http_label"`
}

type response struct {
	Profile *profile `json:"profile,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// resolve returns the profile for SUSE facts.
func resolve(f facts) (*profile, error) {
	if !strings.EqualFold(f.OSFamily, "Suse") {
		return nil, fmt.Errorf("unsupported os family %q", f.OSFamily)
	}
	major := 0
	if f.MajorRelease != "" {
		n, err := strconv.Atoi(f.MajorRelease)
		if err != nil {
			return nil, fmt.Errorf("invalid major release %q", f.MajorRelease)
		}
		major = n
	}
	if major != 0 && major < 12 {
		return nil, fmt.Errorf("SUSE %d is not supported", major)
	}

	p := &profile{
		OSFamily:           "Suse",
		MajorRelease:       major,
		ServiceUser:        "ironic",
		ServiceGroup:       "ironic",
		TFTPServerPackage:  "tftp",
		TFTPServerBinary:   "/usr/sbin/in.tftpd",
		XinetdAvailable:    true,
		XinetdPackage:      "xinetd",
		XinetdService:      "xinetd",
		EmbeddedConfigPath: "/etc/ironic/dnsmasq-tftp-server.conf",
		IPXEPackage:        "ipxe-bootimgs",
		IPXERomDir:         "/usr/share/ipxe",
		IPXEBIOSImage:      "undionly.kpxe",
		IPXEUEFIImage:      "ipxe-x86_64.efi",
		SyslinuxPackage:    "syslinux",
		SyslinuxFiles:      []string{"pxelinux.0", "ldlinux.c32"},
		TFTPLabel:          "tftpdir_t",
		HTTPLabel:          "httpd_sys_content_t",
	}
	// SLE 15 and Leap 15 ship without xinetd.
	if major >= 15 {
		p.XinetdAvailable = false
	}
	return p, nil
}

// handle decodes the facts, resolves them and encodes the response.
// Errors are reported in the response, never as a trap.
func handle(input []byte) []byte {
	var resp response

	var f facts
	if err := json.Unmarshal(input, &f); err != nil {
		resp.Error = fmt.Sprintf("invalid facts: %v", err)
	} else if p, err := resolve(f); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Profile = p
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"failed to encode response"}`)
	}
	return out
}
