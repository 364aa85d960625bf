package pxe

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// Defaults for the network-boot configuration.
const (
	DefaultTFTPRoot      = "/tftpboot"
	DefaultHTTPRoot      = "/httpboot"
	DefaultHTTPPort      = 8088
	DefaultIPXETimeout   = 0
	DefaultPackageEnsure = "present"
)

// RawConfig is the unvalidated configuration as read from files or flags.
// Pointer fields distinguish "unset" from the zero value. The xinetd
// backend defaults to on, except that ApplyPlatformDefaults turns it off on
// platforms without xinetd (RedHat 9 and later) when the key is unset.
type RawConfig struct {
	TFTPRoot             string       `json:"tftp_root,omitempty" yaml:"tftp_root,omitempty" validate:"omitempty,abspath,ne=/"`
	HTTPRoot             string       `json:"http_root,omitempty" yaml:"http_root,omitempty" validate:"omitempty,abspath,ne=/"`
	HTTPPort             *int         `json:"http_port,omitempty" yaml:"http_port,omitempty" validate:"omitempty,min=1,max=65535"`
	IPXETimeout          *int         `json:"ipxe_timeout,omitempty" yaml:"ipxe_timeout,omitempty" validate:"omitempty,min=0"`
	TFTPBindHost         string       `json:"tftp_bind_host,omitempty" yaml:"tftp_bind_host,omitempty" validate:"omitempty,ip"`
	UseXinetdBackend     *bool        `json:"tftp_use_xinetd,omitempty" yaml:"tftp_use_xinetd,omitempty"`
	SyslinuxPath         OptionalPath `json:"syslinux_path,omitempty" yaml:"syslinux_path,omitempty" validate:"omitempty,abspath"`
	IPXEChainloadEnabled *bool        `json:"ipxe_enabled,omitempty" yaml:"ipxe_enabled,omitempty"`
	PackageEnsure        string       `json:"package_ensure,omitempty" yaml:"package_ensure,omitempty" validate:"omitempty,packageensure"`
	DnsmasqLogFacility   string       `json:"dnsmasq_log_facility,omitempty" yaml:"dnsmasq_log_facility,omitempty" validate:"omitempty,nowhitespace"`
}

// ApplyPlatformDefaults fills settings whose default depends on the platform.
// Explicitly set values are kept.
func (r *RawConfig) ApplyPlatformDefaults(profile PlatformProfile) {
	if r.UseXinetdBackend == nil {
		available := profile.XinetdAvailable
		r.UseXinetdBackend = &available
	}
}

// Merge overlays the set fields of other onto r.
func (r *RawConfig) Merge(other RawConfig) {
	if other.TFTPRoot != "" {
		r.TFTPRoot = other.TFTPRoot
	}
	if other.HTTPRoot != "" {
		r.HTTPRoot = other.HTTPRoot
	}
	if other.HTTPPort != nil {
		r.HTTPPort = other.HTTPPort
	}
	if other.IPXETimeout != nil {
		r.IPXETimeout = other.IPXETimeout
	}
	if other.TFTPBindHost != "" {
		r.TFTPBindHost = other.TFTPBindHost
	}
	if other.UseXinetdBackend != nil {
		r.UseXinetdBackend = other.UseXinetdBackend
	}
	if other.SyslinuxPath.Set {
		r.SyslinuxPath = other.SyslinuxPath
	}
	if other.IPXEChainloadEnabled != nil {
		r.IPXEChainloadEnabled = other.IPXEChainloadEnabled
	}
	if other.PackageEnsure != "" {
		r.PackageEnsure = other.PackageEnsure
	}
	if other.DnsmasqLogFacility != "" {
		r.DnsmasqLogFacility = other.DnsmasqLogFacility
	}
}

// OptionalPath is a path that may be disabled with a literal false.
// Set records that the key was present at all, so an explicit false can
// override an earlier value when configs are merged.
type OptionalPath struct {
	Path string
	Set  bool
}

// Disabled returns an explicitly disabled path.
func Disabled() OptionalPath {
	return OptionalPath{Set: true}
}

// PathOf returns an enabled path.
func PathOf(p string) OptionalPath {
	return OptionalPath{Path: p, Set: true}
}

// Enabled reports whether a path is configured.
func (o OptionalPath) Enabled() bool {
	return o.Path != ""
}

// UnmarshalJSON accepts a string, false or null.
func (o *OptionalPath) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return o.fromValue(v)
}

// UnmarshalYAML accepts a string, false or null.
func (o *OptionalPath) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return o.fromValue(v)
}

func (o *OptionalPath) fromValue(v interface{}) error {
	switch val := v.(type) {
	case nil:
		*o = Disabled()
	case bool:
		if val {
			return fmt.Errorf("syslinux_path: true is not a path")
		}
		*o = Disabled()
	case string:
		*o = PathOf(val)
	default:
		return fmt.Errorf("syslinux_path: expected path or false, got %T", v)
	}
	return nil
}

// MarshalJSON renders a disabled path as false.
func (o OptionalPath) MarshalJSON() ([]byte, error) {
	if !o.Enabled() {
		return []byte("false"), nil
	}
	return json.Marshal(o.Path)
}

// MarshalYAML renders a disabled path as false.
func (o OptionalPath) MarshalYAML() (interface{}, error) {
	if !o.Enabled() {
		return false, nil
	}
	return o.Path, nil
}

// Config is the validated network-boot configuration. It is immutable once
// built by Validate; the resolver only reads it.
type Config struct {
	TFTPRoot             string     `json:"tftp_root"`
	HTTPRoot             string     `json:"http_root"`
	HTTPPort             uint16     `json:"http_port"`
	IPXETimeout          uint       `json:"ipxe_timeout"`
	TFTPBindHost         netip.Addr `json:"tftp_bind_host"`
	Backend              Backend    `json:"-"`
	SyslinuxPath         string     `json:"syslinux_path,omitempty"`
	IPXEChainloadEnabled bool       `json:"ipxe_enabled"`
	PackageEnsure        string     `json:"package_ensure"`
}

// BackendName returns the name of the active TFTP backend.
func (c Config) BackendName() string {
	return c.backend().Name()
}

// SyslinuxEnabled reports whether legacy BIOS boot-loader files are provisioned.
func (c Config) SyslinuxEnabled() bool {
	return c.SyslinuxPath != ""
}

// HasBindHost reports whether the TFTP backend is bound to a single address.
func (c Config) HasBindHost() bool {
	return c.TFTPBindHost.IsValid()
}

// backend returns the configured backend, defaulting to xinetd for a zero Config.
func (c Config) backend() Backend {
	if c.Backend == nil {
		return XinetdBackend{}
	}
	return c.Backend
}

// DefaultConfig returns the configuration produced by validating an empty RawConfig.
func DefaultConfig() Config {
	return Config{
		TFTPRoot:             DefaultTFTPRoot,
		HTTPRoot:             DefaultHTTPRoot,
		HTTPPort:             DefaultHTTPPort,
		IPXETimeout:          DefaultIPXETimeout,
		Backend:              XinetdBackend{},
		IPXEChainloadEnabled: true,
		PackageEnsure:        DefaultPackageEnsure,
	}
}
