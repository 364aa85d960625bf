package config

import (
	"fmt"
	"strings"

	"github.com/eb4x/puppet-ironic/pkg/healthcheck"
	"github.com/eb4x/puppet-ironic/pkg/inspectordb"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// Document is a loaded configuration file.
type Document struct {
	// PXE holds the network-boot settings. They are validated by
	// pxe.Validate once platform defaults are known.
	PXE pxe.RawConfig `json:"pxe" yaml:"pxe" validate:"-"`

	// Healthcheck enables the healthcheck collaborator when set.
	Healthcheck *healthcheck.Params `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty" validate:"-"`

	// InspectorDB enables the inspector database collaborator when set.
	InspectorDB *inspectordb.Params `json:"inspector_db,omitempty" yaml:"inspector_db,omitempty" validate:"-"`

	// Hosts are the conductors to converge over SSH. Empty means the local host.
	Hosts []HostConfig `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"unique=Name,dive"`

	// Overrides is the path of a Starlark override script, relative to the
	// configuration file.
	Overrides string `json:"overrides,omitempty" yaml:"overrides,omitempty"`

	// StateDB is the path of the SQLite run history.
	StateDB string `json:"state_db,omitempty" yaml:"state_db,omitempty"`

	// Source is the file the document was loaded from.
	Source string `json:"-" yaml:"-"`
}

// HostConfig describes one conductor host.
type HostConfig struct {
	Name        string     `json:"name" yaml:"name" validate:"required"`
	Address     string     `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port        int        `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User        string     `json:"user,omitempty" yaml:"user,omitempty"`
	Sudo        *bool      `json:"sudo,omitempty" yaml:"sudo,omitempty"`
	PrivateKey  string     `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Proxy       string     `json:"proxy,omitempty" yaml:"proxy,omitempty" validate:"omitempty,hostname_port"`
	PostgresDSN string     `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	Facts       *pxe.Facts `json:"facts,omitempty" yaml:"facts,omitempty"`
}

// Dial returns the address to connect to.
func (h HostConfig) Dial() string {
	if h.Address != "" {
		return h.Address
	}
	return h.Name
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g. "pxe.http_port").
	Path string `json:"path,omitempty"`

	// Message describes the error.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects the validation errors of one file.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.String())
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Source, strings.Join(msgs, "; "))
}
