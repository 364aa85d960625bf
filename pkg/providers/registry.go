package providers

import (
	"database/sql"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// Host bundles what the providers need to reach one managed host.
type Host struct {
	System   System
	Packages PackageManager
	Services ServiceManager

	// Postgres is optional; without it postgresql_database intents have no
	// provider and fail with NO_PROVIDER.
	Postgres *sql.DB
}

// NewHost wires a host from a system and its OS family.
func NewHost(sys System, osFamily string) (*Host, error) {
	pm, err := NewPackageManager(sys, osFamily)
	if err != nil {
		return nil, err
	}
	return &Host{
		System:   sys,
		Packages: pm,
		Services: NewSystemd(sys),
	}, nil
}

// NewRegistry returns the provider for every intent kind the host supports.
func NewRegistry(h *Host) engine.ProviderMap {
	files := NewFileProvider(h.System)
	m := engine.ProviderMap{
		engine.KindAnchor:     AnchorProvider{},
		engine.KindDirectory:  files,
		engine.KindFile:       files,
		engine.KindPackage:    NewPackageProvider(h.Packages),
		engine.KindService:    NewServiceProvider(h.System, h.Services),
		engine.KindIniSetting: NewIniSettingProvider(h.System),
	}
	if h.Postgres != nil {
		m[engine.KindPostgresDatabase] = NewPostgresProvider(h.Postgres)
	}
	return m
}
