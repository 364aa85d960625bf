// Package inspectordb resolves the PostgreSQL database of ironic-inspector.
package inspectordb

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// Defaults for the inspector database.
const (
	DefaultUser       = "ironic-inspector"
	DefaultDBName     = "ironic-inspector"
	DefaultPrivileges = "ALL"
)

// Title is the title of the database intent, whatever the database is called.
const Title = "ironic-inspector"

// Params configures the inspector database.
type Params struct {
	Password   string `json:"password" yaml:"password" validate:"required"`
	User       string `json:"user,omitempty" yaml:"user,omitempty" validate:"omitempty,max=63"`
	DBName     string `json:"dbname,omitempty" yaml:"dbname,omitempty" validate:"omitempty,max=63"`
	Encoding   string `json:"encoding,omitempty" yaml:"encoding,omitempty" validate:"omitempty,printascii"`
	Privileges string `json:"privileges,omitempty" yaml:"privileges,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// withDefaults fills unset parameters.
func (p Params) withDefaults() Params {
	if p.User == "" {
		p.User = DefaultUser
	}
	if p.DBName == "" {
		p.DBName = DefaultDBName
	}
	if p.Privileges == "" {
		p.Privileges = DefaultPrivileges
	}
	return p
}

// Resolve returns the postgresql_database intent. The password is a
// sensitive attribute and never appears in renderings or hashes.
func Resolve(p Params) (*engine.Intent, error) {
	validateOnce.Do(func() { validate = validator.New() })
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid inspector database parameters: %w", err)
	}
	p = p.withDefaults()

	intent := engine.NewIntent(engine.KindPostgresDatabase, Title, engine.StatePresent).
		Set(engine.AttrRole, p.User).
		Set(engine.AttrPassword, p.Password).
		Set(engine.AttrPrivs, p.Privileges).
		Require(pxe.InspectorInstallEnd).
		Tag("ironic-inspector-db")
	if p.DBName != Title {
		intent.Named(p.DBName)
	}
	if p.Encoding != "" {
		intent.Set(engine.AttrEncoding, p.Encoding)
	}
	return intent, nil
}
