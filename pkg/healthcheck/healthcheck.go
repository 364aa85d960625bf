// Package healthcheck resolves the oslo.middleware healthcheck settings of
// the ironic API into ini_setting intents on ironic.conf.
package healthcheck

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// ServiceDefault leaves a setting to the service's own default. Settings
// with this value are removed from the file.
const ServiceDefault = "<SERVICE DEFAULT>"

// DefaultConfigPath is the ironic configuration file.
const DefaultConfigPath = "/etc/ironic/ironic.conf"

const section = "healthcheck"

// Params configures the healthcheck middleware. Nil and empty values mean
// ServiceDefault.
type Params struct {
	Enabled             *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Detailed            *bool    `json:"detailed,omitempty" yaml:"detailed,omitempty"`
	Backends            []string `json:"backends,omitempty" yaml:"backends,omitempty" validate:"dive,required"`
	AllowedSourceRanges []string `json:"allowed_source_ranges,omitempty" yaml:"allowed_source_ranges,omitempty" validate:"dive,cidr"`
	DisableByFilePath   string   `json:"disable_by_file_path,omitempty" yaml:"disable_by_file_path,omitempty" validate:"omitempty,abspath"`
	DisableByFilePaths  []string `json:"disable_by_file_paths,omitempty" yaml:"disable_by_file_paths,omitempty" validate:"dive,portpath"`

	// ConfigPath overrides DefaultConfigPath.
	ConfigPath string `json:"config_path,omitempty" yaml:"config_path,omitempty" validate:"omitempty,abspath"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			return pxe.IsCleanAbsPath(fl.Field().String())
		})
		// port:path, as in 8042:/etc/ironic/healthcheck/disabled
		_ = validate.RegisterValidation("portpath", func(fl validator.FieldLevel) bool {
			port, p, ok := strings.Cut(fl.Field().String(), ":")
			if !ok || !strings.HasPrefix(p, "/") {
				return false
			}
			n, err := strconv.Atoi(port)
			return err == nil && n > 0 && n <= 65535
		})
	})
	return validate
}

// Validate checks the parameters. Values set to ServiceDefault are not
// checked.
func (p Params) Validate() error {
	if listValue(p.AllowedSourceRanges) == ServiceDefault {
		p.AllowedSourceRanges = nil
	}
	if listValue(p.DisableByFilePaths) == ServiceDefault {
		p.DisableByFilePaths = nil
	}
	if p.DisableByFilePath == ServiceDefault {
		p.DisableByFilePath = ""
	}
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("invalid healthcheck parameters: %w", err)
	}
	return nil
}

// Resolve returns one ini_setting intent per healthcheck option. Options
// left at ServiceDefault resolve to absent, so the file falls back to the
// service default. All intents sit between the ironic config anchors.
func Resolve(p Params) ([]*engine.Intent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	file := p.ConfigPath
	if file == "" {
		file = DefaultConfigPath
	}

	settings := []struct {
		key, value string
	}{
		{"enabled", boolValue(p.Enabled)},
		{"detailed", boolValue(p.Detailed)},
		{"backends", listValue(p.Backends)},
		{"allowed_source_ranges", listValue(p.AllowedSourceRanges)},
		{"disable_by_file_path", stringValue(p.DisableByFilePath)},
		{"disable_by_file_paths", listValue(p.DisableByFilePaths)},
	}

	intents := make([]*engine.Intent, 0, len(settings))
	for _, s := range settings {
		state := engine.StatePresent
		if s.value == ServiceDefault {
			state = engine.StateAbsent
		}
		title := fmt.Sprintf("%s/%s/%s", path.Base(file), section, s.key)
		intent := engine.NewIntent(engine.KindIniSetting, title, state).
			Set(engine.AttrPath, file).
			Set(engine.AttrSection, section).
			Set(engine.AttrSetting, s.key).
			Require(pxe.ConfigBegin).
			Before(pxe.ConfigEnd).
			Tag("ironic-config")
		if state == engine.StatePresent {
			intent.Set(engine.AttrValue, s.value)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func boolValue(b *bool) string {
	if b == nil {
		return ServiceDefault
	}
	return strconv.FormatBool(*b)
}

func stringValue(s string) string {
	if s == "" {
		return ServiceDefault
	}
	return s
}

func listValue(l []string) string {
	if len(l) == 0 || (len(l) == 1 && l[0] == ServiceDefault) {
		return ServiceDefault
	}
	return strings.Join(l, ",")
}
