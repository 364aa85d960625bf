package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/go-ini/ini"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// IniSettingProvider manages single keys in INI-style service configuration.
type IniSettingProvider struct {
	sys System
}

// NewIniSettingProvider creates an ini_setting provider on sys.
func NewIniSettingProvider(sys System) *IniSettingProvider {
	return &IniSettingProvider{sys: sys}
}

type iniTarget struct {
	path, section, setting, value string
}

func iniTargetOf(intent *engine.Intent) (iniTarget, error) {
	t := iniTarget{
		path:    intent.Attributes[engine.AttrPath],
		section: intent.Attributes[engine.AttrSection],
		setting: intent.Attributes[engine.AttrSetting],
		value:   intent.Attributes[engine.AttrValue],
	}
	if t.path == "" || t.setting == "" {
		return t, engine.NewPermanentError("ini_setting needs path and setting", nil).
			WithCode(engine.ErrCodeValidation).
			WithIntent(intent.ID())
	}
	if t.section == "" {
		t.section = ini.DefaultSection
	}
	return t, nil
}

func (p *IniSettingProvider) load(ctx context.Context, path string) (*ini.File, fs.FileMode, error) {
	data, err := p.sys.ReadFile(ctx, path)
	mode := fs.FileMode(0o640)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	default:
		if info, err := p.sys.Stat(ctx, path); err == nil {
			mode = info.Mode
		}
	}

	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true, AllowPythonMultilineValues: true}, data)
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, mode, nil
}

// Check implements engine.Provider.
func (p *IniSettingProvider) Check(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	t, err := iniTargetOf(intent)
	if err != nil {
		return nil, err
	}
	f, _, err := p.load(ctx, t.path)
	if err != nil {
		return nil, err
	}

	var current string
	present := false
	if sec, err := f.GetSection(t.section); err == nil && sec.HasKey(t.setting) {
		present = true
		current = sec.Key(t.setting).String()
	}

	change := engine.Change{Path: t.section + "/" + t.setting}
	switch {
	case intent.State == engine.StateAbsent && present:
		change.Before, change.Action = current, engine.ChangeActionRemove
	case intent.State == engine.StateAbsent:
		return nil, nil
	case !present:
		change.After, change.Action = t.value, engine.ChangeActionAdd
	case current != t.value:
		change.Before, change.After, change.Action = current, t.value, engine.ChangeActionModify
	default:
		return nil, nil
	}
	if intent.Attributes.Bool(engine.AttrSecret) {
		change.Before, change.After = redact(change.Before), redact(change.After)
	}
	return []engine.Change{change}, nil
}

// Apply implements engine.Provider.
func (p *IniSettingProvider) Apply(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	if len(changes) == 0 {
		return nil
	}
	t, err := iniTargetOf(intent)
	if err != nil {
		return err
	}
	f, mode, err := p.load(ctx, t.path)
	if err != nil {
		return err
	}

	if intent.State == engine.StateAbsent {
		if sec, err := f.GetSection(t.section); err == nil {
			sec.DeleteKey(t.setting)
		}
	} else {
		f.Section(t.section).Key(t.setting).SetValue(t.value)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("render %s: %w", t.path, err)
	}
	if err := p.sys.WriteFile(ctx, t.path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("write %s: %w", t.path, err)
	}
	return nil
}

func redact(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return "<redacted>"
}
