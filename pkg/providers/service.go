package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"text/template"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// DefaultXinetdDir holds one file per xinetd-supervised service.
const DefaultXinetdDir = "/etc/xinetd.d"

// ServiceProvider manages system services and xinetd-supervised entries.
type ServiceProvider struct {
	sys       System
	sm        ServiceManager
	xinetdDir string
}

// NewServiceProvider creates a service provider.
func NewServiceProvider(sys System, sm ServiceManager) *ServiceProvider {
	return &ServiceProvider{sys: sys, sm: sm, xinetdDir: DefaultXinetdDir}
}

func supervised(intent *engine.Intent) bool {
	return intent.Attributes[engine.AttrSupervisor] == "xinetd"
}

// Check implements engine.Provider.
func (p *ServiceProvider) Check(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	if supervised(intent) {
		return p.checkXinetd(ctx, intent)
	}

	name := intent.ResourceName()
	status, err := p.sm.Status(ctx, name)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("status of %s", name), err).WithIntent(intent.ID())
	}

	var changes []engine.Change
	switch intent.State {
	case engine.StateRunning:
		if !status.Exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("service %s does not exist", name), nil).
				WithCode(engine.ErrCodeNotFound).
				WithIntent(intent.ID())
		}
		if !status.Active {
			changes = append(changes, engine.Change{
				Path: "ensure", Before: "stopped", After: "running", Action: engine.ChangeActionModify,
			})
		}
	case engine.StateStopped, engine.StateAbsent:
		// A removed unit is as stopped as it gets.
		if !status.Exists {
			return nil, nil
		}
		if status.Active {
			changes = append(changes, engine.Change{
				Path: "ensure", Before: "running", After: "stopped", Action: engine.ChangeActionModify,
			})
		}
	}

	if enable, ok := intent.Attributes.Get(engine.AttrEnable); ok && status.Exists {
		want := enable == "true"
		if status.Enabled != want {
			changes = append(changes, engine.Change{
				Path: "enable", Before: status.Enabled, After: want, Action: engine.ChangeActionModify,
			})
		}
	}
	return changes, nil
}

// Apply implements engine.Provider.
func (p *ServiceProvider) Apply(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	if supervised(intent) {
		return p.applyXinetd(ctx, intent, changes)
	}

	name := intent.ResourceName()
	for _, c := range changes {
		var err error
		switch {
		case c.Path == "ensure" && c.After == "running":
			err = p.sm.Start(ctx, name)
		case c.Path == "ensure":
			err = p.sm.Stop(ctx, name)
		case c.Path == "enable" && c.After == true:
			err = p.sm.Enable(ctx, name)
		case c.Path == "enable":
			err = p.sm.Disable(ctx, name)
		}
		if err != nil {
			return fmt.Errorf("%s service %s: %w", c.Path, name, err)
		}
	}
	return nil
}

// Refresh restarts a running service. Supervised entries are picked up
// when their supervisor is refreshed.
func (p *ServiceProvider) Refresh(ctx context.Context, intent *engine.Intent) error {
	if supervised(intent) || intent.State != engine.StateRunning {
		return nil
	}
	return p.sm.Restart(ctx, intent.ResourceName())
}

func (p *ServiceProvider) xinetdPath(intent *engine.Intent) string {
	return path.Join(p.xinetdDir, intent.ResourceName())
}

func (p *ServiceProvider) checkXinetd(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	file := p.xinetdPath(intent)
	current, err := p.sys.ReadFile(ctx, file)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	if intent.State.IsRemoval() {
		if !exists {
			return nil, nil
		}
		return []engine.Change{{Path: "ensure", Before: "present", After: "absent", Action: engine.ChangeActionRemove}}, nil
	}

	want, err := renderXinetdService(intent)
	if err != nil {
		return nil, engine.NewPermanentError("render xinetd entry", err).WithIntent(intent.ID())
	}
	if !exists {
		return []engine.Change{{Path: "ensure", Before: "absent", After: "present", Action: engine.ChangeActionAdd}}, nil
	}
	if !bytes.Equal(current, want) {
		return []engine.Change{{
			Path:   "content",
			Before: "{sha256}" + checksum(current),
			After:  "{sha256}" + checksum(want),
			Action: engine.ChangeActionModify,
		}}, nil
	}
	return nil, nil
}

func (p *ServiceProvider) applyXinetd(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	file := p.xinetdPath(intent)
	for _, c := range changes {
		if c.Action == engine.ChangeActionRemove {
			return p.sys.RemoveAll(ctx, file)
		}
	}

	content, err := renderXinetdService(intent)
	if err != nil {
		return err
	}
	if err := p.sys.WriteFile(ctx, file, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

var xinetdServiceTemplate = template.Must(template.New("xinetd").Parse(
	`# Managed by ironic-pxe. Local changes are overwritten.
service {{ .Name }}
{
	disable     = no
{{- range .Settings }}
	{{ printf "%-11s" .Key }} = {{ .Value }}
{{- end }}
}
`))

type xinetdSetting struct {
	Key   string
	Value string
}

// xinetdKeys is the order attributes are written in.
var xinetdKeys = []string{
	engine.AttrPort,
	engine.AttrProtocol,
	engine.AttrSocketType,
	engine.AttrWait,
	engine.AttrUser,
	engine.AttrServer,
	engine.AttrServerArgs,
	engine.AttrPerSource,
	engine.AttrCPS,
	engine.AttrBind,
}

func renderXinetdService(intent *engine.Intent) ([]byte, error) {
	data := struct {
		Name     string
		Settings []xinetdSetting
	}{Name: intent.ResourceName()}

	for _, k := range xinetdKeys {
		if v, ok := intent.Attributes.Get(k); ok && v != "" {
			data.Settings = append(data.Settings, xinetdSetting{Key: k, Value: v})
		}
	}

	var buf bytes.Buffer
	if err := xinetdServiceTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
