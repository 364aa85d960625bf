package providers

import (
	"context"
	"fmt"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// PackageProvider manages installed packages.
type PackageProvider struct {
	pm PackageManager
}

// NewPackageProvider creates a package provider on pm.
func NewPackageProvider(pm PackageManager) *PackageProvider {
	return &PackageProvider{pm: pm}
}

// Check implements engine.Provider. A version attribute of "latest"
// tracks the repository candidate; any other value pins that version.
func (p *PackageProvider) Check(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	name := intent.ResourceName()
	current, installed, err := p.pm.Query(ctx, name)
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("query package %s", name), err).
			WithIntent(intent.ID())
	}

	if intent.State == engine.StateAbsent {
		if !installed {
			return nil, nil
		}
		return []engine.Change{{Path: "ensure", Before: current, After: "absent", Action: engine.ChangeActionRemove}}, nil
	}

	want, pinned := intent.Attributes.Get(engine.AttrVersion)
	if pinned && want == "latest" {
		want, err = p.pm.Candidate(ctx, name)
		if err != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("resolve candidate for %s", name), err).
				WithIntent(intent.ID())
		}
	}

	if !installed {
		after := "present"
		if pinned {
			after = want
		}
		return []engine.Change{{Path: "ensure", Before: "absent", After: after, Action: engine.ChangeActionAdd}}, nil
	}
	if pinned && current != want {
		return []engine.Change{{Path: "ensure", Before: current, After: want, Action: engine.ChangeActionModify}}, nil
	}
	return nil, nil
}

// Apply implements engine.Provider.
func (p *PackageProvider) Apply(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	name := intent.ResourceName()
	for _, c := range changes {
		if c.Path != "ensure" {
			continue
		}
		switch c.Action {
		case engine.ChangeActionRemove:
			if err := p.pm.Remove(ctx, name); err != nil {
				return fmt.Errorf("remove package %s: %w", name, err)
			}
		default:
			version := ""
			if _, pinned := intent.Attributes.Get(engine.AttrVersion); pinned {
				version = fmt.Sprint(c.After)
			}
			if err := p.pm.Install(ctx, name, version); err != nil {
				return fmt.Errorf("install package %s: %w", name, err)
			}
		}
	}
	return nil
}
