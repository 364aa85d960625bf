package providers

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

const (
	defaultDirMode  fs.FileMode = 0o755
	defaultFileMode fs.FileMode = 0o644
)

// FileProvider manages files and directories.
type FileProvider struct {
	sys System
}

// NewFileProvider creates a file provider on sys.
func NewFileProvider(sys System) *FileProvider {
	return &FileProvider{sys: sys}
}

// Check implements engine.Provider.
func (p *FileProvider) Check(ctx context.Context, intent *engine.Intent) ([]engine.Change, error) {
	path := intent.Title
	wantDir := intent.Kind == engine.KindDirectory

	info, err := p.sys.Stat(ctx, path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if intent.State == engine.StateAbsent {
		if !exists {
			return nil, nil
		}
		return []engine.Change{{
			Path:   "ensure",
			Before: entryType(info),
			After:  "absent",
			Action: engine.ChangeActionRemove,
		}}, nil
	}

	want := "file"
	if wantDir {
		want = "directory"
	}

	// A file whose source is missing cannot be created or compared.
	var (
		content []byte
		managed bool
	)
	if !wantDir {
		if content, managed, err = p.desiredContent(ctx, intent); err != nil {
			return nil, err
		}
	}

	if !exists {
		return []engine.Change{{Path: "ensure", Before: "absent", After: want, Action: engine.ChangeActionAdd}}, nil
	}
	if info.IsDir != wantDir {
		return nil, engine.NewConflictError(
			fmt.Sprintf("%s exists as a %s, want %s", path, entryType(info), want), nil,
		).WithIntent(intent.ID())
	}

	var changes []engine.Change

	if managed {
		current, err := p.sys.ReadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if before, after := checksum(current), checksum(content); before != after {
			changes = append(changes, engine.Change{
				Path:   "content",
				Before: "{sha256}" + before,
				After:  "{sha256}" + after,
				Action: engine.ChangeActionModify,
			})
		}
	}

	if m, ok := intent.Attributes.Get(engine.AttrMode); ok {
		mode, err := parseMode(m)
		if err != nil {
			return nil, engine.NewPermanentError("invalid mode", err).WithIntent(intent.ID())
		}
		if info.Mode.Perm() != mode {
			changes = append(changes, engine.Change{
				Path: "mode", Before: formatMode(info.Mode), After: formatMode(mode), Action: engine.ChangeActionModify,
			})
		}
	}
	if owner, ok := intent.Attributes.Get(engine.AttrOwner); ok && info.Owner != owner {
		changes = append(changes, engine.Change{
			Path: "owner", Before: info.Owner, After: owner, Action: engine.ChangeActionModify,
		})
	}
	if group, ok := intent.Attributes.Get(engine.AttrGroup); ok && info.Group != group {
		changes = append(changes, engine.Change{
			Path: "group", Before: info.Group, After: group, Action: engine.ChangeActionModify,
		})
	}
	if seltype, ok := intent.Attributes.Get(engine.AttrSELinux); ok {
		current, err := p.sys.SELinuxType(ctx, path)
		if err != nil {
			return nil, err
		}
		// Unlabeled hosts have nothing to converge.
		if current != "" && current != seltype {
			changes = append(changes, engine.Change{
				Path: "seltype", Before: current, After: seltype, Action: engine.ChangeActionModify,
			})
		}
	}

	return changes, nil
}

// Apply implements engine.Provider.
func (p *FileProvider) Apply(ctx context.Context, intent *engine.Intent, changes []engine.Change) error {
	path := intent.Title

	for _, c := range changes {
		switch c.Path {
		case "ensure":
			if c.Action == engine.ChangeActionRemove {
				return p.sys.RemoveAll(ctx, path)
			}
			return p.create(ctx, intent)
		case "content":
			if err := p.writeContent(ctx, intent); err != nil {
				return err
			}
		case "mode":
			mode, err := parseMode(fmt.Sprint(c.After))
			if err != nil {
				return err
			}
			if err := p.sys.Chmod(ctx, path, mode); err != nil {
				return fmt.Errorf("chmod %s: %w", path, err)
			}
		case "owner":
			if err := p.sys.Chown(ctx, path, fmt.Sprint(c.After), ""); err != nil {
				return fmt.Errorf("chown %s: %w", path, err)
			}
		case "group":
			if err := p.sys.Chown(ctx, path, "", fmt.Sprint(c.After)); err != nil {
				return fmt.Errorf("chgrp %s: %w", path, err)
			}
		case "seltype":
			if err := p.sys.SetSELinuxType(ctx, path, fmt.Sprint(c.After)); err != nil {
				return fmt.Errorf("chcon %s: %w", path, err)
			}
		}
	}
	return nil
}

// create makes the entry and sets every managed property.
func (p *FileProvider) create(ctx context.Context, intent *engine.Intent) error {
	path := intent.Title
	mode := defaultFileMode
	if intent.Kind == engine.KindDirectory {
		mode = defaultDirMode
	}
	if m, ok := intent.Attributes.Get(engine.AttrMode); ok {
		parsed, err := parseMode(m)
		if err != nil {
			return engine.NewPermanentError("invalid mode", err).WithIntent(intent.ID())
		}
		mode = parsed
	}

	if intent.Kind == engine.KindDirectory {
		if err := p.sys.Mkdir(ctx, path, mode); err != nil {
			return fmt.Errorf("mkdir %s: %w", path, err)
		}
	} else {
		content, _, err := p.desiredContent(ctx, intent)
		if err != nil {
			return err
		}
		if err := p.sys.WriteFile(ctx, path, content, mode); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	// Mkdir and WriteFile are subject to the umask.
	if err := p.sys.Chmod(ctx, path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	owner, _ := intent.Attributes.Get(engine.AttrOwner)
	group, _ := intent.Attributes.Get(engine.AttrGroup)
	if owner != "" || group != "" {
		if err := p.sys.Chown(ctx, path, owner, group); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}

	if seltype, ok := intent.Attributes.Get(engine.AttrSELinux); ok {
		current, err := p.sys.SELinuxType(ctx, path)
		if err != nil {
			return err
		}
		if current != "" && current != seltype {
			if err := p.sys.SetSELinuxType(ctx, path, seltype); err != nil {
				return fmt.Errorf("chcon %s: %w", path, err)
			}
		}
	}
	return nil
}

func (p *FileProvider) writeContent(ctx context.Context, intent *engine.Intent) error {
	path := intent.Title
	content, _, err := p.desiredContent(ctx, intent)
	if err != nil {
		return err
	}

	info, err := p.sys.Stat(ctx, path)
	if err != nil {
		return err
	}

	if intent.Attributes.Bool(engine.AttrBackup) {
		old, err := p.sys.ReadFile(ctx, path)
		if err != nil {
			return err
		}
		if err := p.sys.WriteFile(ctx, path+".bak", old, info.Mode); err != nil {
			return fmt.Errorf("backup %s: %w", path, err)
		}
	}

	if err := p.sys.WriteFile(ctx, path, content, info.Mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// The rename replaced the inode, so ownership must be restored.
	if info.Owner != "" || info.Group != "" {
		if err := p.sys.Chown(ctx, path, info.Owner, info.Group); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

// desiredContent returns the wanted content and whether content is managed.
// Inline content wins over a source path.
func (p *FileProvider) desiredContent(ctx context.Context, intent *engine.Intent) ([]byte, bool, error) {
	if c, ok := intent.Attributes.Get(engine.AttrContent); ok {
		return []byte(c), true, nil
	}
	if src, ok := intent.Attributes.Get(engine.AttrSource); ok {
		data, err := p.sys.ReadFile(ctx, src)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, engine.NewTransientError(
				fmt.Sprintf("source %s does not exist", src), err,
			).WithCode(engine.ErrCodeNotFound).WithIntent(intent.ID())
		}
		if err != nil {
			return nil, false, fmt.Errorf("read source %s: %w", src, err)
		}
		return data, true, nil
	}
	return nil, false, nil
}

func entryType(info *FileInfo) string {
	if info == nil {
		return "absent"
	}
	if info.IsDir {
		return "directory"
	}
	return "file"
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
