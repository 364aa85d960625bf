package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
)

// LocalSystem converges the host the process runs on.
type LocalSystem struct{}

// NewLocalSystem returns a System backed by the local filesystem and os/exec.
func NewLocalSystem() *LocalSystem {
	return &LocalSystem{}
}

// Run implements Runner.
func (s *LocalSystem) Run(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	log.Debug().Str("command", name).Strs("args", args).Msg("running command")

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}

// Stat implements System.
func (s *LocalSystem) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Path:  path,
		IsDir: info.IsDir(),
		Mode:  info.Mode().Perm(),
		Size:  info.Size(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.Owner = lookupUserName(st.Uid)
		fi.Group = lookupGroupName(st.Gid)
	}
	return fi, nil
}

// ReadFile implements System.
func (s *LocalSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes through a temporary file and renames it into place.
func (s *LocalSystem) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Mkdir implements System.
func (s *LocalSystem) Mkdir(ctx context.Context, path string, perm fs.FileMode) error {
	return os.Mkdir(path, perm)
}

// RemoveAll implements System.
func (s *LocalSystem) RemoveAll(ctx context.Context, path string) error {
	return os.RemoveAll(path)
}

// Chmod implements System.
func (s *LocalSystem) Chmod(ctx context.Context, path string, perm fs.FileMode) error {
	return os.Chmod(path, perm)
}

// Chown implements System. Empty names leave that id unchanged.
func (s *LocalSystem) Chown(ctx context.Context, path, owner, group string) error {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return err
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return err
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return err
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return err
		}
	}
	return os.Lchown(path, uid, gid)
}

// SELinuxType implements System.
func (s *LocalSystem) SELinuxType(ctx context.Context, path string) (string, error) {
	return ReadSELinuxType(ctx, s, path)
}

// SetSELinuxType implements System.
func (s *LocalSystem) SetSELinuxType(ctx context.Context, path, seltype string) error {
	return WriteSELinuxType(ctx, s, path, seltype)
}

// ReadSELinuxType reads a label with stat(1) through r. Hosts without SELinux
// support yield "".
func ReadSELinuxType(ctx context.Context, r Runner, path string) (string, error) {
	res, err := r.Run(ctx, "stat", "-c", "%C", path)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		// stat without SELinux support rejects %C.
		return "", nil
	}
	return selinuxTypeFromContext(res.Stdout), nil
}

// WriteSELinuxType relabels path with chcon(1) through r.
func WriteSELinuxType(ctx context.Context, r Runner, path, seltype string) error {
	_, err := RunChecked(ctx, r, "chcon", "-t", seltype, path)
	return err
}

func lookupUserName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func lookupGroupName(gid uint32) string {
	id := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(id); err == nil {
		return g.Name
	}
	return id
}
