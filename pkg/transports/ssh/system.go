package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/eb4x/puppet-ironic/pkg/providers"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// System is a remote conductor host seen through a Client. Metadata
// changes run as commands so they work through sudo; file contents move
// over SFTP unless sudo is configured, in which case they are piped
// through the remote shell.
type System struct {
	c *Client
}

var _ providers.System = (*System)(nil)

// NewSystem wraps a connected client.
func NewSystem(c *Client) *System {
	return &System{c: c}
}

// Run implements providers.Runner.
func (s *System) Run(ctx context.Context, name string, args ...string) (*providers.CommandResult, error) {
	return s.c.Run(ctx, name, args...)
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

func missing(res *providers.CommandResult) bool {
	return strings.Contains(res.Stderr, "No such file or directory")
}

func modeArg(perm fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(perm.Perm()))
}

// Stat implements providers.System.
func (s *System) Stat(ctx context.Context, p string) (*providers.FileInfo, error) {
	res, err := s.c.Run(ctx, "stat", "-c", "%F|%a|%U|%G|%s", p)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if missing(res) {
			return nil, notExist("stat", p)
		}
		return nil, &providers.CommandError{Command: "stat " + p, Result: res}
	}
	return parseStat(p, res.Stdout)
}

// parseStat reads "type|octal mode|owner|group|size".
func parseStat(p, out string) (*providers.FileInfo, error) {
	fields := strings.Split(strings.TrimSpace(out), "|")
	if len(fields) != 5 {
		return nil, fmt.Errorf("stat %s: unexpected output %q", p, out)
	}
	mode, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("stat %s: invalid mode %q", p, fields[1])
	}
	size, _ := strconv.ParseInt(fields[4], 10, 64)
	return &providers.FileInfo{
		Path:  p,
		IsDir: fields[0] == "directory",
		Mode:  fs.FileMode(mode) & fs.ModePerm,
		Owner: fields[2],
		Group: fields[3],
		Size:  size,
	}, nil
}

// ReadFile implements providers.System.
func (s *System) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if s.c.config.Sudo {
		res, err := s.c.Run(ctx, "cat", "--", p)
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			if missing(res) {
				return nil, notExist("open", p)
			}
			return nil, &providers.CommandError{Command: "cat " + p, Result: res}
		}
		return []byte(res.Stdout), nil
	}

	client, err := s.c.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(p)
	if err != nil {
		// pkg/sftp maps SSH_FX_NO_SUCH_FILE to os.ErrNotExist.
		return nil, &fs.PathError{Op: "open", Path: p, Err: unwrapPathError(err)}
	}
	defer f.Close()
	return io.ReadAll(f)
}

func unwrapPathError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// WriteFile implements providers.System. The content lands in a temporary
// file beside p and is renamed over it.
func (s *System) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	tmp := path.Join(path.Dir(p), fmt.Sprintf(".%s.%d", path.Base(p), time.Now().UnixNano()))

	if s.c.config.Sudo {
		script := fmt.Sprintf("umask 077 && cat > %s && chmod %s %s && mv -f %s %s",
			shellQuote(tmp), modeArg(perm), shellQuote(tmp), shellQuote(tmp), shellQuote(p))
		res, err := s.c.runLine(ctx, "sudo -n -- sh -c "+shellQuote(script), data)
		if err != nil {
			return err
		}
		if !res.Success() {
			return &providers.CommandError{Command: "write " + p, Result: res}
		}
		return nil
	}

	client, err := s.c.sftpClient()
	if err != nil {
		return err
	}
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		client.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		client.Remove(tmp)
		return err
	}
	if err := client.Chmod(tmp, perm); err != nil {
		client.Remove(tmp)
		return err
	}
	if err := client.PosixRename(tmp, p); err != nil {
		client.Remove(tmp)
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return nil
}

func (s *System) command(ctx context.Context, op, p string, name string, args ...string) error {
	res, err := s.c.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	if res.Success() {
		return nil
	}
	if missing(res) {
		return notExist(op, p)
	}
	return &providers.CommandError{Command: name + " " + strings.Join(args, " "), Result: res}
}

// Mkdir implements providers.System.
func (s *System) Mkdir(ctx context.Context, p string, perm fs.FileMode) error {
	return s.command(ctx, "mkdir", p, "mkdir", "-m", modeArg(perm), "--", p)
}

// RemoveAll implements providers.System.
func (s *System) RemoveAll(ctx context.Context, p string) error {
	return s.command(ctx, "remove", p, "rm", "-rf", "--", p)
}

// Chmod implements providers.System.
func (s *System) Chmod(ctx context.Context, p string, perm fs.FileMode) error {
	return s.command(ctx, "chmod", p, "chmod", modeArg(perm), "--", p)
}

// Chown implements providers.System.
func (s *System) Chown(ctx context.Context, p, owner, group string) error {
	spec := owner
	if group != "" {
		spec += ":" + group
	}
	if spec == "" {
		return nil
	}
	return s.command(ctx, "chown", p, "chown", "-h", spec, "--", p)
}

// SELinuxType implements providers.System.
func (s *System) SELinuxType(ctx context.Context, p string) (string, error) {
	return providers.ReadSELinuxType(ctx, s, p)
}

// SetSELinuxType implements providers.System.
func (s *System) SetSELinuxType(ctx context.Context, p, seltype string) error {
	return providers.WriteSELinuxType(ctx, s, p, seltype)
}

// Facts collects the platform facts a profile is looked up by.
func (s *System) Facts(ctx context.Context) (pxe.Facts, error) {
	res, err := providers.RunChecked(ctx, s, "cat", "/etc/os-release")
	if err != nil {
		return pxe.Facts{}, err
	}
	facts := pxe.ParseOSRelease(res.Stdout)
	if host, err := providers.RunChecked(ctx, s, "hostname", "-f"); err == nil {
		facts.Hostname = strings.TrimSpace(host.Stdout)
	}
	return facts, nil
}
