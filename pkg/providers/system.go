package providers

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// FileInfo describes a filesystem entry on the managed host.
type FileInfo struct {
	Path  string
	IsDir bool
	Mode  fs.FileMode
	Owner string
	Group string
	Size  int64
}

// CommandResult is the outcome of a command run on the managed host.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status zero.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command string
	Result  *CommandResult
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Result.ExitCode, msg)
}

// Runner executes commands on the managed host. A non-zero exit is not an
// error; err is only set when the command could not be run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*CommandResult, error)
}

// System is the host the providers converge: its filesystem plus a command
// runner. Stat and ReadFile return an error matching fs.ErrNotExist for
// missing paths.
type System interface {
	Runner

	Stat(ctx context.Context, path string) (*FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	Mkdir(ctx context.Context, path string, perm fs.FileMode) error
	RemoveAll(ctx context.Context, path string) error
	Chmod(ctx context.Context, path string, perm fs.FileMode) error
	Chown(ctx context.Context, path, owner, group string) error

	// SELinuxType returns the type part of the path's security context, or
	// "" when the host does not label files.
	SELinuxType(ctx context.Context, path string) (string, error)
	SetSELinuxType(ctx context.Context, path, seltype string) error
}

// RunChecked executes a command and turns a non-zero exit into a CommandError.
func RunChecked(ctx context.Context, r Runner, name string, args ...string) (*CommandResult, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, &CommandError{Command: strings.Join(append([]string{name}, args...), " "), Result: res}
	}
	return res, nil
}

// parseMode parses an octal mode attribute such as "0644".
func parseMode(s string) (fs.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return fs.FileMode(v) & fs.ModePerm, nil
}

func formatMode(m fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(m.Perm()))
}

// selinuxTypeFromContext extracts the type from user:role:type:level.
func selinuxTypeFromContext(ctx string) string {
	ctx = strings.TrimSpace(ctx)
	if ctx == "" || ctx == "?" {
		return ""
	}
	parts := strings.Split(ctx, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
