package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads site policies from .rego and .json files. Parsed files are
// cached until their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  *Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every file path and every policy file below each
// directory path. A named file that cannot be loaded is an error; a bad
// file found in a directory is logged and skipped.
func (l *Loader) LoadFromPaths(_ context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}

		if !info.IsDir() {
			p, err := l.load(root, info)
			if err != nil {
				return nil, fmt.Errorf("policy path %s: %w", root, err)
			}
			policies = append(policies, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(path) {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			p, err := l.load(path, fi)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Loaded policies")
	return policies, nil
}

func (l *Loader) load(path string, info fs.FileInfo) (*Policy, error) {
	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRego(path, data)
	case ".json":
		if p, err = parseJSON(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	return p, nil
}

// parseRego names the policy after its file. The first comment block is
// the description and a "# severity: <level>" line sets the severity.
func parseRego(path string, data []byte) *Policy {
	desc, sev := extractMetadata(string(data))
	if sev == "" {
		sev = SeverityWarning
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: desc,
		Rego:        string(data),
		Severity:    sev,
		Enabled:     true,
		Source:      path,
	}
}

func parseJSON(path string, data []byte) (*Policy, error) {
	p := &Policy{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	p.Source = path
	return p, nil
}

func extractMetadata(content string) (string, Severity) {
	var (
		desc []string
		sev  Severity
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(desc) > 0 {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			sev = Severity(strings.TrimSpace(v))
		} else if comment != "" {
			desc = append(desc, comment)
		}
	}
	return strings.Join(desc, " "), sev
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch reloads the policies under paths after each burst of changes and
// hands the full list to reload, e.g. Engine.ReplacePolicies. It returns
// once the watch is established and stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func(context.Context, []Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatches(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	go l.watchLoop(ctx, w, paths, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addWatches watches every directory below root, or the directory holding
// root when it is a file.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func(context.Context, []Policy) error) {
	defer w.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(ctx, policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed; keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
