package providers

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemorySystem is an in-memory host used for simulation and tests. It also
// implements PackageManager and ServiceManager so a whole Host can be
// simulated. Installing a package materializes the files registered for it
// with ProvideFiles.
type MemorySystem struct {
	mu sync.Mutex

	entries  map[string]*memEntry
	packages map[string]string
	repo     map[string]string
	payloads map[string]map[string][]byte
	services map[string]*ServiceStatus
	labels   bool

	commands []string
	restarts map[string]int
}

type memEntry struct {
	dir     bool
	mode    fs.FileMode
	owner   string
	group   string
	seltype string
	data    []byte
}

// NewMemorySystem returns an empty host with only "/" present.
func NewMemorySystem() *MemorySystem {
	return &MemorySystem{
		entries:  map[string]*memEntry{"/": {dir: true, mode: 0o755, owner: "root", group: "root"}},
		packages: make(map[string]string),
		repo:     make(map[string]string),
		payloads: make(map[string]map[string][]byte),
		services: make(map[string]*ServiceStatus),
		restarts: make(map[string]int),
	}
}

// NewMemoryHost returns a Host whose every part is backed by m.
func NewMemoryHost(m *MemorySystem) *Host {
	return &Host{System: m, Packages: m, Services: m}
}

// EnableSELinux makes new entries carry a default_t label.
func (m *MemorySystem) EnableSELinux() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = true
}

// AddRepoPackage makes a package installable at version.
func (m *MemorySystem) AddRepoPackage(name, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repo[name] = version
}

// ProvideFiles registers files a package installs.
func (m *MemorySystem) ProvideFiles(pkg string, files map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payloads[pkg] == nil {
		m.payloads[pkg] = make(map[string][]byte)
	}
	for p, data := range files {
		m.payloads[pkg][p] = data
	}
}

// AddService registers a service unit, e.g. one shipped by a package.
func (m *MemorySystem) AddService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		m.services[name] = &ServiceStatus{Exists: true}
	}
}

// Restarts returns how often a service was restarted.
func (m *MemorySystem) Restarts(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[name]
}

// Commands returns the commands run so far.
func (m *MemorySystem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Paths returns every path present, sorted.
func (m *MemorySystem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for p := range m.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run records the command and succeeds.
func (m *MemorySystem) Run(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, strings.Join(append([]string{name}, args...), " "))
	return &CommandResult{}, nil
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// mkdirAllLocked creates missing parents the way a package install does.
func (m *MemorySystem) mkdirAllLocked(p string) {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if _, ok := m.entries[dir]; !ok {
			m.entries[dir] = &memEntry{dir: true, mode: 0o755, owner: "root", group: "root"}
		}
		if dir == "/" {
			return
		}
	}
}

// MkdirAll creates a directory and its parents.
func (m *MemorySystem) MkdirAll(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAllLocked(path.Join(p, "x"))
}

func (m *MemorySystem) parentLocked(op, p string) error {
	parent, ok := m.entries[path.Dir(p)]
	if !ok || !parent.dir {
		return notExist(op, p)
	}
	return nil
}

func (m *MemorySystem) newEntry(dir bool, perm fs.FileMode) *memEntry {
	e := &memEntry{dir: dir, mode: perm, owner: "root", group: "root"}
	if m.labels {
		e.seltype = "default_t"
	}
	return e
}

// Stat implements System.
func (m *MemorySystem) Stat(ctx context.Context, p string) (*FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, notExist("stat", p)
	}
	return &FileInfo{Path: p, IsDir: e.dir, Mode: e.mode, Owner: e.owner, Group: e.group, Size: int64(len(e.data))}, nil
}

// ReadFile implements System.
func (m *MemorySystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, notExist("open", p)
	}
	if e.dir {
		return nil, fmt.Errorf("read %s: is a directory", p)
	}
	return append([]byte(nil), e.data...), nil
}

// WriteFile implements System.
func (m *MemorySystem) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.parentLocked("open", p); err != nil {
		return err
	}
	e := m.newEntry(false, perm)
	e.data = append([]byte(nil), data...)
	m.entries[p] = e
	return nil
}

// Mkdir implements System.
func (m *MemorySystem) Mkdir(ctx context.Context, p string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if err := m.parentLocked("mkdir", p); err != nil {
		return err
	}
	m.entries[p] = m.newEntry(true, perm)
	return nil
}

// RemoveAll implements System.
func (m *MemorySystem) RemoveAll(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range m.entries {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Chmod implements System.
func (m *MemorySystem) Chmod(ctx context.Context, p string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return notExist("chmod", p)
	}
	e.mode = perm
	return nil
}

// Chown implements System.
func (m *MemorySystem) Chown(ctx context.Context, p, owner, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return notExist("chown", p)
	}
	if owner != "" {
		e.owner = owner
	}
	if group != "" {
		e.group = group
	}
	return nil
}

// SELinuxType implements System.
func (m *MemorySystem) SELinuxType(ctx context.Context, p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return "", notExist("stat", p)
	}
	return e.seltype, nil
}

// SetSELinuxType implements System.
func (m *MemorySystem) SetSELinuxType(ctx context.Context, p, seltype string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return notExist("chcon", p)
	}
	e.seltype = seltype
	return nil
}

// Query implements PackageManager.
func (m *MemorySystem) Query(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.packages[name]
	return v, ok, nil
}

// Candidate implements PackageManager.
func (m *MemorySystem) Candidate(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.repo[name]
	if !ok {
		return "", fmt.Errorf("package %s not found", name)
	}
	return v, nil
}

// Install implements PackageManager.
func (m *MemorySystem) Install(ctx context.Context, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == "" {
		v, ok := m.repo[name]
		if !ok {
			return fmt.Errorf("package %s not found", name)
		}
		version = v
	}
	m.packages[name] = version
	for p, data := range m.payloads[name] {
		m.mkdirAllLocked(p)
		e := m.newEntry(false, 0o644)
		e.data = data
		m.entries[p] = e
	}
	return nil
}

// Remove implements PackageManager.
func (m *MemorySystem) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.packages, name)
	for p := range m.payloads[name] {
		delete(m.entries, p)
	}
	return nil
}

// Status implements ServiceManager.
func (m *MemorySystem) Status(ctx context.Context, name string) (ServiceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.services[name]; ok {
		return *s, nil
	}
	return ServiceStatus{}, nil
}

func (m *MemorySystem) service(name string) (*ServiceStatus, error) {
	s, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("unit %s not found", name)
	}
	return s, nil
}

func (m *MemorySystem) setService(name string, fn func(*ServiceStatus)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.service(name)
	if err != nil {
		return err
	}
	fn(s)
	return nil
}

// Start implements ServiceManager.
func (m *MemorySystem) Start(ctx context.Context, name string) error {
	return m.setService(name, func(s *ServiceStatus) { s.Active = true })
}

// Stop implements ServiceManager.
func (m *MemorySystem) Stop(ctx context.Context, name string) error {
	return m.setService(name, func(s *ServiceStatus) { s.Active = false })
}

// Restart implements ServiceManager.
func (m *MemorySystem) Restart(ctx context.Context, name string) error {
	return m.setService(name, func(s *ServiceStatus) {
		s.Active = true
		m.restarts[name]++
	})
}

// Enable implements ServiceManager.
func (m *MemorySystem) Enable(ctx context.Context, name string) error {
	return m.setService(name, func(s *ServiceStatus) { s.Enabled = true })
}

// Disable implements ServiceManager.
func (m *MemorySystem) Disable(ctx context.Context, name string) error {
	return m.setService(name, func(s *ServiceStatus) { s.Enabled = false })
}
