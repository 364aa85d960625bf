package providers

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// PackageManager queries and changes installed packages.
type PackageManager interface {
	// Query returns the installed version, if any.
	Query(ctx context.Context, name string) (version string, installed bool, err error)

	// Candidate returns the version the repositories would install.
	Candidate(ctx context.Context, name string) (string, error)

	Install(ctx context.Context, name, version string) error
	Remove(ctx context.Context, name string) error
}

// NewPackageManager returns the package manager for an OS family.
func NewPackageManager(r Runner, osFamily string) (PackageManager, error) {
	switch strings.ToLower(osFamily) {
	case "debian":
		return &aptManager{r: r}, nil
	case "redhat":
		return &dnfManager{r: r}, nil
	case "suse":
		return &zypperManager{r: r}, nil
	default:
		return nil, fmt.Errorf("no package manager for os family %q", osFamily)
	}
}

type aptManager struct {
	r Runner
}

func (m *aptManager) Query(ctx context.Context, name string) (string, bool, error) {
	res, err := m.r.Run(ctx, "dpkg-query", "-W", "-f=${Status}|${Version}", name)
	if err != nil {
		return "", false, err
	}
	if !res.Success() {
		return "", false, nil
	}
	status, version, _ := strings.Cut(strings.TrimSpace(res.Stdout), "|")
	if !strings.HasSuffix(status, " installed") {
		return "", false, nil
	}
	return version, true, nil
}

func (m *aptManager) Candidate(ctx context.Context, name string) (string, error) {
	res, err := RunChecked(ctx, m.r, "apt-cache", "policy", name)
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			v = strings.TrimSpace(v)
			if v == "(none)" {
				return "", fmt.Errorf("package %s has no installation candidate", name)
			}
			return v, nil
		}
	}
	return "", fmt.Errorf("package %s not found", name)
}

func (m *aptManager) Install(ctx context.Context, name, version string) error {
	spec := name
	if version != "" {
		spec = name + "=" + version
	}
	_, err := RunChecked(ctx, m.r, "env", "DEBIAN_FRONTEND=noninteractive",
		"apt-get", "install", "-y", "-q", "-o", "DPkg::Options::=--force-confold", spec)
	return err
}

func (m *aptManager) Remove(ctx context.Context, name string) error {
	_, err := RunChecked(ctx, m.r, "env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "remove", "-y", "-q", name)
	return err
}

type dnfManager struct {
	r Runner
}

func (m *dnfManager) Query(ctx context.Context, name string) (string, bool, error) {
	return rpmQuery(ctx, m.r, name)
}

func rpmQuery(ctx context.Context, r Runner, name string) (string, bool, error) {
	res, err := r.Run(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	if err != nil {
		return "", false, err
	}
	if !res.Success() {
		return "", false, nil
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

func (m *dnfManager) Candidate(ctx context.Context, name string) (string, error) {
	res, err := RunChecked(ctx, m.r, "dnf", "-q", "repoquery", "--latest-limit", "1", "--qf", "%{version}-%{release}", name)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(res.Stdout)
	if v == "" {
		return "", fmt.Errorf("package %s not found", name)
	}
	return strings.SplitN(v, "\n", 2)[0], nil
}

func (m *dnfManager) Install(ctx context.Context, name, version string) error {
	spec := name
	if version != "" {
		spec = name + "-" + version
	}
	_, err := RunChecked(ctx, m.r, "dnf", "install", "-y", spec)
	return err
}

func (m *dnfManager) Remove(ctx context.Context, name string) error {
	_, err := RunChecked(ctx, m.r, "dnf", "remove", "-y", name)
	return err
}

type zypperManager struct {
	r Runner
}

func (m *zypperManager) Query(ctx context.Context, name string) (string, bool, error) {
	return rpmQuery(ctx, m.r, name)
}

func (m *zypperManager) Candidate(ctx context.Context, name string) (string, error) {
	res, err := RunChecked(ctx, m.r, "zypper", "--non-interactive", "--quiet", "info", name)
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(k) == "Version" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("package %s not found", name)
}

func (m *zypperManager) Install(ctx context.Context, name, version string) error {
	spec := name
	if version != "" {
		spec = name + "=" + version
	}
	_, err := RunChecked(ctx, m.r, "zypper", "--non-interactive", "install", "--no-recommends", spec)
	return err
}

func (m *zypperManager) Remove(ctx context.Context, name string) error {
	_, err := RunChecked(ctx, m.r, "zypper", "--non-interactive", "remove", name)
	return err
}

// ServiceStatus is the observed state of a service unit.
type ServiceStatus struct {
	Exists  bool
	Active  bool
	Enabled bool
}

// ServiceManager controls service units.
type ServiceManager interface {
	Status(ctx context.Context, name string) (ServiceStatus, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

// Systemd manages units with systemctl.
type Systemd struct {
	r Runner
}

// NewSystemd returns a ServiceManager running systemctl through r.
func NewSystemd(r Runner) *Systemd {
	return &Systemd{r: r}
}

// Status implements ServiceManager.
func (s *Systemd) Status(ctx context.Context, name string) (ServiceStatus, error) {
	res, err := RunChecked(ctx, s.r, "systemctl", "show", name, "--property=LoadState,ActiveState,UnitFileState")
	if err != nil {
		return ServiceStatus{}, err
	}

	props := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), "="); ok {
			props[k] = strings.TrimSpace(v)
		}
	}

	return ServiceStatus{
		Exists:  props["LoadState"] != "" && props["LoadState"] != "not-found",
		Active:  props["ActiveState"] == "active",
		Enabled: props["UnitFileState"] == "enabled",
	}, nil
}

func (s *Systemd) systemctl(ctx context.Context, verb, name string) error {
	_, err := RunChecked(ctx, s.r, "systemctl", verb, name)
	return err
}

// Start implements ServiceManager.
func (s *Systemd) Start(ctx context.Context, name string) error { return s.systemctl(ctx, "start", name) }

// Stop implements ServiceManager.
func (s *Systemd) Stop(ctx context.Context, name string) error { return s.systemctl(ctx, "stop", name) }

// Restart implements ServiceManager.
func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.systemctl(ctx, "restart", name)
}

// Enable implements ServiceManager.
func (s *Systemd) Enable(ctx context.Context, name string) error {
	return s.systemctl(ctx, "enable", name)
}

// Disable implements ServiceManager.
func (s *Systemd) Disable(ctx context.Context, name string) error {
	return s.systemctl(ctx, "disable", name)
}
