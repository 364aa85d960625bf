package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eb4x/puppet-ironic/pkg/config"
	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/healthcheck"
	"github.com/eb4x/puppet-ironic/pkg/inspectordb"
	"github.com/eb4x/puppet-ironic/pkg/plugins"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

// pxeFlags are the command-line overrides of the pxe settings and the
// facts a profile is looked up by.
type pxeFlags struct {
	tftpRoot      string
	httpRoot      string
	httpPort      int
	ipxeTimeout   int
	bindHost      string
	noXinetd      bool
	syslinuxPath  string
	noIPXE        bool
	packageEnsure string

	osFamily      string
	osRelease     string
	factsFile     string
	profilePlugin string
}

func (f *pxeFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.tftpRoot, "tftp-root", "", "TFTP root directory (default /tftpboot)")
	fl.StringVar(&f.httpRoot, "http-root", "", "HTTP boot root directory (default /httpboot)")
	fl.IntVar(&f.httpPort, "http-port", pxe.DefaultHTTPPort, "HTTP boot port")
	fl.IntVar(&f.ipxeTimeout, "ipxe-timeout", pxe.DefaultIPXETimeout, "iPXE timeout in seconds")
	fl.StringVar(&f.bindHost, "bind-host", "", "address the TFTP service binds to")
	fl.BoolVar(&f.noXinetd, "no-xinetd", false, "use the embedded TFTP backend instead of xinetd")
	fl.StringVar(&f.syslinuxPath, "syslinux-path", "", `syslinux image directory, or "false" to remove syslinux`)
	fl.BoolVar(&f.noIPXE, "no-ipxe", false, "disable iPXE chainloading")
	fl.StringVar(&f.packageEnsure, "package-ensure", "", "ensure value for installed packages")

	fl.StringVar(&f.osFamily, "os-family", "", "OS family fact (Debian, RedHat, ...)")
	fl.StringVar(&f.osRelease, "os-release", "", "OS major release fact")
	fl.StringVar(&f.factsFile, "facts", "", "YAML or JSON facts file")
	fl.StringVar(&f.profilePlugin, "profile-plugin", "", "WASM profile plugin (.wasm or manifest)")
}

// raw returns the settings given on the command line. Only flags the user
// set are filled, so they overlay the configuration file.
func (f *pxeFlags) raw(cmd *cobra.Command) pxe.RawConfig {
	changed := cmd.Flags().Changed
	var raw pxe.RawConfig

	raw.TFTPRoot = f.tftpRoot
	raw.HTTPRoot = f.httpRoot
	raw.TFTPBindHost = f.bindHost
	raw.PackageEnsure = f.packageEnsure
	if changed("http-port") {
		port := f.httpPort
		raw.HTTPPort = &port
	}
	if changed("ipxe-timeout") {
		timeout := f.ipxeTimeout
		raw.IPXETimeout = &timeout
	}
	if changed("no-xinetd") {
		xinetd := !f.noXinetd
		raw.UseXinetdBackend = &xinetd
	}
	if changed("no-ipxe") {
		ipxe := !f.noIPXE
		raw.IPXEChainloadEnabled = &ipxe
	}
	if changed("syslinux-path") {
		if f.syslinuxPath == "false" || f.syslinuxPath == "" {
			raw.SyslinuxPath = pxe.Disabled()
		} else {
			raw.SyslinuxPath = pxe.PathOf(f.syslinuxPath)
		}
	}
	return raw
}

// facts returns the facts given by --facts, --os-family and --os-release,
// or nil when none were given.
func (f *pxeFlags) facts() (*pxe.Facts, error) {
	if f.factsFile == "" && f.osFamily == "" && f.osRelease == "" {
		return nil, nil
	}

	var facts pxe.Facts
	if f.factsFile != "" {
		data, err := os.ReadFile(f.factsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read facts: %w", err)
		}
		if err := yaml.Unmarshal(data, &facts); err != nil {
			return nil, fmt.Errorf("failed to parse facts %s: %w", f.factsFile, err)
		}
	}
	if f.osFamily != "" {
		facts.OSFamily = f.osFamily
	}
	if f.osRelease != "" {
		facts.MajorRelease = f.osRelease
	}
	if facts.OSFamily == "" {
		return nil, fmt.Errorf("facts must include osfamily")
	}
	return &facts, nil
}

// target is one host to resolve and converge.
type target struct {
	name string

	// host is nil for the local host.
	host *config.HostConfig

	// facts are known up front when given on the command line or in the
	// configuration. Otherwise they are gathered from the host.
	facts *pxe.Facts
}

// resolved is a target's resource set together with its inputs.
type resolved struct {
	facts   pxe.Facts
	profile pxe.PlatformProfile
	config  pxe.Config
	set     *engine.ResourceSet
}

// resolver turns targets into resource sets.
type resolver struct {
	loader   *config.Loader
	doc      *config.Document
	flags    pxe.RawConfig
	facts    *pxe.Facts
	profiles plugins.ProfileResolver
	logger   zerolog.Logger
	closeFn  func(context.Context) error
}

func newResolver(ctx context.Context, opts *rootOptions, cmd *cobra.Command, flags *pxeFlags) (*resolver, error) {
	logger := opts.logger("resolver")

	loader, err := config.NewLoader(opts.logger("config"))
	if err != nil {
		return nil, err
	}

	doc := &config.Document{}
	if opts.configPath != "" {
		doc, err = loader.Load(ctx, opts.configPath)
		if err != nil {
			return nil, err
		}
	}

	facts, err := flags.facts()
	if err != nil {
		return nil, err
	}

	r := &resolver{
		loader:   loader,
		doc:      doc,
		flags:    flags.raw(cmd),
		facts:    facts,
		profiles: plugins.BuiltinResolver{},
		logger:   logger,
		closeFn:  func(context.Context) error { return nil },
	}

	if flags.profilePlugin != "" {
		plugin, err := plugins.Load(ctx, flags.profilePlugin, nil, opts.logger("plugins"))
		if err != nil {
			return nil, err
		}
		r.profiles = fallbackResolver{primary: plugin, fallback: plugins.BuiltinResolver{}}
		r.closeFn = plugin.Close
	}

	return r, nil
}

func (r *resolver) close(ctx context.Context) {
	if err := r.closeFn(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close profile plugin")
	}
}

// targets returns the configured hosts, limited to names when given, or
// the local host when the configuration names none.
func (r *resolver) targets(names []string) ([]*target, error) {
	if len(r.doc.Hosts) == 0 {
		if len(names) > 0 {
			return nil, fmt.Errorf("no hosts configured, cannot select %s", strings.Join(names, ", "))
		}
		return []*target{{name: localHostname(), facts: r.facts}}, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var targets []*target
	for i := range r.doc.Hosts {
		hc := &r.doc.Hosts[i]
		if len(wanted) > 0 && !wanted[hc.Name] {
			continue
		}
		delete(wanted, hc.Name)

		t := &target{name: hc.Name, host: hc, facts: hc.Facts}
		if r.facts != nil {
			t.facts = r.facts
		}
		targets = append(targets, t)
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("unknown hosts: %s", strings.Join(missing, ", "))
	}
	return targets, nil
}

// resolve builds the resource set of a target from its facts. The set's
// graph is validated before it is returned.
func (r *resolver) resolve(ctx context.Context, t *target, facts pxe.Facts) (*resolved, error) {
	if facts.Hostname == "" {
		facts.Hostname = t.name
	}

	profile, err := r.profiles.Resolve(ctx, facts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	raw, err := r.loader.ApplyOverrides(ctx, r.doc, facts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	raw.Merge(r.flags)
	raw.ApplyPlatformDefaults(profile)

	cfg, err := pxe.ValidateFor(raw, profile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	set := pxe.Resolve(cfg, profile)
	if err := r.addCollaborators(set); err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	if _, err := set.Graph(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	r.logger.Debug().
		Str("host", t.name).
		Str("os_family", string(profile.OSFamily)).
		Str("backend", cfg.BackendName()).
		Int("intents", set.Len()).
		Msg("Resource set resolved")

	return &resolved{facts: facts, profile: profile, config: cfg, set: set}, nil
}

func (r *resolver) addCollaborators(set *engine.ResourceSet) error {
	if r.doc.Healthcheck != nil {
		intents, err := healthcheck.Resolve(*r.doc.Healthcheck)
		if err != nil {
			return err
		}
		if err := set.Add(intents...); err != nil {
			return err
		}
	}
	if r.doc.InspectorDB != nil {
		intent, err := inspectordb.Resolve(*r.doc.InspectorDB)
		if err != nil {
			return err
		}
		if err := set.Add(intent); err != nil {
			return err
		}
	}
	return nil
}

// fallbackResolver asks the plugin first and uses the built-in profiles
// for platforms the plugin does not handle.
type fallbackResolver struct {
	primary  plugins.ProfileResolver
	fallback plugins.ProfileResolver
}

func (f fallbackResolver) Resolve(ctx context.Context, facts pxe.Facts) (pxe.PlatformProfile, error) {
	profile, err := f.primary.Resolve(ctx, facts)
	var unsupported *pxe.UnsupportedPlatformError
	if errors.As(err, &unsupported) {
		return f.fallback.Resolve(ctx, facts)
	}
	return profile, err
}

func localHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// localFacts reads the facts of the machine the command runs on.
func localFacts() (pxe.Facts, error) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return pxe.Facts{}, fmt.Errorf("failed to gather local facts: %w", err)
	}
	facts := pxe.ParseOSRelease(string(data))
	facts.Hostname = localHostname()
	return facts, nil
}

// staticFacts returns the facts of a target that is not connected to.
// Remote hosts need their facts in the configuration or on the command
// line.
func staticFacts(t *target) (pxe.Facts, error) {
	if t.facts != nil {
		return *t.facts, nil
	}
	if t.host == nil {
		return localFacts()
	}
	return pxe.Facts{}, fmt.Errorf("no facts for host %s: set facts in the configuration or pass --facts", t.name)
}
