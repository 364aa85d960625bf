package commands

import (
	"context"
	"fmt"
	"os/user"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/policy"
	"github.com/eb4x/puppet-ironic/pkg/probe"
	"github.com/eb4x/puppet-ironic/pkg/providers"
	"github.com/eb4x/puppet-ironic/pkg/stores"
	"github.com/eb4x/puppet-ironic/pkg/telemetry"
)

type runMode string

const (
	modePlan  runMode = "plan"
	modeApply runMode = "apply"
	modeDrift runMode = "drift"
)

// runFlags are the flags shared by plan, apply and drift.
type runFlags struct {
	timeout       time.Duration
	maxParallel   int
	parallelHosts int
	maxRetries    int
	failFast      bool
	dryRun        bool
	probeServer   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.DurationVar(&f.timeout, "timeout", 30*time.Minute, "timeout per host")
	fl.IntVar(&f.maxParallel, "parallelism", 0, "max parallel intents per host (default: number of CPUs)")
	fl.IntVar(&f.parallelHosts, "parallel-hosts", 4, "max hosts converged at once")
	fl.IntVar(&f.maxRetries, "max-retries", 3, "retries for transient provider errors")
	fl.BoolVar(&f.failFast, "fail-fast", false, "stop after the first failed level or host")
}

// hostRun is the outcome of one target.
type hostRun struct {
	Host    string                    `json:"host"`
	Backend string                    `json:"backend,omitempty"`
	Policy  *policy.Result            `json:"policy,omitempty"`
	Report  *engine.ConvergenceReport `json:"report,omitempty"`
	Diff    *engine.SetDiff           `json:"diff,omitempty"`
	Probes  []*probe.Result           `json:"probes,omitempty"`
	Error   string                    `json:"error,omitempty"`

	err error
}

// hasChanges reports whether the host differs from its resource set.
func (h *hostRun) hasChanges() bool {
	if h.Report != nil && (h.Report.EffectiveChanges() > 0 || h.Report.Summary.Failed > 0) {
		return true
	}
	return h.Diff != nil && h.Diff.HasChanges()
}

// runner converges targets for plan, apply and drift.
type runner struct {
	opts     *rootOptions
	flags    *runFlags
	resolver *resolver
	policies *policy.Engine
	store    *stores.SQLiteStore
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// newRunner opens the policy engine and the state store. Events are only
// stored for runs that are recorded.
func newRunner(ctx context.Context, opts *rootOptions, r *resolver, flags *runFlags, mode runMode) (*runner, error) {
	policies, err := newPolicyEngine(ctx, opts)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, opts, r.doc.StateDB)
	if err != nil {
		return nil, err
	}
	if store != nil && mode == modeApply && !flags.dryRun {
		opts.tel.Events.Subscribe("store", store, nil)
	}

	return &runner{
		opts:     opts,
		flags:    flags,
		resolver: r,
		policies: policies,
		store:    store,
		tel:      opts.tel,
		logger:   opts.logger("runner"),
	}, nil
}

func (rn *runner) close() {
	if rn.store == nil {
		return
	}
	if err := rn.store.Close(); err != nil {
		rn.logger.Warn().Err(err).Msg("Failed to close state store")
	}
}

// run converges every target, at most parallelHosts at a time. Host
// failures are collected; with fail-fast the first one cancels the rest.
func (rn *runner) run(ctx context.Context, mode runMode, targets []*target) ([]*hostRun, error) {
	results := make([]*hostRun, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	if rn.flags.parallelHosts > 0 {
		g.SetLimit(rn.flags.parallelHosts)
	}
	for i, t := range targets {
		g.Go(func() error {
			hr := rn.runHost(gctx, mode, t)
			results[i] = hr
			if hr.err != nil && rn.flags.failFast {
				return hr.err
			}
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for i, hr := range results {
		if hr == nil {
			hr = &hostRun{Host: targets[i].name, err: fmt.Errorf("%s: %w", targets[i].name, context.Canceled)}
			hr.Error = hr.err.Error()
			results[i] = hr
		}
		if hr.err != nil {
			result = multierror.Append(result, hr.err)
		}
	}
	return results, result.ErrorOrNil()
}

func (rn *runner) runHost(ctx context.Context, mode runMode, t *target) *hostRun {
	ctx, span := rn.tel.Tracer.StartHostSpan(ctx, t.name, string(mode))
	defer span.End()

	hr := &hostRun{Host: t.name}
	hr.err = rn.converge(ctx, mode, t, hr)
	if hr.err != nil {
		hr.Error = hr.err.Error()
		telemetry.RecordError(span, hr.err)
		rn.logger.Error().Err(hr.err).Str("host", t.name).Str("mode", string(mode)).Msg("Host failed")
	} else {
		if hr.Report != nil {
			span.SetAttributes(
				telemetry.AttrRunID.String(hr.Report.RunID),
				telemetry.AttrRunStatus.String(string(hr.Report.Status)),
				telemetry.AttrIntents.Int(hr.Report.Summary.Total),
				telemetry.AttrChanged.Int(hr.Report.Summary.Changed),
			)
		}
		telemetry.RecordSuccess(span)
	}
	return hr
}

func (rn *runner) converge(ctx context.Context, mode runMode, t *target, hr *hostRun) error {
	sess, err := rn.opts.connect(ctx, t, rn.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.close(); err != nil {
			rn.logger.Warn().Err(err).Str("host", t.name).Msg("Failed to close session")
		}
	}()

	var facts = t.facts
	if facts == nil {
		gathered, err := sess.facts(ctx)
		if err != nil {
			return fmt.Errorf("%s: failed to gather facts: %w", t.name, err)
		}
		facts = &gathered
	}

	res, err := rn.resolver.resolve(ctx, t, *facts)
	if err != nil {
		return err
	}
	hr.Backend = res.config.BackendName()

	gate, gateErr := rn.policies.Gate(ctx, t.name, res.set)
	hr.Policy = gate
	if gate != nil {
		for _, v := range append(append([]policy.Violation{}, gate.Violations...), gate.Warnings...) {
			rn.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		}
	}
	if gateErr != nil && mode == modeApply && !rn.flags.dryRun {
		return fmt.Errorf("%s: %w", t.name, gateErr)
	}

	host, err := sess.newHost(string(res.profile.OSFamily))
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}

	convOpts := rn.tel.ConvergerOptions()
	if rn.flags.maxParallel > 0 {
		convOpts = append(convOpts, engine.WithMaxParallel(rn.flags.maxParallel))
	}
	if rn.store != nil && mode == modeApply {
		convOpts = append(convOpts, engine.WithRecorder(rn.store))
	}
	conv := engine.NewConverger(providers.NewRegistry(host), convOpts...)

	applyOpts := engine.ApplyOptions{
		Host:       t.name,
		User:       currentUser(),
		DryRun:     rn.flags.dryRun,
		Timeout:    rn.flags.timeout,
		MaxRetries: rn.flags.maxRetries,
		FailFast:   rn.flags.failFast,
	}

	if mode == modeApply && !rn.flags.dryRun {
		report, err := conv.Apply(ctx, res.set, applyOpts)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		hr.Report = report
		if err := report.Err(); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		if rn.flags.probeServer != "" {
			return rn.probe(ctx, t, res, hr)
		}
		return nil
	}

	var state engine.StateReader
	if rn.store != nil {
		state = rn.store
	}
	plan, err := engine.NewPlanner(conv, state).Plan(ctx, res.set, applyOpts)
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	hr.Report = plan.Report
	hr.Diff = plan.Diff

	if mode == modeDrift {
		rn.recordDrift(t, hr)
	}
	return nil
}

// recordDrift counts every intent whose live state differs from the set.
func (rn *runner) recordDrift(t *target, hr *hostRun) {
	for _, r := range hr.Report.Results {
		status := "in_sync"
		switch r.Status {
		case engine.IntentStatusChanged:
			status = "drifted"
		case engine.IntentStatusFailed:
			status = "error"
		}
		rn.tel.Metrics.RecordDriftDetection(r.Kind.TypeName(), status)
		if status == "drifted" {
			rn.logger.Warn().Str("host", t.name).Str("intent", r.ID).Int("changes", len(r.Changes)).Msg("Drift detected")
		}
	}
}

// probe reads the boot images back from the TFTP service.
func (rn *runner) probe(ctx context.Context, t *target, res *resolved, hr *hostRun) error {
	files := bootFiles(res)
	if len(files) == 0 {
		return nil
	}

	p, err := probe.NewTFTPProbe(probe.Config{Server: rn.flags.probeServer}, rn.opts.logger("probe"), rn.tel.Metrics)
	if err != nil {
		return err
	}
	results, err := p.Probe(ctx, files)
	hr.Probes = results
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	if failed := probe.Failed(results); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.File)
		}
		return fmt.Errorf("%s: TFTP probe failed for %s", t.name, strings.Join(names, ", "))
	}
	return nil
}

// bootFiles lists the files the set places in the TFTP root, relative to
// it.
func bootFiles(res *resolved) []string {
	root := res.config.TFTPRoot
	var files []string
	for _, i := range res.set.Filter(func(i *engine.Intent) bool {
		return i.Kind == engine.KindFile && i.State == engine.StatePresent
	}) {
		if path.Dir(i.Title) != root {
			continue
		}
		files = append(files, path.Base(i.Title))
	}
	sort.Strings(files)
	return files
}

var (
	userOnce sync.Once
	userName string
)

func currentUser() string {
	userOnce.Do(func() {
		if u, err := user.Current(); err == nil {
			userName = u.Username
		}
	})
	return userName
}

// newPolicyEngine loads the built-in policies plus any given with --policy.
func newPolicyEngine(ctx context.Context, opts *rootOptions) (*policy.Engine, error) {
	eng, err := policy.NewEngine(opts.logger("policy"))
	if err != nil {
		return nil, err
	}
	if len(opts.policyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, opts.policyPaths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// openStore opens and migrates the run history. It returns nil when no
// database is configured.
func openStore(ctx context.Context, opts *rootOptions, fromConfig string) (*stores.SQLiteStore, error) {
	p := opts.stateDB
	if p == "" {
		p = fromConfig
	}
	if p == "" {
		return nil, nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: p})
	if err != nil {
		return nil, err
	}
	if err := prepareStore(ctx, store); err != nil {
		return nil, err
	}
	return store, nil
}

type runStore interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareStore initializes and migrates s, closing it on failure.
func prepareStore(ctx context.Context, s runStore) error {
	err := s.Init(ctx)
	if err == nil {
		err = s.Migrate(ctx)
	}
	if err != nil {
		_ = s.Close()
		return err
	}
	return nil
}
