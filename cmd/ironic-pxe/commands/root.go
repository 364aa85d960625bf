package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/telemetry"
)

// ExitError ends the process with Code. It is returned by commands whose
// outcome is reported on stdout, such as drift.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// rootOptions holds the global flags and the state shared by subcommands.
type rootOptions struct {
	configPath    string
	stateDB       string
	metricsAddr   string
	policyPaths   []string
	hosts         []string
	verbose       bool
	jsonOutput    bool
	traceExporter string
	traceEndpoint string

	version string
	tel     *telemetry.Telemetry

	// connect opens the system a target is converged on. Tests replace it
	// with in-memory hosts.
	connect connector
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	opts := &rootOptions{version: version, connect: connectTarget}
	rootCmd := newRootCommand(opts, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if opts.tel != nil {
		if serr := opts.tel.ShutdownWithTimeout(5 * time.Second); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func newRootCommand(opts *rootOptions, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ironic-pxe",
		Short: "Network-boot provisioning for Ironic conductors",
		Long: `ironic-pxe resolves the PXE/iPXE network-boot settings of an Ironic
conductor into resource intents and converges them on the host.

Features:
  - Typed configs via CUE, YAML or JSON
  - Per-host overrides via Starlark
  - WASM profile plugins for additional platforms
  - Policy gate before apply
  - Run history and drift detection
  - TFTP read-back of boot images`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", opts.version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupTelemetry(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (.cue, .yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&opts.stateDB, "state-db", "", "SQLite run history (default: state_db from the config file)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringSliceVar(&opts.policyPaths, "policy", nil, "additional rego policy files or directories")
	rootCmd.PersistentFlags().StringSliceVar(&opts.hosts, "host", nil, "limit to these configured hosts")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter: otlp, stdout or none")
	rootCmd.PersistentFlags().StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint")

	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newDriftCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newProbeCommand(opts))

	return rootCmd
}

func (o *rootOptions) setupTelemetry(cmd *cobra.Command) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = o.version
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	cfg.Metrics.ListenAddress = o.metricsAddr
	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.traceEndpoint
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	o.tel = tel

	ctx := tel.WithContext(cmd.Context())
	cmd.SetContext(ctx)

	if addr, err := tel.StartMetricsServer(ctx); err != nil {
		return err
	} else if addr != "" {
		tel.Logger.WithField("addr", addr).Info("Serving metrics")
	}
	return nil
}

// logger returns the component logger for a command.
func (o *rootOptions) logger(component string) zerolog.Logger {
	return o.tel.Logger.NewComponentLogger(component).Zerolog()
}
