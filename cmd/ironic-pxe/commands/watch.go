package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/config"
	"github.com/eb4x/puppet-ironic/pkg/policy"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		flags    pxeFlags
		rf       runFlags
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Converge whenever the configuration changes",
		Long: `Apply the configuration, then apply it again every time the file, its
override script or a policy file changes. A change that fails to load or
validate is logged and the previous configuration stays in effect.`,
		Example: `  # Keep all conductors converged
  ironic-pxe watch -c /etc/ironic-pxe/ironic.cue --state-db /var/lib/ironic-pxe/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger("watch")
			if opts.configPath == "" {
				return fmt.Errorf("watch requires --config")
			}

			r, err := newResolver(ctx, opts, cmd, &flags)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			rn, err := newRunner(ctx, opts, r, &rf, modeApply)
			if err != nil {
				return err
			}
			defer rn.close()

			// The policy watch stops with ctx.
			if len(opts.policyPaths) > 0 {
				pl := policy.NewLoader(opts.logger("policy"))
				if err := pl.Watch(ctx, opts.policyPaths, rn.policies.ReplacePolicies); err != nil {
					return err
				}
			}

			watcher := config.NewWatcher(r.loader, opts.configPath, debounce)
			return watcher.Watch(ctx, func(ctx context.Context, doc *config.Document) error {
				r.doc = doc
				targets, err := r.targets(opts.hosts)
				if err != nil {
					logger.Error().Err(err).Msg("Invalid host selection")
					return nil
				}

				runs, err := rn.run(ctx, modeApply, targets)
				if perr := printRuns(cmd, opts, runs); perr != nil {
					return perr
				}
				if err != nil {
					logger.Error().Err(err).Msg("Convergence failed, waiting for the next change")
				}
				return ctx.Err()
			})
		},
	}

	flags.register(cmd)
	rf.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait this long after the last change")

	return cmd
}
