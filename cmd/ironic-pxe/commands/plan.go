package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var (
		flags pxeFlags
		rf    runFlags
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Long: `Check every intent against the live state of each host without
changing anything.

This command:
  - Gathers facts from hosts that have none configured
  - Resolves the resource set and evaluates policies
  - Checks each intent in dependency order
  - Compares the set with the last committed run when a state database is configured`,
		Example: `  # Plan the local conductor
  ironic-pxe plan

  # Plan all configured conductors
  ironic-pxe plan -c ironic.cue --state-db /var/lib/ironic-pxe/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rf.dryRun = true
			runs, err := runCommand(cmd, opts, &flags, &rf, modePlan)
			if runs == nil {
				return err
			}
			if perr := printRuns(cmd, opts, runs); perr != nil {
				return perr
			}
			return err
		},
	}

	flags.register(cmd)
	rf.register(cmd)

	return cmd
}

// runCommand resolves the targets and runs them in mode. The returned runs
// are nil only when nothing was attempted.
func runCommand(cmd *cobra.Command, opts *rootOptions, flags *pxeFlags, rf *runFlags, mode runMode) ([]*hostRun, error) {
	ctx := cmd.Context()

	r, err := newResolver(ctx, opts, cmd, flags)
	if err != nil {
		return nil, err
	}
	defer r.close(ctx)

	targets, err := r.targets(opts.hosts)
	if err != nil {
		return nil, err
	}

	rn, err := newRunner(ctx, opts, r, rf, mode)
	if err != nil {
		return nil, err
	}
	defer rn.close()

	return rn.run(ctx, mode, targets)
}

func printRuns(cmd *cobra.Command, opts *rootOptions, runs []*hostRun) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(out, runs)
	}
	if err := printRunSummary(out, runs); err != nil {
		return err
	}
	printChanges(out, runs)
	return nil
}
