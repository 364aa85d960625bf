package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ExitDrift is the exit status of drift when any host has drifted.
const ExitDrift = 2

var errDriftDetected = errors.New("drift detected")

func newDriftCommand(opts *rootOptions) *cobra.Command {
	var (
		flags pxeFlags
		rf    runFlags
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect configuration drift",
		Long: `Detect drift by checking each host's live state against its resource set.

Drift occurs when the live state of a host diverges from what apply would
produce, or when the resource set differs from the last committed run.
The command exits with status 2 when any host has drifted.`,
		Example: `  # Detect drift on all configured conductors
  ironic-pxe drift -c ironic.cue --state-db /var/lib/ironic-pxe/state.db

  # Machine-readable drift report for one host
  ironic-pxe drift -c ironic.cue --host conductor-1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rf.dryRun = true
			runs, err := runCommand(cmd, opts, &flags, &rf, modeDrift)
			if runs == nil {
				return err
			}
			if perr := printRuns(cmd, opts, runs); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}

			drifted := 0
			for _, hr := range runs {
				if hr.hasChanges() {
					drifted++
				}
			}
			if drifted > 0 {
				return &ExitError{Code: ExitDrift, Err: fmt.Errorf("%w on %d of %d hosts", errDriftDetected, drifted, len(runs))}
			}
			return nil
		},
	}

	flags.register(cmd)
	rf.register(cmd)

	return cmd
}
