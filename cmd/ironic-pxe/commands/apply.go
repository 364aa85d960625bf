package commands

import (
	"github.com/spf13/cobra"
)

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var (
		flags pxeFlags
		rf    runFlags
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge hosts to the resolved settings",
		Long: `Resolve the network-boot settings for each host and converge them.

This command:
  - Gathers facts from hosts that have none configured
  - Resolves the resource set, including healthcheck and inspector database settings
  - Refuses to continue when a blocking policy is violated
  - Converges intents level by level, in parallel within a level
  - Records the run and its events when a state database is configured
  - Optionally reads the boot images back over TFTP`,
		Example: `  # Converge the local conductor
  ironic-pxe apply --os-family Debian --os-release 12

  # Converge all configured conductors and verify the TFTP service
  ironic-pxe apply -c ironic.cue --probe-server 192.0.2.10

  # Show what would change without applying
  ironic-pxe apply --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := runCommand(cmd, opts, &flags, &rf, modeApply)
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
	cmd.Flags().BoolVar(&rf.dryRun, "dry-run", false, "check intents without applying changes")
	cmd.Flags().StringVar(&rf.probeServer, "probe-server", "", "TFTP server to read boot images back from after apply")

	return cmd
}
