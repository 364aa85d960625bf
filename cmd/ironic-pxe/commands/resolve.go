package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var (
		flags  pxeFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the resource intents for a host",
		Long: `Resolve the network-boot settings into resource intents without
touching any host.

Facts come from --facts, --os-family/--os-release, the host entries of
the configuration file, or /etc/os-release for the local host.`,
		Example: `  # Default settings on a Debian 12 conductor
  ironic-pxe resolve --os-family Debian --os-release 12

  # Embedded TFTP backend bound to one address, as YAML
  ironic-pxe resolve --os-family RedHat --os-release 9 --no-xinetd --bind-host 192.0.2.10 --format yaml

  # Render the ordering graph
  ironic-pxe resolve -c ironic.cue --format dot | dot -Tsvg > pxe.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch format {
			case "json", "yaml", "dot":
			default:
				return fmt.Errorf("unsupported format %q (want json, yaml or dot)", format)
			}

			r, err := newResolver(ctx, opts, cmd, &flags)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			targets, err := r.targets(opts.hosts)
			if err != nil {
				return err
			}

			sets := make(map[string]*engine.ResourceSet, len(targets))
			for _, t := range targets {
				facts, err := staticFacts(t)
				if err != nil {
					return err
				}
				res, err := r.resolve(ctx, t, facts)
				if err != nil {
					return err
				}
				sets[t.name] = res.set
			}

			out := cmd.OutOrStdout()
			switch format {
			case "dot":
				for _, t := range targets {
					dot, err := sets[t.name].DOT()
					if err != nil {
						return err
					}
					fmt.Fprint(out, dot)
				}
				return nil
			case "yaml":
				if len(targets) == 1 {
					return writeYAML(out, sets[targets[0].name])
				}
				return writeYAML(out, sets)
			default:
				if len(targets) == 1 {
					return writeJSON(out, sets[targets[0].name])
				}
				return writeJSON(out, sets)
			}
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "o", "json", "output format: json, yaml or dot")

	return cmd
}
