package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/policy"
)

// validation is the outcome of validating one host.
type validation struct {
	Host    string         `json:"host"`
	Backend string         `json:"backend,omitempty"`
	Intents int            `json:"intents,omitempty"`
	Policy  *policy.Result `json:"policy,omitempty"`
	Skipped string         `json:"skipped,omitempty"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var flags pxeFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and policies",
		Long: `Validate the configuration file and resolve every host whose facts are
known, without connecting to any host.

This command checks:
  - CUE, YAML or JSON syntax and schema conformance
  - Override scripts and setting values
  - Ordering of the resolved intents (missing targets, cycles)
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a configuration file
  ironic-pxe validate -c ironic.cue

  # Validate with site policies
  ironic-pxe validate -c ironic.yaml --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger("validate")

			r, err := newResolver(ctx, opts, cmd, &flags)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			policies, err := newPolicyEngine(ctx, opts)
			if err != nil {
				return err
			}

			targets, err := r.targets(opts.hosts)
			if err != nil {
				return err
			}

			var (
				results []*validation
				denied  int
			)
			for _, t := range targets {
				v := &validation{Host: t.name}
				results = append(results, v)

				if t.host != nil && t.facts == nil {
					v.Skipped = "facts are gathered at apply time"
					logger.Info().Str("host", t.name).Msg("No facts configured, skipping resolution")
					continue
				}
				facts, err := staticFacts(t)
				if err != nil {
					return err
				}
				res, err := r.resolve(ctx, t, facts)
				if err != nil {
					return err
				}
				v.Backend = res.config.BackendName()
				v.Intents = res.set.Len()

				v.Policy, err = policies.EvaluateSet(ctx, t.name, res.set)
				if err != nil {
					return err
				}
				if !v.Policy.Allowed {
					denied++
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, v := range results {
					switch {
					case v.Skipped != "":
						fmt.Fprintf(out, "%s: skipped (%s)\n", v.Host, v.Skipped)
					default:
						fmt.Fprintf(out, "%s: %d intents, %s backend\n", v.Host, v.Intents, v.Backend)
						for _, pv := range v.Policy.Violations {
							fmt.Fprintf(out, "  policy violation: %s\n", pv)
						}
						for _, pv := range v.Policy.Warnings {
							fmt.Fprintf(out, "  policy warning: %s\n", pv)
						}
					}
				}
			}

			if denied > 0 {
				return fmt.Errorf("policy violations on %d hosts", denied)
			}
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}
