package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/probe"
)

func newProbeCommand(opts *rootOptions) *cobra.Command {
	var cfg probe.Config

	cmd := &cobra.Command{
		Use:   "probe <file>...",
		Short: "Read boot images back from a TFTP server",
		Long: `Download files from a TFTP server the way a PXE client would and report
their size and SHA-256. With --expect-dir each file is also compared with
its copy in that directory, normally the TFTP root on the conductor.`,
		Example: `  # Check the iPXE images are served
  ironic-pxe probe --server 192.0.2.10 undionly.kpxe snponly.efi

  # Compare against the local TFTP root
  ironic-pxe probe --server 127.0.0.1:69 --expect-dir /tftpboot pxelinux.0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := probe.NewTFTPProbe(cfg, opts.logger("probe"), opts.tel.Metrics)
			if err != nil {
				return err
			}
			results, err := p.Probe(ctx, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				tw := newTable(out)
				fmt.Fprintln(tw, "FILE\tBYTES\tSHA256\tDURATION\tERROR")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
						r.File, r.Bytes, orDash(r.SHA256), r.Duration.Round(time.Millisecond), orDash(r.Error))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if failed := probe.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d files failed", len(failed), len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Server, "server", "", "TFTP server as host or host:port")
	cmd.Flags().DurationVar(&cfg.Timeout, "packet-timeout", 5*time.Second, "per-packet timeout")
	cmd.Flags().IntVar(&cfg.Retries, "retries", 3, "retransmissions per packet")
	cmd.Flags().StringVar(&cfg.ExpectDir, "expect-dir", "", "local copy of the TFTP root to compare against")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}
