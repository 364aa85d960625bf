package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eb4x/puppet-ironic/pkg/config"
	"github.com/eb4x/puppet-ironic/pkg/engine"
	"github.com/eb4x/puppet-ironic/pkg/stores"
)

func newRunsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history",
		Long: `Inspect the runs recorded in the state database.

Every apply records its report, per-intent results and events. Committed
runs also update the resource state that plan and drift compare against.`,
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsDeleteCommand(opts))
	cmd.AddCommand(newRunsStateCommand(opts))

	return cmd
}

// openHistory opens the state database named by --state-db or the
// configuration file.
func openHistory(ctx context.Context, opts *rootOptions) (*stores.SQLiteStore, error) {
	fromConfig := ""
	if opts.configPath != "" {
		loader, err := config.NewLoader(opts.logger("config"))
		if err != nil {
			return nil, err
		}
		doc, err := loader.Load(ctx, opts.configPath)
		if err != nil {
			return nil, err
		}
		fromConfig = doc.StateDB
	}

	store, err := openStore(ctx, opts, fromConfig)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no state database: pass --state-db or set state_db in the configuration")
	}
	return store, nil
}

func newRunsListCommand(opts *rootOptions) *cobra.Command {
	var (
		host   string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # Last 20 runs
  ironic-pxe runs list --state-db state.db

  # Failed runs on one conductor
  ironic-pxe runs list --state-db state.db --run-host conductor-1 --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, stores.RunFilter{
				Host:   host,
				Status: engine.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, runs)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tHOST\tSTATUS\tDRY RUN\tCHANGED\tFAILED\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
					shortID(r.ID), r.Host, r.Status, r.DryRun,
					r.Summary.Changed, r.Summary.Failed,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&host, "run-host", "", "only runs on this host")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

// runDetail is a run with its intent results and events.
type runDetail struct {
	*stores.Run
	Intents []*stores.IntentResult `json:"intents"`
	Events  []*engine.Event        `json:"events,omitempty"`
}

func newRunsShowCommand(opts *rootOptions) *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's intents and events",
		Long: `Show a recorded run. The run ID may be abbreviated to any unique prefix.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			detail := &runDetail{Run: run}
			if detail.Intents, err = store.ListIntentResults(ctx, run.ID); err != nil {
				return err
			}
			if events > 0 {
				if detail.Events, err = store.GetEvents(ctx, run.ID, events); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, detail)
			}

			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Host:     %s\n", run.Host)
			if run.User != "" {
				fmt.Fprintf(out, "User:     %s\n", run.User)
			}
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Duration: %s\n", run.Duration.Round(time.Millisecond))
			if run.Error != nil {
				fmt.Fprintf(out, "Error:    %s\n", *run.Error)
			}

			fmt.Fprintln(out)
			tw := newTable(out)
			fmt.Fprintln(tw, "LEVEL\tINTENT\tENSURE\tSTATUS\tATTEMPTS\tCHANGES\tDURATION")
			for _, ir := range detail.Intents {
				changes := fmt.Sprint(len(ir.Changes))
				if ir.Refreshed {
					changes += " (refreshed)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					ir.Level, ir.IntentID, ir.Ensure, ir.Status, ir.Attempts, changes,
					ir.Duration.Round(time.Millisecond))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, ir := range detail.Intents {
				if ir.Error != nil {
					fmt.Fprintf(out, "\n%s: %s\n", ir.IntentID, *ir.Error)
				}
			}

			if len(detail.Events) > 0 {
				fmt.Fprintln(out)
				for _, e := range detail.Events {
					fmt.Fprintf(out, "%s  %-7s %-20s %s\n",
						e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 50, "number of events to show (0 for none)")

	return cmd
}

func newRunsDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteRun(ctx, run.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", run.ID)
			return nil
		},
	}
}

func newRunsStateCommand(opts *rootOptions) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "List the committed resource state",
		Long: `List the desired-state hash committed for every intent of a host by its
last successful apply. Plan and drift compare resource sets against it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if host == "" {
				host = localHostname()
			}
			store, err := openHistory(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.ListResourceStates(ctx, host)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, states)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "INTENT\tHASH\tRUN\tAPPLIED")
			for _, s := range states {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					s.IntentID, shortID(s.Hash), shortID(s.LastRunID),
					s.LastApplied.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&host, "run-host", "", "host to list (default: this host)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
