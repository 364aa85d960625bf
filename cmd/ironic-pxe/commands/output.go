package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v through its JSON form so custom marshalers and
// redaction apply.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printRunSummary prints one line per host.
func printRunSummary(w io.Writer, runs []*hostRun) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "HOST\tBACKEND\tSTATUS\tCHANGED\tUNCHANGED\tFAILED\tSKIPPED\tDURATION")
	for _, hr := range runs {
		if hr.Report == nil {
			fmt.Fprintf(tw, "%s\t%s\terror\t-\t-\t-\t-\t-\n", hr.Host, orDash(hr.Backend))
			continue
		}
		s := hr.Report.Summary
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			hr.Host, orDash(hr.Backend), hr.Report.Status,
			s.Changed, s.Unchanged, s.Failed, s.Skipped+s.Cancelled,
			hr.Report.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

// printChanges lists the intents that changed, or would change, per host.
func printChanges(w io.Writer, runs []*hostRun) {
	for _, hr := range runs {
		fmt.Fprintf(w, "\n%s:\n", hr.Host)
		if hr.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", hr.Error)
		}
		if hr.Policy != nil {
			for _, v := range hr.Policy.Violations {
				fmt.Fprintf(w, "  policy violation: %s\n", v)
			}
			for _, v := range hr.Policy.Warnings {
				fmt.Fprintf(w, "  policy warning: %s\n", v)
			}
		}
		if hr.Report == nil {
			continue
		}

		changed := 0
		for _, r := range hr.Report.Results {
			switch r.Status {
			case engine.IntentStatusChanged:
				changed++
				fmt.Fprintf(w, "  ~ %s\n", r.ID)
				for _, c := range r.Changes {
					fmt.Fprintf(w, "      %s\n", formatChange(c))
				}
			case engine.IntentStatusFailed:
				changed++
				msg := ""
				if r.Error != nil {
					msg = r.Error.Error()
				}
				fmt.Fprintf(w, "  ! %s: %s\n", r.ID, msg)
			}
		}
		if changed == 0 {
			fmt.Fprintln(w, "  no changes")
		}

		if hr.Diff != nil {
			for _, id := range hr.Diff.Added {
				fmt.Fprintf(w, "  + %s (not managed before)\n", id)
			}
			for _, id := range hr.Diff.Modified {
				fmt.Fprintf(w, "  * %s (desired state changed)\n", id)
			}
			for _, id := range hr.Diff.Orphaned {
				fmt.Fprintf(w, "  - %s (no longer declared)\n", id)
			}
		}
		for _, p := range hr.Probes {
			if p.OK() {
				fmt.Fprintf(w, "  tftp %s: %d bytes\n", p.File, p.Bytes)
			} else {
				fmt.Fprintf(w, "  tftp %s: %s\n", p.File, p.Error)
			}
		}
	}
}

func formatChange(c engine.Change) string {
	switch {
	case c.Before == nil && c.After == nil:
		return fmt.Sprintf("%s: %s", c.Path, c.Action)
	case c.Before == nil:
		return fmt.Sprintf("%s: %s %v", c.Path, c.Action, truncate(c.After))
	default:
		return fmt.Sprintf("%s: %v -> %v", c.Path, truncate(c.Before), truncate(c.After))
	}
}

func truncate(v interface{}) string {
	s := strings.ReplaceAll(fmt.Sprint(v), "\n", `\n`)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
