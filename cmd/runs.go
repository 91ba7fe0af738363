package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/decp-sync/internal/recordstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		runs, err := b.runs.ListAll(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		runs = filterRuns(runs, status)

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		runs, err := b.runs.ListAll(ctx, 0)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		run := findRun(runs, args[0])
		if run == nil {
			return eris.Errorf("runs show: no run matching %q", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func filterRuns(runs []recordstore.RunEntry, status string) []recordstore.RunEntry {
	if status == "" {
		return runs
	}
	var out []recordstore.RunEntry
	for _, r := range runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// findRun matches a full run id or the 8-character prefix the list shows.
func findRun(runs []recordstore.RunEntry, id string) *recordstore.RunEntry {
	var match *recordstore.RunEntry
	for i := range runs {
		switch {
		case runs[i].ID == id:
			return &runs[i]
		case len(id) >= 8 && len(runs[i].ID) > len(id) && runs[i].ID[:len(id)] == id:
			if match != nil {
				return nil
			}
			match = &runs[i]
		}
	}
	return match
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []recordstore.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tSTAGES\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		stages := "-"
		if r.Metadata != nil {
			stages = fmt.Sprintf("%v/%v/%v",
				metaValue(r.Metadata, "stages_done"),
				metaValue(r.Metadata, "stages_skipped"),
				metaValue(r.Metadata, "stages_failed"),
			)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			stages,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

func metaValue(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	return 0
}
