package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the record store",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply record store schema migrations",
	Long:  "Applies all pending SQL migrations to the decp schema in lexicographic order.",
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

		if err := b.store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "store migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

var storeCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show canonical, retained and archived row counts",
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

		counts, err := b.store.Counts(ctx)
		if err != nil {
			return eris.Wrap(err, "store counts")
		}
		formatCounts(os.Stdout, counts)
		return nil
	},
}

var storeHistoryCmd = &cobra.Command{
	Use:   "history <category> <identity-key>",
	Short: "Show the canonical version of an identity and its archived versions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		cat, err := record.ParseCategory(args[0])
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		current, err := b.store.Current(ctx, cat, args[1])
		if err != nil {
			return eris.Wrap(err, "store history")
		}
		history, err := b.store.History(ctx, cat, args[1])
		if err != nil {
			return eris.Wrap(err, "store history")
		}
		if current == nil && len(history) == 0 {
			return eris.Errorf("no %s with identity %q", cat, args[1])
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"current": current, "history": history})
		}
		formatHistory(os.Stdout, current, history)
		return nil
	},
}

// formatCounts writes one line per category.
func formatCounts(out io.Writer, counts map[record.Category]recordstore.Counts) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCANONICAL\tRETAINED\tARCHIVED")
	_, _ = fmt.Fprintln(w, "--------\t---------\t--------\t--------")
	for _, cat := range record.Categories {
		c := counts[cat]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", cat, c.Canonical, c.Retained, c.Archived)
	}
	_ = w.Flush()
}

// formatHistory writes the canonical row first, then archived versions
// oldest first.
func formatHistory(out io.Writer, current *recordstore.CanonicalRow, history []recordstore.ArchivedVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tRECENCY\tCOMPLETENESS\tSOURCE\tBATCH\tSUPERSEDED")
	_, _ = fmt.Fprintln(w, "-----\t-------\t------------\t------\t-----\t----------")
	if current != nil {
		_, _ = fmt.Fprintf(w, "canonical\t%s\t%d\t%s\t%s\t-\n",
			current.Recency.Format("2006-01-02"),
			current.Completeness,
			current.Record.Lineage.Source,
			truncateID(current.BatchID),
		)
	}
	for _, v := range history {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			v.Reason,
			v.Recency.Format("2006-01-02"),
			v.Completeness,
			v.Record.Lineage.Source,
			truncateID(v.BatchID),
			v.SupersededAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	storeHistoryCmd.Flags().Bool("json", false, "print the full rows as JSON")

	storeCmd.AddCommand(storeMigrateCmd)
	storeCmd.AddCommand(storeCountsCmd)
	storeCmd.AddCommand(storeHistoryCmd)
	rootCmd.AddCommand(storeCmd)
}
