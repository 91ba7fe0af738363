package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/enrich"
	"github.com/sells-group/decp-sync/internal/export"
	"github.com/sells-group/decp-sync/internal/pipeline"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline",
	Long:  "Runs every selected source through get, clean, convert and fix, then merges, resolves and stores the result and writes the monthly exports. Completed stages are skipped on the next run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		opts, err := runOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		catalog, err := source.LoadCatalog(cfg.Pipeline.SourcesFile)
		if err != nil {
			return err
		}
		codes, _ := cmd.Flags().GetStringSlice("source")
		defs, err := catalog.Select(codes)
		if err != nil {
			return err
		}

		b, err := openBackends(ctx, true)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "run: migrate record store")
		}

		f := newFetcher(cfg.Fetch)
		sources := make([]pipeline.Source, 0, len(defs))
		for _, def := range defs {
			sources = append(sources, source.New(def, f, b.store, cfg.Pipeline.WorkDir,
				source.WithAPIBase(cfg.Fetch.APIBase),
				source.WithRebuildYear(opts.RebuildYear),
			))
		}

		pipeOpts := []pipeline.Option{
			pipeline.WithRunLog(b.runs),
			pipeline.WithIngestMarker(b.store),
			pipeline.WithExporter(export.NewJSONExporter(b.store, cfg.Export.Dir)),
		}
		if cfg.Pipeline.Enrich {
			pipeOpts = append(pipeOpts, pipeline.WithEnricher(enrich.NewQualityEnricher(nil)))
		}
		if cfg.Export.PublishDir != "" {
			pipeOpts = append(pipeOpts, pipeline.WithPublisher(export.DirPublisher{Dir: cfg.Export.PublishDir}))
		}

		orch := pipeline.New(pipeline.Config{
			MaxConcurrentSources: cfg.Pipeline.MaxConcurrentSources,
			ResetOnSuccess:       cfg.Pipeline.ResetOnSuccess,
			FirstBucket:          cfg.Pipeline.FirstBucket,
		}, b.cp, b.store, sources, pipeOpts...)

		zap.L().Info("starting run",
			zap.Int("sources", len(sources)),
			zap.Bool("reset", opts.Reset),
			zap.Bool("local", opts.Local),
			zap.Int("rebuild_year", opts.RebuildYear),
			zap.Stringer("stop_after", opts.StopAfter),
		)

		rep, err := orch.Run(ctx, opts)
		if rep != nil {
			formatReport(os.Stdout, rep)
		}
		if err != nil {
			return eris.Wrap(err, "run")
		}
		if failures := rep.Failures(); len(failures) > 0 {
			return eris.Errorf("run: %d stage(s) failed: %s", len(failures), rep.FailureSummary())
		}
		return nil
	},
}

// runOptionsFromFlags reads the run flags.
func runOptionsFromFlags(cmd *cobra.Command) (pipeline.RunOptions, error) {
	var opts pipeline.RunOptions
	opts.Reset, _ = cmd.Flags().GetBool("reset")
	opts.Local, _ = cmd.Flags().GetBool("local")
	opts.RunID, _ = cmd.Flags().GetString("run-id")

	year, _ := cmd.Flags().GetInt("rebuild")
	if year != 0 && (year < 2000 || year > time.Now().Year()+1) {
		return opts, eris.Errorf("invalid --rebuild year %d", year)
	}
	opts.RebuildYear = year

	if v, _ := cmd.Flags().GetString("stage"); v != "" {
		stage, err := checkpoint.ParseStage(v)
		if err != nil {
			return opts, err
		}
		opts.StopAfter = stage
	}
	return opts, nil
}

// formatReport writes the stage results and counters of a run to out.
func formatReport(out io.Writer, rep *pipeline.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STREAM\tSTAGE\tRESULT\tELAPSED\tERROR")
	_, _ = fmt.Fprintln(w, "------\t-----\t------\t-------\t-----")
	for _, s := range rep.Stages {
		elapsed := "-"
		if s.Kind != pipeline.Skipped {
			elapsed = s.Elapsed.Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Stream, s.Stage, s.Kind, elapsed, truncate(s.Error, 60))
	}
	_ = w.Flush()

	done, skipped, failed := rep.Tally()
	_, _ = fmt.Fprintf(out, "\nRun %s: %d done, %d skipped, %d failed in %s (complete: %t)\n",
		truncateID(rep.RunID), done, skipped, failed, rep.Elapsed.Round(time.Second), rep.Complete)

	for _, cat := range sortedCategories(rep.Resolve) {
		st := rep.Resolve[cat]
		_, _ = fmt.Fprintf(out, "  resolve %s: %d in, %d kept, %d duplicates, %d incomplete\n",
			cat, st.Input, st.Surviving, st.Duplicates, st.Incomplete)
	}
	if g := rep.Global; g != nil {
		_, _ = fmt.Fprintf(out, "  store: %d promoted, %d not promoted, %d archived\n",
			g.Promoted, g.NotPromoted, g.Archived)
	}
	for _, cat := range record.Categories {
		c, ok := rep.Counts[cat]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(out, "  %s: %d canonical, %d retained, %d archived\n",
			cat, c.Canonical, c.Retained, c.Archived)
	}
}

func sortedCategories[V any](m map[record.Category]V) []record.Category {
	cats := make([]record.Category, 0, len(m))
	for c := range m {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("source", nil, "source codes to process (default: every enabled source)")
	cmd.Flags().String("stage", "", "stop once this stage completed (e.g. fix, duplicate, export)")
	cmd.Flags().Int("rebuild", 0, "reprocess every file of this year and export only its months")
	cmd.Flags().Bool("reset", false, "clear every checkpoint before running")
	cmd.Flags().Bool("local", false, "skip publication of the exports")
	cmd.Flags().String("run-id", "", "run identifier (default: random UUID)")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
