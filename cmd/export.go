package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/export"
	"github.com/sells-group/decp-sync/internal/pipeline"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the monthly exports from the current record store",
	Long:  "Writes one file per year-month bucket plus the full dataset, without running the pipeline. --bucket limits the output to the listed buckets.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		buckets, _ := cmd.Flags().GetStringSlice("bucket")
		year, _ := cmd.Flags().GetInt("year")
		if len(buckets) == 0 {
			buckets = pipeline.ExportBuckets(cfg.Pipeline.FirstBucket, time.Now(), year)
		}
		for _, b := range buckets {
			if _, err := time.Parse("2006-01", b); err != nil {
				return eris.Errorf("invalid bucket %q (want YYYY-MM)", b)
			}
		}

		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Export.Dir
		}

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.Close()

		paths, err := export.NewJSONExporter(b.store, dir).Export(ctx, buckets)
		if err != nil {
			return eris.Wrap(err, "export")
		}
		for _, p := range paths {
			fmt.Fprintln(os.Stdout, p)
		}
		zap.L().Info("export complete", zap.Int("files", len(paths)), zap.String("dir", dir))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringSlice("bucket", nil, "year-month buckets to export (default: every month since pipeline.first_bucket)")
	exportCmd.Flags().Int("year", 0, "export only the months of this year")
	exportCmd.Flags().String("dir", "", "output directory (default from config)")
	rootCmd.AddCommand(exportCmd)
}
