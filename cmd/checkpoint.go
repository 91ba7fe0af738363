package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear stage checkpoints",
}

var checkpointStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last completed stage of every stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cp, err := openCheckpoints(cmd)
		if err != nil {
			return err
		}
		defer cp.Close()

		status, err := cp.cp.Status(ctx)
		if err != nil {
			return eris.Wrap(err, "checkpoint status")
		}
		if len(status) == 0 {
			zap.L().Info("no checkpoints recorded")
			return nil
		}
		formatCheckpoints(os.Stdout, status)
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear checkpoints so the next run starts over",
	Long:  "Clears one stream with --stream, otherwise every stream. Clearing the ALL stream makes the next run redo the global stages from the source artifacts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cp, err := openCheckpoints(cmd)
		if err != nil {
			return err
		}
		defer cp.Close()

		stream, _ := cmd.Flags().GetString("stream")
		if stream != "" {
			if err := cp.cp.ResetStream(ctx, checkpoint.Stream(stream)); err != nil {
				return eris.Wrap(err, "checkpoint reset")
			}
			zap.L().Info("checkpoint stream cleared", zap.String("stream", stream))
			return nil
		}
		if err := cp.cp.Reset(ctx); err != nil {
			return eris.Wrap(err, "checkpoint reset")
		}
		zap.L().Info("all checkpoints cleared")
		return nil
	},
}

func openCheckpoints(cmd *cobra.Command) (*backends, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}
	return openBackends(cmd.Context(), true)
}

// formatCheckpoints writes one line per stream, ALL last.
func formatCheckpoints(out io.Writer, status map[checkpoint.Stream]checkpoint.Stage) {
	streams := make([]checkpoint.Stream, 0, len(status))
	for s := range status {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool {
		if (streams[i] == checkpoint.All) != (streams[j] == checkpoint.All) {
			return streams[j] == checkpoint.All
		}
		return streams[i] < streams[j]
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STREAM\tSTAGE\tRANK")
	_, _ = fmt.Fprintln(w, "------\t-----\t----")
	for _, s := range streams {
		stage := status[s]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s, stage, int(stage))
	}
	_ = w.Flush()
}

func init() {
	checkpointResetCmd.Flags().String("stream", "", "clear only this stream (a source code or ALL)")

	checkpointCmd.AddCommand(checkpointStatusCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
	rootCmd.AddCommand(checkpointCmd)
}
