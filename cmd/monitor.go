package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/decp-sync/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Pipeline health checks",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate run health once and send any alerts",
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

		alerts := newChecker(b).Check(ctx)
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if alerts == nil {
				alerts = []monitoring.Alert{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(alerts)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatAlerts(alerts))
		return nil
	},
}

func newChecker(b *backends) *monitoring.Checker {
	m := cfg.Monitoring
	return monitoring.NewChecker(
		monitoring.NewCollector(b.runs, b.store, m.StaleAfterHours),
		monitoring.NewAlerter(m),
		m,
	)
}

func formatAlerts(alerts []monitoring.Alert) string {
	if len(alerts) == 0 {
		return "No alerts.\n"
	}
	var out string
	for _, a := range alerts {
		out += fmt.Sprintf("[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
	return out
}

func init() {
	monitorCheckCmd.Flags().Bool("json", false, "print alerts as JSON")
	monitorCmd.AddCommand(monitorCheckCmd)
	rootCmd.AddCommand(monitorCmd)
}
