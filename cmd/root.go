package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "decp-sync",
	Short: "Consolidates public procurement disclosures (DECP)",
	Long:  "Downloads DECP contract and concession files from every configured source, resolves duplicate publications, keeps one canonical version per identity with its history, and exports monthly files.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
