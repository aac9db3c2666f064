package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "kpiflow",
	Short: "Financial document KPI extraction pipeline",
	Long:  "Parses uploaded financial documents, embeds and ranks chunks per KPI, extracts structured values via Claude, and merges per-document findings into a single deduplicated output.",
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
