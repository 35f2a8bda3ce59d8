package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "quipu",
	Short: "Document-to-transaction pipeline for personal finances",
	Long: "Ingests receipts, invoices, and statements from Telegram, FTP, and HTTP uploads,\n" +
		"extracts transactions via OCR, vision, and LLM verification, and records what\n" +
		"the user confirms.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c
		return config.InitLogger(cfg.Log)
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
