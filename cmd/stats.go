package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/quipufin/quipu/internal/monitoring"
)

var statsLookback int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline health metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("query"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		snap, err := monitoring.NewCollector(st, nil, nil, nil).Collect(ctx, statsLookback)
		if err != nil {
			return eris.Wrap(err, "collect metrics")
		}

		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal metrics")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsLookback, "lookback", 24, "lookback window in hours")
	rootCmd.AddCommand(statsCmd)
}
