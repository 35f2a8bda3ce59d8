package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/export"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/store"
)

var txnCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Inspect and export confirmed transactions",
}

var txnListCmd = &cobra.Command{
	Use:   "list",
	Short: "List confirmed transactions",
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

		userID, _ := cmd.Flags().GetString("user")
		txType, _ := cmd.Flags().GetString("type")
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")

		txns, err := st.ListTransactions(ctx, store.TxnFilter{
			UserID:   userID,
			Type:     model.TransactionType(txType),
			Category: category,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "list transactions")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tTYPE\tCATEGORY\tAMOUNT\tMERCHANT\tCONFIDENCE\tID")
		for _, t := range txns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%.2f\t%s\n",
				t.Date.Format("2006-01-02"), t.Type, t.Category,
				t.Amount.String(), t.Currency, t.Merchant, t.ConfidenceScore, t.ID)
		}
		return w.Flush()
	},
}

var txnSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show per-category totals",
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

		userID, _ := cmd.Flags().GetString("user")
		from, to, err := parseWindow(cmd)
		if err != nil {
			return err
		}

		sums, err := st.SumByCategory(ctx, userID, from, to)
		if err != nil {
			return eris.Wrap(err, "sum by category")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tTYPE\tCOUNT\tTOTAL")
		for _, s := range sums {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Category, s.Type, s.Count, s.Total.String())
		}
		return w.Flush()
	},
}

var txnExportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Export transactions to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		userID, _ := cmd.Flags().GetString("user")
		from, to, err := parseWindow(cmd)
		if err != nil {
			return err
		}

		n, err := export.NewExporter(st).WriteFile(ctx, args[0], export.Options{
			UserID: userID,
			From:   from,
			To:     to,
		})
		if err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("file", args[0]),
			zap.Int("transactions", n),
		)
		return nil
	},
}

// parseWindow reads the shared --from/--to date flags (YYYY-MM-DD).
func parseWindow(cmd *cobra.Command) (from, to time.Time, err error) {
	if raw, _ := cmd.Flags().GetString("from"); raw != "" {
		from, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, eris.Wrapf(err, "invalid --from date %q", raw)
		}
	}
	if raw, _ := cmd.Flags().GetString("to"); raw != "" {
		to, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, eris.Wrapf(err, "invalid --to date %q", raw)
		}
	}
	return from, to, nil
}

func init() {
	txnListCmd.Flags().String("user", "", "filter by user ID")
	txnListCmd.Flags().String("type", "", "filter by type (INCOME or EXPENSE)")
	txnListCmd.Flags().String("category", "", "filter by category")
	txnListCmd.Flags().Int("limit", 50, "maximum rows")

	txnSummaryCmd.Flags().String("user", "", "filter by user ID")
	txnSummaryCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	txnSummaryCmd.Flags().String("to", "", "end date (YYYY-MM-DD, exclusive)")

	txnExportCmd.Flags().String("user", "", "filter by user ID")
	txnExportCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	txnExportCmd.Flags().String("to", "", "end date (YYYY-MM-DD, exclusive)")

	txnCmd.AddCommand(txnListCmd)
	txnCmd.AddCommand(txnSummaryCmd)
	txnCmd.AddCommand(txnExportCmd)
	rootCmd.AddCommand(txnCmd)
}
