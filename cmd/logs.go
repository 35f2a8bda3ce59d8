package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/store"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect document processing history",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processing runs",
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
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		logs, err := st.ListLogs(ctx, store.LogFilter{
			UserID: userID,
			Status: model.LogStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "list logs")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tFILE\tSTATUS\tSTAGE\tCONFIDENCE\tCREATED")
		for _, l := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
				l.ID, l.UserID, l.FileName, l.Status, l.CurrentStage,
				l.Confidence.Overall, l.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var logsShowCmd = &cobra.Command{
	Use:   "show <log-id>",
	Short: "Show one processing run in full",
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

		l, err := st.GetLog(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get log")
		}
		if l == nil {
			return eris.Errorf("log not found: %s", args[0])
		}

		out, err := json.MarshalIndent(l, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal log")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	logsListCmd.Flags().String("user", "", "filter by user ID")
	logsListCmd.Flags().String("status", "", "filter by status")
	logsListCmd.Flags().Int("limit", 50, "maximum rows")

	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsShowCmd)
	rootCmd.AddCommand(logsCmd)
}
