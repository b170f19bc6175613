package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/ingest"
	"github.com/sells-group/salesrecon/internal/model"
)

var historyEncoding string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage historical sales used for discrepancy checks",
}

var historyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk-load historical invoice lines",
	Long:  "Loads prior-period invoice lines from a CSV, XLSX or ftp:// source without running them through the engine.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rows, err := ingest.Load(ctx, args[0], ingestOptions(historyEncoding), ftpSource())
		if err != nil {
			return eris.Wrap(err, "history import: load")
		}
		batchID := model.NewBatchID("HISTORY", time.Now())
		parsed, err := ingest.ParseHistory(rows, batchID)
		if err != nil {
			return eris.Wrap(err, "history import: parse")
		}
		for _, rej := range parsed.Rejected {
			zap.L().Warn("history import: row rejected", zap.Int("row", rej.Row), zap.String("error", rej.Err))
		}

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		n, err := svc.Store.ImportSales(ctx, parsed.Lines)
		if err != nil {
			return eris.Wrap(err, "history import")
		}

		zap.L().Info("history import complete",
			zap.String("file", args[0]),
			zap.Int64("imported", n),
			zap.Int("rejected", len(parsed.Rejected)),
		)
		fmt.Fprintf(os.Stdout, "Imported %d line(s), %d rejected\n", n, len(parsed.Rejected))
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <opportunity-id>",
	Short: "Show the audit trail of an opportunity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(model.ErrValidation, "invalid opportunity id %q", args[0])
		}
		field, _ := cmd.Flags().GetString("field")
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		records, err := svc.Auditor.History(ctx, id, model.Field(field), limit)
		if err != nil {
			return err
		}
		if ok, err := render(os.Stdout, outputFormat, records); ok {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No audit records found.")
			return nil
		}
		formatAudit(os.Stdout, records)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	historyImportCmd.Flags().StringVar(&historyEncoding, "encoding", "", "file encoding (default from config)")
	historyCmd.AddCommand(historyImportCmd)

	auditCmd.Flags().String("field", "", "only show changes to this field")
	auditCmd.Flags().Int("limit", 100, "max number of records to display")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(migrateCmd)
}
