package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/ingest"
	"github.com/sells-group/salesrecon/internal/model"
)

var (
	reconcileFile     string
	reconcileFTP      string
	reconcileBatchID  string
	reconcileEncoding string
	reconcileDryRun   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile a sales file against the pipeline",
	Long: "Reads a CSV or XLSX sales export from a local path or an ftp:// URL and runs every valid row " +
		"through the validation hierarchy as one batch. Rows that fail field validation are reported and skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		src := reconcileFile
		if reconcileFTP != "" {
			src = reconcileFTP
		}
		if src == "" {
			return eris.New("one of --file or --ftp is required")
		}

		svc, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		return runReconcile(cmd.Context(), os.Stdout, svc, src)
	},
}

func runReconcile(ctx context.Context, out io.Writer, svc *services, src string) error {
	rows, err := ingest.Load(ctx, src, ingestOptions(reconcileEncoding), ftpSource())
	if err != nil {
		return eris.Wrap(err, "reconcile: load")
	}
	parsed, err := ingest.ParseSales(rows)
	if err != nil {
		return eris.Wrap(err, "reconcile: parse")
	}
	for _, rej := range parsed.Rejected {
		zap.L().Warn("reconcile: row rejected", zap.Int("row", rej.Row), zap.String("error", rej.Err))
	}
	if len(parsed.Records) == 0 {
		return eris.Wrapf(model.ErrValidation, "reconcile: no valid rows in %s (%d rejected)", src, len(parsed.Rejected))
	}

	report, err := svc.runner(reconcileDryRun).RunFrom(ctx, src, parsed.Records, reconcileBatchID)
	if err != nil {
		return eris.Wrap(err, "reconcile")
	}

	if ok, err := render(out, outputFormat, report); ok {
		return err
	}
	formatReport(out, report)
	if n := len(parsed.Rejected); n > 0 {
		_, _ = fmt.Fprintf(out, "\n%d row(s) rejected before processing\n", n)
	}
	if reconcileDryRun {
		_, _ = fmt.Fprintln(out, "\ndry run: no changes were committed")
	}
	return nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFile, "file", "", "path to a CSV or XLSX sales file")
	reconcileCmd.Flags().StringVar(&reconcileFTP, "ftp", "", "ftp:// URL of a sales file")
	reconcileCmd.Flags().StringVar(&reconcileBatchID, "batch-id", "", "batch id (generated when empty)")
	reconcileCmd.Flags().StringVar(&reconcileEncoding, "encoding", "", "file encoding, e.g. windows-1252 (default from config)")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "process and report without committing")
	reconcileCmd.MarkFlagsMutuallyExclusive("file", "ftp")
	rootCmd.AddCommand(reconcileCmd)
}
