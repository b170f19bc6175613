package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List recent batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		var out []model.BatchStats
		err = svc.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			out, err = tx.ListBatchStats(ctx, limit)
			return err
		})
		if err != nil {
			return eris.Wrap(err, "batches")
		}

		if ok, err := render(os.Stdout, outputFormat, out); ok {
			return err
		}
		if len(out) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatBatches(os.Stdout, out)
		return nil
	},
}

var rollbackForce bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <batch-id>",
	Short: "Revert every active change made by a batch",
	Long: "Restores the audited values of a batch newest first. The rollback is refused when a later batch " +
		"changed the same fields, unless --force is given.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		res, err := svc.Auditor.RollbackBatch(ctx, args[0], rollbackForce)
		if err != nil {
			return err
		}
		if ok, err := render(os.Stdout, outputFormat, res); ok {
			return err
		}
		fmt.Fprintln(os.Stdout, res.Message)
		if !res.Success {
			return eris.Errorf("rollback of %s refused", args[0])
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge backup snapshots past the retention period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		res, err := svc.Auditor.CleanupExpiredBackups(ctx)
		if err != nil {
			return err
		}
		if ok, err := render(os.Stdout, outputFormat, res); ok {
			return err
		}
		fmt.Fprintf(os.Stdout, "Deleted %d expired snapshot(s)\n", res.Deleted)
		return nil
	},
}

func init() {
	batchesCmd.Flags().Int("limit", 50, "max number of batches to display")
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "roll back even when later batches touched the same fields")
	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(cleanupCmd)
}
