package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

var exceptionsCmd = &cobra.Command{
	Use:   "exceptions",
	Short: "Review rep-mismatch exceptions",
}

var exceptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued exceptions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		taxID, _ := cmd.Flags().GetString("tax-id")
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		entries, err := svc.Exceptions.List(ctx, store.ExceptionFilter{
			Status: model.ExceptionStatus(status),
			TaxID:  model.NormalizeTaxID(taxID),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "exceptions list")
		}

		if ok, err := render(os.Stdout, outputFormat, entries); ok {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No exceptions found.")
			return nil
		}
		formatExceptions(os.Stdout, entries)
		return nil
	},
}

var exceptionsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <keep|adopt>",
	Short: "Resolve an exception by keeping the current rep or adopting the proposed one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(model.ErrValidation, "invalid exception id %q", args[0])
		}
		by, _ := cmd.Flags().GetString("by")
		if by == model.ActorEngine || by == model.ActorReturn {
			return eris.Wrapf(model.ErrValidation, "actor %q is reserved", by)
		}

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		entry, err := svc.Exceptions.Resolve(ctx, id, args[1], by)
		if err != nil {
			return err
		}
		if ok, err := render(os.Stdout, outputFormat, entry); ok {
			return err
		}
		fmt.Fprintf(os.Stdout, "Exception %d %s (%s by %s)\n", entry.ID, entry.Status, entry.Resolution, entry.ResolvedBy)
		return nil
	},
}

func init() {
	exceptionsListCmd.Flags().String("status", "", "filter by status (pending, completed)")
	exceptionsListCmd.Flags().String("tax-id", "", "filter by customer tax id")
	exceptionsListCmd.Flags().Int("limit", 100, "max number of exceptions to display")
	exceptionsResolveCmd.Flags().String("by", model.ActorManual, "who resolved the exception")

	exceptionsCmd.AddCommand(exceptionsListCmd)
	exceptionsCmd.AddCommand(exceptionsResolveCmd)
	rootCmd.AddCommand(exceptionsCmd)
}
