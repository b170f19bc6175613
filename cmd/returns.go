package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/salesrecon/internal/ingest"
	"github.com/sells-group/salesrecon/internal/model"
)

var (
	returnTaxID     string
	returnFamily    string
	returnVolume    string
	returnReason    string
	returnReference string
	returnBatchID   string
)

var returnCmd = &cobra.Command{
	Use:   "return",
	Short: "Process a sales return against the matching opportunity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		vol, err := ingest.ParseVolume(returnVolume)
		if err != nil {
			return err
		}
		rec := model.ReturnRecord{
			TaxID:     model.NormalizeTaxID(returnTaxID),
			Family:    returnFamily,
			Volume:    vol,
			Reason:    returnReason,
			Reference: returnReference,
			BatchID:   returnBatchID,
		}
		if err := ingest.Check(rec); err != nil {
			return err
		}

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		res, err := svc.Returns.Process(ctx, rec)
		if err != nil {
			return eris.Wrap(err, "return")
		}

		if ok, err := render(os.Stdout, outputFormat, res); ok {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Status)
		_, _ = fmt.Fprintf(w, "Batch:\t%s\n", res.BatchID)
		if res.OpportunityID != 0 {
			_, _ = fmt.Fprintf(w, "Opportunity:\t%d\n", res.OpportunityID)
			_, _ = fmt.Fprintf(w, "Volume:\t%s -> %s\n", res.OldVolume, res.NewVolume)
		}
		if res.NewStage != "" && res.NewStage != res.OldStage {
			_, _ = fmt.Fprintf(w, "Stage:\t%s -> %s\n", res.OldStage, res.NewStage)
		}
		for _, m := range res.Messages {
			_, _ = fmt.Fprintf(w, "\t%s\n", m)
		}
		_ = w.Flush()

		if res.Status != model.StatusSuccess {
			return eris.New("return was not applied")
		}
		return nil
	},
}

func init() {
	returnCmd.Flags().StringVar(&returnTaxID, "tax-id", "", "customer tax id (required)")
	returnCmd.Flags().StringVar(&returnFamily, "family", "", "product family (required)")
	returnCmd.Flags().StringVar(&returnVolume, "volume", "", "returned volume (required)")
	returnCmd.Flags().StringVar(&returnReason, "reason", "", "return reason")
	returnCmd.Flags().StringVar(&returnReference, "reference", "", "credit note or invoice reference")
	returnCmd.Flags().StringVar(&returnBatchID, "batch-id", "", "batch id (generated when empty)")
	_ = returnCmd.MarkFlagRequired("tax-id")
	_ = returnCmd.MarkFlagRequired("family")
	_ = returnCmd.MarkFlagRequired("volume")
	rootCmd.AddCommand(returnCmd)
}
