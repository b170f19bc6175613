package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/salesrecon/internal/model"
)

// render writes v as json or yaml. It returns false for the table format so
// the caller can print its own table.
func render(out io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so json tags and raw payloads carry over.
		raw, err := json.Marshal(v)
		if err != nil {
			return true, eris.Wrap(err, "render yaml")
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return true, eris.Wrap(err, "render yaml")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return true, eris.Wrap(err, "render yaml")
		}
		return true, enc.Close()
	case "", "table":
		return false, nil
	default:
		return true, eris.Errorf("unknown output format %q", format)
	}
}

func formatReport(out io.Writer, r *model.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Batch:\t%s\n", r.BatchID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Records:\t%d (%d succeeded, %d failed)\n", r.Total, r.Succeeded, r.Failed)
	_, _ = fmt.Fprintf(w, "New opportunities:\t%d\n", r.NewOpportunities)
	_, _ = fmt.Fprintf(w, "Updated opportunities:\t%d\n", r.UpdatedOpportunities)
	_, _ = fmt.Fprintf(w, "Exceptions:\t%d\n", r.Exceptions)
	_, _ = fmt.Fprintf(w, "Cross-sells / up-sells / splits:\t%d / %d / %d\n", r.CrossSells, r.UpSells, r.Splits)
	_, _ = fmt.Fprintf(w, "New products:\t%d\n", r.NewProducts)
	_, _ = fmt.Fprintf(w, "Discrepancies:\t%d\n", r.Discrepancies)
	_ = w.Flush()

	var failed []model.Result
	for _, res := range r.Results {
		if res.Status == model.StatusFailed {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TAX_ID\tERROR")
	for _, res := range failed {
		msg := ""
		if len(res.Messages) > 0 {
			msg = res.Messages[len(res.Messages)-1]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", res.TaxID, msg)
	}
	_ = w.Flush()
}

func formatBatches(out io.Writer, batches []model.BatchStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tSOURCE\tSTATUS\tTOTAL\tFAILED\tNEW\tEXCEPTIONS\tSTARTED\tDURATION")
	for _, b := range batches {
		dur := ""
		if b.FinishedAt != nil {
			dur = b.FinishedAt.Sub(b.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			b.BatchID, b.Source, b.Status, b.Total, b.Failed, b.NewOpportunities, b.Exceptions,
			b.StartedAt.Format("2006-01-02 15:04"), dur)
	}
	_ = w.Flush()
}

func formatExceptions(out io.Writer, entries []model.ExceptionEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTAX_ID\tOPPORTUNITY\tCURRENT_REP\tPROPOSED_REP\tPRIORITY\tSTATUS\tBATCH")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.TaxID, e.OpportunityID, e.CurrentRep, e.ProposedRep, e.Priority, e.Status, e.BatchID)
	}
	_ = w.Flush()
}

func formatAudit(out io.Writer, records []model.AuditRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFIELD\tOLD\tNEW\tACTOR\tBATCH\tSTATUS\tAT")
	for _, a := range records {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Field, truncate(a.OldValue, 24), truncate(a.NewValue, 24), a.Actor, a.BatchID, a.Status,
			a.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
