package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/salesrecon/internal/model"
)

// reconcileRep is level 2. A differing rep moves the customer's open
// engagements to the selling rep and queues an exception; the opportunity's
// rep is left for a human to decide.
func (e *Engine) reconcileRep(ctx context.Context, r *record) error {
	current := strings.TrimSpace(r.root.RepName)
	proposed := strings.TrimSpace(r.sale.RepName)
	if proposed == "" || strings.EqualFold(current, proposed) {
		return nil
	}

	n, err := r.tx.ReassignEngagements(ctx, r.sale.TaxID, proposed,
		" [Rep changed by integration: "+proposed+"]")
	if err != nil {
		return err
	}

	entry := &model.ExceptionEntry{
		TaxID:           r.sale.TaxID,
		OpportunityID:   r.root.ID,
		Level:           2,
		Type:            model.ExceptionRepMismatch,
		SalesData:       mustJSON(r.sale),
		OpportunityData: mustJSON(r.root),
		CurrentRep:      current,
		ProposedRep:     proposed,
		ActionRequired: fmt.Sprintf("Choose rep: keep opportunity rep (%s) or assign to sales rep (%s)",
			current, proposed),
		Priority: model.PriorityMedium,
		Status:   model.ExceptionPending,
		BatchID:  r.batchID,
	}
	if err := e.sink.Enqueue(ctx, r.tx, entry); err != nil {
		return err
	}

	r.res.RepMismatch = true
	r.res.ExceptionID = entry.ID
	r.res.EngagementsReassigned = n
	r.res.Note(fmt.Sprintf("rep mismatch: %s vs %s, %d engagement(s) reassigned", current, proposed, n))
	return nil
}
