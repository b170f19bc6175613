package reconcile

import (
	"context"

	"github.com/sells-group/salesrecon/internal/model"
)

// resolveIdentity is level 1: find the customer's active opportunity or
// create one in Order carrying the sale.
func (e *Engine) resolveIdentity(ctx context.Context, r *record) error {
	opp, err := r.tx.FindActiveOpportunity(ctx, r.sale.TaxID)
	if err != nil {
		return err
	}
	if opp != nil {
		r.root = opp
		r.setTarget(opp, false)
		return nil
	}

	repID, err := r.tx.RepIDByName(ctx, r.sale.RepName)
	if err != nil {
		return err
	}
	opp = &model.Opportunity{
		TaxID:        r.sale.TaxID,
		CustomerName: r.sale.CustomerName,
		RepID:        repID,
		RepName:      r.sale.RepName,
		Sector:       r.sale.Sector,
		SubSector:    r.sale.SubSector,
		Families:     [model.MaxFamilies]string{r.sale.Family},
		Stage:        model.StageOrder,
		Volume:       r.sale.Volume,
		Potential:    r.sale.Volume,
		EngineOwned:  true,
		Type:         model.OppTypeNewCustomer,
		Source:       model.SourceIntegration,
		LastBatchID:  r.batchID,
		EnteredAt:    e.now(),
	}
	if err := e.create(ctx, r, opp); err != nil {
		return err
	}
	r.root = opp
	r.setTarget(opp, true)
	r.res.Created = true
	r.res.Note("new customer opportunity created in Order")
	return nil
}
