package reconcile

import (
	"context"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// reconcileStage is level 6. A tier upgrade over the newest tier recorded
// for the family on any of the customer's opportunities routes the sale to
// a new Up-Sell opportunity in any stage. Otherwise pipeline stages move to
// Order, Order stays, and Retention either keeps the line (SKU sold last
// year) or hands the sale to a New Product opportunity. Opportunities
// created for this sale already carry its volume and are skipped.
func (e *Engine) reconcileStage(ctx context.Context, r *record) error {
	if r.seeded {
		return nil
	}
	t := r.target

	prev, err := r.tx.LatestFamilyTier(ctx, r.sale.TaxID, r.sale.Family)
	if err != nil {
		return err
	}
	if r.sale.Tier.IsUpgradeFrom(prev) {
		child, err := e.derive(ctx, r, t, model.OppTypeUpSell, model.StageOrder, r.sale.Volume, r.sale.Volume)
		if err != nil {
			return err
		}
		r.reroute(child)
		r.res.UpSell = true
		r.res.Note("up-sell created: " + string(prev) + " to " + string(r.sale.Tier))
		return nil
	}

	switch {
	case t.Stage == model.StageRetention:
		sold, err := e.soldLastYear(ctx, r)
		if err != nil {
			return err
		}
		if sold {
			r.res.Note("retention stage maintained, previous year sales found")
			return e.addVolume(ctx, r, t, t.Stage)
		}
		child, err := e.derive(ctx, r, t, model.OppTypeNewProduct, model.StageOrder, r.sale.Volume, r.sale.Volume)
		if err != nil {
			return err
		}
		r.reroute(child)
		r.res.NewProduct = true
		r.res.Note("new product opportunity created from retention")
		return nil
	case t.Stage.IsPipeline():
		return e.addVolume(ctx, r, t, model.StageOrder)
	default:
		return e.addVolume(ctx, r, t, t.Stage)
	}
}

// soldLastYear checks the sale's SKU, or its family when no SKU is given.
func (e *Engine) soldLastYear(ctx context.Context, r *record) (bool, error) {
	from, to := previousYear(e.now())
	q := store.SalesQuery{TaxID: r.sale.TaxID, SKU: r.sale.SKU, From: from, To: to}
	if q.SKU == "" {
		q.Family = r.sale.Family
	}
	n, err := r.tx.CountSales(ctx, q)
	return n > 0, err
}

// addVolume adds the sale to t's volume, lifts potential to match and sets
// the stage.
func (e *Engine) addVolume(ctx context.Context, r *record, t *model.Opportunity, stage model.Stage) error {
	volume := t.Volume.Add(r.sale.Volume)
	changes := []audit.Change{
		{Field: model.FieldStage, Value: string(stage)},
		{Field: model.FieldVolume, Value: volume.String()},
	}
	if volume.GreaterThan(t.Potential) {
		changes = append(changes, audit.Change{Field: model.FieldPotential, Value: volume.String()})
	}

	fields, err := e.apply(ctx, r, t, changes...)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f {
		case model.FieldStage:
			r.res.StageChanged = true
			r.res.Note("stage updated to " + string(stage))
		case model.FieldPotential:
			r.res.Note("potential raised to " + volume.String())
		}
	}
	r.res.Note("volume updated to " + volume.String())
	return nil
}

// allocateSKU accumulates the sale on the receiving opportunity's SKU line.
// The movement is logged under the batch so rollback can take it back.
func (e *Engine) allocateSKU(ctx context.Context, r *record) error {
	if r.sale.SKU == "" {
		return nil
	}
	alloc, err := r.tx.GetSKUAllocation(ctx, r.target.ID, r.sale.SKU)
	if err != nil {
		return err
	}
	if alloc != nil {
		return r.tx.AddSKUVolume(ctx, alloc.ID, r.sale.Volume, r.sale.Tier, r.batchID)
	}
	return r.tx.CreateSKUAllocation(ctx, &model.SKUAllocation{
		OpportunityID: r.target.ID,
		SKU:           r.sale.SKU,
		Family:        r.sale.Family,
		Tier:          r.sale.Tier,
		RepID:         r.target.RepID,
		Volume:        r.sale.Volume,
	}, r.batchID)
}
