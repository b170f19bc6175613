package reconcile

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// reconcileFamily is level 3. A family the opportunity does not carry is
// either a retained line (sold last year) or a cross-sell. A family shared
// with others is split out into its own opportunity.
func (e *Engine) reconcileFamily(ctx context.Context, r *record) error {
	if !r.root.HasFamily(r.sale.Family) {
		return e.unlistedFamily(ctx, r)
	}
	if len(r.root.FamilyList()) > 1 {
		return e.split(ctx, r)
	}
	return nil
}

func (e *Engine) unlistedFamily(ctx context.Context, r *record) error {
	from, to := previousYear(e.now())
	n, err := r.tx.CountSales(ctx, store.SalesQuery{
		TaxID:  r.sale.TaxID,
		Family: r.sale.Family,
		From:   from,
		To:     to,
	})
	if err != nil {
		return err
	}

	if n > 0 {
		if err := e.auditor.Snapshot(ctx, r.tx, r.root, r.batchID); err != nil {
			return err
		}
		if err := e.auditor.Note(ctx, r.tx, r.root, model.NoteRetention,
			"previous year sales found for "+r.sale.Family, r.batchID, model.ActorEngine); err != nil {
			return err
		}
		r.res.Note("retained line: " + r.sale.Family + " sold last year, no cross-sell")
		return nil
	}

	child, err := e.derive(ctx, r, r.root, model.OppTypeCrossSell, model.StageOrder, r.sale.Volume, r.sale.Volume)
	if err != nil {
		return err
	}
	r.setTarget(child, true)
	r.res.CrossSell = true
	r.res.Note("cross-sell opportunity created for " + r.sale.Family)
	return nil
}

// split moves the sold family into a Product Split opportunity whose
// potential is the sale volume. The original gives up the family and the
// same amount of potential, floored at zero.
func (e *Engine) split(ctx context.Context, r *record) error {
	child, err := e.derive(ctx, r, r.root, model.OppTypeProductSplit, r.root.Stage, decimal.Zero, r.sale.Volume)
	if err != nil {
		return err
	}

	remaining := *r.root
	remaining.RemoveFamily(r.sale.Family)
	families, err := remaining.Value(model.FieldFamilies)
	if err != nil {
		return err
	}
	potential := decimal.Max(decimal.Zero, r.root.Potential.Sub(r.sale.Volume))

	if _, err := e.apply(ctx, r, r.root,
		audit.Change{Field: model.FieldFamilies, Value: families},
		audit.Change{Field: model.FieldPotential, Value: potential.String()},
	); err != nil {
		return err
	}
	if err := e.auditor.Note(ctx, r.tx, r.root, model.NoteSplit,
		"split "+r.sale.Family+" into opportunity "+strconv.FormatInt(child.ID, 10), r.batchID, model.ActorEngine); err != nil {
		return err
	}

	r.setTarget(child, false)
	r.res.Split = true
	r.res.Note("split " + r.sale.Family + " into its own opportunity")
	return nil
}
