// Package returns reverses sold volume when goods come back. A return is
// booked against the customer's largest Order opportunity for the family.
package returns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// Processor applies returns.
type Processor struct {
	store   store.Store
	auditor *audit.Auditor
	now     func() time.Time
}

// New creates a Processor.
func New(st store.Store, a *audit.Auditor) *Processor {
	return &Processor{store: st, auditor: a, now: func() time.Time { return time.Now().UTC() }}
}

// Process books rec. Business refusals (bad input, no matching
// opportunity, return larger than the sold volume) come back as a FAILED
// result; only infrastructure failures return an error.
func (p *Processor) Process(ctx context.Context, rec model.ReturnRecord) (*model.ReturnResult, error) {
	rec.TaxID = model.NormalizeTaxID(rec.TaxID)
	rec.Family = strings.TrimSpace(rec.Family)
	if rec.BatchID == "" {
		rec.BatchID = model.NewBatchID(model.BatchPrefixReturn, p.now())
	}
	res := &model.ReturnResult{Status: model.StatusSuccess, ReturnVolume: rec.Volume, BatchID: rec.BatchID}
	fail := func(msg string) (*model.ReturnResult, error) {
		res.Status = model.StatusFailed
		res.Messages = append(res.Messages, msg)
		zap.L().Info("returns: refused", zap.String("tax_id", rec.TaxID), zap.String("reason", msg))
		return res, nil
	}

	switch {
	case !model.ValidTaxID(rec.TaxID):
		return fail("invalid tax id format: " + rec.TaxID)
	case rec.Family == "":
		return fail("product family is required")
	case !rec.Volume.IsPositive():
		return fail("return volume must be positive")
	}

	var refusal string
	err := p.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockTaxID(ctx, rec.TaxID); err != nil {
			return err
		}
		opp, err := tx.FindReturnCandidate(ctx, rec.TaxID, rec.Family)
		if err != nil {
			return err
		}
		if opp == nil {
			refusal = fmt.Sprintf("no %s opportunity for %s with family %s", model.StageOrder, rec.TaxID, rec.Family)
			return nil
		}
		res.OpportunityID = opp.ID
		res.OldVolume = opp.Volume
		res.OldStage = opp.Stage

		if rec.Volume.GreaterThan(opp.Volume) {
			refusal = eris.Wrapf(model.ErrReturnExceedsVolume, "return %s exceeds sold volume %s",
				rec.Volume, opp.Volume).Error()
			return nil
		}

		newVolume := opp.Volume.Sub(rec.Volume)
		stage := model.StageOrder
		if newVolume.IsZero() {
			stage = model.StageSuspect
		}
		potential := decimal.Max(opp.Potential, newVolume)

		if _, err := p.auditor.Apply(ctx, tx, opp, rec.BatchID, model.ActorReturn,
			audit.Change{Field: model.FieldVolume, Value: newVolume.String()},
			audit.Change{Field: model.FieldPotential, Value: potential.String()},
			audit.Change{Field: model.FieldStage, Value: string(stage)},
		); err != nil {
			return err
		}
		if err := p.auditor.Note(ctx, tx, opp, model.NoteSalesReturn, noteText(rec), rec.BatchID, model.ActorReturn); err != nil {
			return err
		}

		res.NewVolume = newVolume
		res.NewStage = stage
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "returns: process %s", rec.TaxID)
	}
	if refusal != "" {
		return fail(refusal)
	}

	res.Messages = append(res.Messages, fmt.Sprintf("volume %s -> %s", res.OldVolume, res.NewVolume))
	if res.NewStage != res.OldStage {
		res.Messages = append(res.Messages, fmt.Sprintf("stage %s -> %s", res.OldStage, res.NewStage))
	}
	zap.L().Info("returns: applied",
		zap.String("tax_id", rec.TaxID),
		zap.Int64("opportunity_id", res.OpportunityID),
		zap.String("batch_id", rec.BatchID),
		zap.String("volume", rec.Volume.String()),
	)
	return res, nil
}

func noteText(rec model.ReturnRecord) string {
	parts := []string{"volume " + rec.Volume.String()}
	if rec.Reason != "" {
		parts = append(parts, "reason: "+rec.Reason)
	}
	if rec.Reference != "" {
		parts = append(parts, "reference: "+rec.Reference)
	}
	return strings.Join(parts, "; ")
}

// History lists the returns booked against an opportunity, newest first.
func (p *Processor) History(ctx context.Context, opportunityID int64, limit int) ([]model.AuditRecord, error) {
	recs, err := p.auditor.History(ctx, opportunityID, model.NoteSalesReturn, limit)
	return recs, eris.Wrapf(err, "returns: history %d", opportunityID)
}
