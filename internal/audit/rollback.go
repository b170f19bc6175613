package audit

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// RollbackBatch reverts every active change of batchID, newest first, in a
// single transaction. Any failure aborts the whole rollback. A batch whose
// fields were since changed by a later batch is refused unless force is set.
// Rolling back a created opportunity soft-deletes it. The batch's sales
// history rows and SKU allocation movements are taken back as well.
func (a *Auditor) RollbackBatch(ctx context.Context, batchID string, force bool) (*model.RollbackResult, error) {
	res := &model.RollbackResult{BatchID: batchID}
	log := zap.L().With(zap.String("batch_id", batchID))

	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		records, err := tx.ListActiveAudits(ctx, batchID)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			res.Success = true
			res.Message = "no active changes for batch " + batchID
			return nil
		}

		if !force {
			conflicts, err := tx.ConflictingAudits(ctx, batchID)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				res.Message = fmt.Sprintf("refused: %d later change(s) touch the same fields (first in batch %s); use force to override",
					len(conflicts), conflicts[0].BatchID)
				return nil
			}
		}

		touched := make(map[int64]*model.Opportunity)
		var order []int64
		for _, r := range records {
			opp, ok := touched[r.OpportunityID]
			if !ok {
				opp, err = tx.GetOpportunity(ctx, r.OpportunityID)
				if err != nil {
					return err
				}
				if opp == nil {
					return eris.Wrapf(model.ErrNotFound, "opportunity %d of audit %d", r.OpportunityID, r.ID)
				}
				touched[r.OpportunityID] = opp
				order = append(order, r.OpportunityID)
			}

			switch {
			case r.Field.Restorable():
				if err := opp.Set(r.Field, r.OldValue); err != nil {
					return eris.Wrapf(err, "audit: restore %s on %d", r.Field, r.OpportunityID)
				}
			case r.Field == model.NoteCreated:
				opp.Deleted = true
			}
			if err := tx.MarkAuditReverted(ctx, r.ID); err != nil {
				return err
			}
			res.Reverted++
		}

		for _, id := range order {
			if err := tx.SaveOpportunity(ctx, touched[id]); err != nil {
				return err
			}
		}

		if _, err := tx.DeleteBatchSales(ctx, batchID); err != nil {
			return err
		}
		if res.SKUMovements, err = tx.RevertSKUMovements(ctx, batchID); err != nil {
			return err
		}
		stats, err := tx.GetBatchStats(ctx, batchID)
		if err != nil {
			return err
		}
		if stats != nil {
			stats.Status = model.BatchRolledBack
			if err := tx.SaveBatchStats(ctx, stats); err != nil {
				return err
			}
		}

		res.Success = true
		res.Message = fmt.Sprintf("reverted %d change(s) on %d opportunit(ies)", res.Reverted, len(order))
		return nil
	})
	if err != nil {
		log.Error("audit: rollback aborted", zap.Error(err))
		return &model.RollbackResult{BatchID: batchID, Message: err.Error()}, eris.Wrapf(err, "audit: rollback %s", batchID)
	}

	log.Info("audit: rollback finished",
		zap.Bool("success", res.Success), zap.Int("reverted", res.Reverted),
		zap.Int64("sku_movements", res.SKUMovements), zap.String("message", res.Message))
	return res, nil
}
