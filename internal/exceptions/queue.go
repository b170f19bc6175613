// Package exceptions holds the review queue for conflicts the engine will not
// decide on its own, such as a sale booked by a different rep than the one
// who owns the opportunity.
package exceptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// Mirror publishes queued entries to an outside task system.
type Mirror interface {
	Publish(ctx context.Context, entries []model.ExceptionEntry) error
	Close(ctx context.Context, e *model.ExceptionEntry) error
}

// Queue stores exception entries and applies their resolutions.
type Queue struct {
	store   store.Store
	auditor *audit.Auditor
	mirror  Mirror
	now     func() time.Time
}

// New creates a Queue. mirror may be nil.
func New(st store.Store, a *audit.Auditor, mirror Mirror) *Queue {
	return &Queue{
		store:   st,
		auditor: a,
		mirror:  mirror,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists e inside the caller's transaction.
func (q *Queue) Enqueue(ctx context.Context, tx store.Tx, e *model.ExceptionEntry) error {
	if e.Status == "" {
		e.Status = model.ExceptionPending
	}
	if e.Priority == "" {
		e.Priority = model.PriorityMedium
	}
	if err := tx.CreateException(ctx, e); err != nil {
		return err
	}
	zap.L().Info("exceptions: queued",
		zap.Int64("exception_id", e.ID),
		zap.String("tax_id", e.TaxID),
		zap.String("type", string(e.Type)),
		zap.String("batch_id", e.BatchID),
	)
	return nil
}

// List returns entries matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter store.ExceptionFilter) ([]model.ExceptionEntry, error) {
	var out []model.ExceptionEntry
	err := q.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListExceptions(ctx, filter)
		return err
	})
	return out, eris.Wrap(err, "exceptions: list")
}

// Get returns one entry or a wrapped model.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*model.ExceptionEntry, error) {
	var e *model.ExceptionEntry
	err := q.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		e, err = tx.GetException(ctx, id)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "exceptions: get %d", id)
	}
	if e == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "exceptions: entry %d", id)
	}
	return e, nil
}

// Resolve closes a pending entry. For a rep mismatch, keep leaves the
// opportunity alone and adopt assigns the proposed rep through an audited
// manual change.
func (q *Queue) Resolve(ctx context.Context, id int64, resolution, resolvedBy string) (*model.ExceptionEntry, error) {
	resolution = strings.ToLower(strings.TrimSpace(resolution))
	if resolution != model.ResolutionKeep && resolution != model.ResolutionAdopt {
		return nil, eris.Wrapf(model.ErrValidation, "exceptions: unknown resolution %q", resolution)
	}
	if strings.TrimSpace(resolvedBy) == "" {
		resolvedBy = model.ActorManual
	}

	var entry *model.ExceptionEntry
	err := q.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = tx.GetException(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return eris.Wrapf(model.ErrNotFound, "entry %d", id)
		}
		if entry.Status != model.ExceptionPending {
			return eris.Wrapf(model.ErrValidation, "entry %d already %s", id, entry.Status)
		}

		if resolution == model.ResolutionAdopt {
			if err := q.adopt(ctx, tx, entry, resolvedBy); err != nil {
				return err
			}
		}

		at := q.now()
		if err := tx.ResolveException(ctx, id, resolution, resolvedBy, at); err != nil {
			return err
		}
		entry.Status = model.ExceptionCompleted
		entry.Resolution = resolution
		entry.ResolvedBy = resolvedBy
		entry.ResolvedAt = &at
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "exceptions: resolve %d", id)
	}

	zap.L().Info("exceptions: resolved",
		zap.Int64("exception_id", id),
		zap.String("resolution", resolution),
		zap.String("resolved_by", resolvedBy),
	)
	if q.mirror != nil {
		if err := q.mirror.Close(ctx, entry); err != nil {
			zap.L().Warn("exceptions: mirror close failed", zap.Int64("exception_id", id), zap.Error(err))
		}
	}
	return entry, nil
}

func (q *Queue) adopt(ctx context.Context, tx store.Tx, entry *model.ExceptionEntry, resolvedBy string) error {
	if entry.Type != model.ExceptionRepMismatch {
		return eris.Wrapf(model.ErrValidation, "adopt is not valid for %s", entry.Type)
	}
	opp, err := tx.GetOpportunity(ctx, entry.OpportunityID)
	if err != nil {
		return err
	}
	if opp == nil || opp.Deleted {
		return eris.Wrapf(model.ErrNotFound, "opportunity %d", entry.OpportunityID)
	}
	repID, err := tx.RepIDByName(ctx, entry.ProposedRep)
	if err != nil {
		return err
	}

	changes := []audit.Change{{Field: model.FieldRepName, Value: entry.ProposedRep}}
	if repID != "" {
		changes = append(changes, audit.Change{Field: model.FieldRepID, Value: repID})
	}
	_, err = q.auditor.Apply(ctx, tx, opp, ManualBatchID(q.now(), entry.ID), resolvedBy, changes...)
	return err
}

// Publish mirrors the given pending entries. It runs after the transaction
// that created them has committed.
func (q *Queue) Publish(ctx context.Context, ids []int64) error {
	if q.mirror == nil || len(ids) == 0 {
		return nil
	}
	entries := make([]model.ExceptionEntry, 0, len(ids))
	err := q.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range ids {
			e, err := tx.GetException(ctx, id)
			if err != nil {
				return err
			}
			if e != nil && e.Status == model.ExceptionPending {
				entries = append(entries, *e)
			}
		}
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "exceptions: load for publish")
	}
	if len(entries) == 0 {
		return nil
	}
	return eris.Wrap(q.mirror.Publish(ctx, entries), "exceptions: publish")
}

// ManualBatchID identifies the audit batch of a manual resolution so it can
// be rolled back like any engine batch.
func ManualBatchID(at time.Time, exceptionID int64) string {
	return fmt.Sprintf("MANUAL_%s_%d", at.UTC().Format("20060102_150405"), exceptionID)
}
