// Package audit records reversible field changes on opportunities. Every
// engine mutation snapshots the opportunity once per batch, writes the new
// values and appends one audit record per changed field, all inside the
// caller's transaction.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// DefaultRetentionDays is how long backup snapshots are kept.
const DefaultRetentionDays = 120

// Config controls snapshot retention and write durability.
type Config struct {
	RetentionDays int  `yaml:"retention_days" mapstructure:"retention_days"`
	Strict        bool `yaml:"strict" mapstructure:"strict"`
}

// Change is one field assignment.
type Change struct {
	Field model.Field
	Value string
}

// Auditor snapshots, audits and rolls back engine changes.
type Auditor struct {
	store     store.Store
	retention time.Duration
	strict    bool
	now       func() time.Time
}

// New creates an Auditor. A zero RetentionDays uses DefaultRetentionDays.
func New(st store.Store, cfg Config) *Auditor {
	days := cfg.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return &Auditor{
		store:     st,
		retention: time.Duration(days) * 24 * time.Hour,
		strict:    cfg.Strict,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// write runs fn under the durability policy. Strict mode propagates its
// error. Lenient mode runs fn inside a savepoint so a failed write is undone
// alone and the transaction stays usable; only a broken savepoint propagates.
func (a *Auditor) write(ctx context.Context, tx store.Tx, msg string, fn func(ctx context.Context) error, fields ...zap.Field) error {
	if a.strict {
		return fn(ctx)
	}
	err := tx.Savepoint(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrSavepoint) {
		return err
	}
	zap.L().Warn(msg, append(fields, zap.Error(err))...)
	return nil
}

// Snapshot stores a full copy of opp for batchID unless one already exists.
func (a *Auditor) Snapshot(ctx context.Context, tx store.Tx, opp *model.Opportunity, batchID string) error {
	return a.write(ctx, tx, "audit: snapshot failed", func(ctx context.Context) error {
		return a.snapshot(ctx, tx, opp, batchID)
	}, zap.Int64("opportunity_id", opp.ID), zap.String("batch_id", batchID))
}

func (a *Auditor) snapshot(ctx context.Context, tx store.Tx, opp *model.Opportunity, batchID string) error {
	exists, err := tx.HasSnapshot(ctx, opp.ID, batchID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	data, err := json.Marshal(opp)
	if err != nil {
		return eris.Wrap(err, "audit: marshal snapshot")
	}
	now := a.now()
	return tx.InsertSnapshot(ctx, &model.Snapshot{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		BatchID:       batchID,
		Data:          data,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.retention),
	})
}

// LogChange appends an active audit record. oldValueAt is the effective
// time of the previous value and may be nil.
func (a *Auditor) LogChange(ctx context.Context, tx store.Tx, opportunityID int64, field model.Field,
	oldValue, newValue string, oldValueAt *time.Time, batchID, actor string,
) error {
	rec := &model.AuditRecord{
		OpportunityID: opportunityID,
		Field:         field,
		OldValue:      oldValue,
		NewValue:      newValue,
		OldValueAt:    oldValueAt,
		BatchID:       batchID,
		Actor:         actor,
		Status:        model.AuditActive,
		CreatedAt:     a.now(),
	}
	return a.write(ctx, tx, "audit: log change failed", func(ctx context.Context) error {
		return tx.InsertAudit(ctx, rec)
	}, zap.Int64("opportunity_id", opportunityID), zap.String("field", string(field)), zap.String("batch_id", batchID))
}

// Note records an annotation that carries no restorable value.
func (a *Auditor) Note(ctx context.Context, tx store.Tx, opp *model.Opportunity, note model.Field, text, batchID, actor string) error {
	return a.LogChange(ctx, tx, opp.ID, note, "", text, timePtr(opp.UpdatedAt), batchID, actor)
}

// Apply snapshots opp, assigns every change, persists opp and audits each
// field that actually changed. It returns the changed fields in order.
func (a *Auditor) Apply(ctx context.Context, tx store.Tx, opp *model.Opportunity, batchID, actor string, changes ...Change) ([]model.Field, error) {
	type diff struct {
		field    model.Field
		old, new string
	}
	var diffs []diff
	for _, c := range changes {
		cur, err := opp.Value(c.Field)
		if err != nil {
			return nil, err
		}
		if cur != c.Value {
			diffs = append(diffs, diff{field: c.Field, old: cur, new: c.Value})
		}
	}
	if len(diffs) == 0 {
		return nil, nil
	}

	if err := a.Snapshot(ctx, tx, opp, batchID); err != nil {
		return nil, err
	}

	prevUpdated := timePtr(opp.UpdatedAt)
	for i := range diffs {
		if err := opp.Set(diffs[i].field, diffs[i].new); err != nil {
			return nil, err
		}
		// Re-read so the audited value is the canonical rendering.
		if v, err := opp.Value(diffs[i].field); err == nil {
			diffs[i].new = v
		}
	}
	if actor == model.ActorEngine || actor == model.ActorReturn {
		now := a.now()
		opp.LastBatchID = batchID
		opp.LastEngineUpdate = &now
	}
	if err := tx.SaveOpportunity(ctx, opp); err != nil {
		return nil, err
	}

	fields := make([]model.Field, 0, len(diffs))
	for _, d := range diffs {
		if err := a.LogChange(ctx, tx, opp.ID, d.field, d.old, d.new, prevUpdated, batchID, actor); err != nil {
			return nil, err
		}
		fields = append(fields, d.field)
	}
	return fields, nil
}

// History lists the audit trail of an opportunity, newest first.
func (a *Auditor) History(ctx context.Context, opportunityID int64, field model.Field, limit int) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.AuditHistory(ctx, opportunityID, field, limit)
		return err
	})
	return out, err
}

// CleanupExpiredBackups deletes snapshots whose expiry has passed.
func (a *Auditor) CleanupExpiredBackups(ctx context.Context) (*model.CleanupResult, error) {
	res := &model.CleanupResult{At: a.now()}
	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res.Deleted, err = tx.DeleteExpiredSnapshots(ctx, res.At)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "audit: cleanup expired backups")
	}
	zap.L().Info("audit: expired backups removed", zap.Int64("deleted", res.Deleted))
	return res, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
