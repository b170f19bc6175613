// Package guard enforces the rules for changes made by people rather than by
// the reconciliation engine. Engine-owned opportunities keep their sales
// figures under engine control, and only a real sale may move an
// opportunity to Order.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// Decision is the outcome of a rule check. Warning is set for allowed
// changes that the engine may later overwrite.
type Decision struct {
	Allowed bool   `json:"allowed" yaml:"allowed"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Warning string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// systemOnly fields cannot be edited by hand on engine-owned opportunities.
var systemOnly = map[model.Field]bool{
	model.FieldVolume:    true,
	model.FieldPotential: true,
	model.FieldDeleted:   true,
}

// overwritten fields may be edited but the next sale can replace them.
var overwritten = map[model.Field]bool{
	model.FieldSector:    true,
	model.FieldSubSector: true,
	model.FieldRepName:   true,
	model.FieldStage:     true,
}

func isEngine(actor string) bool {
	return actor == model.ActorEngine || actor == model.ActorReturn
}

// CanDelete reports whether o may be deleted by hand.
func CanDelete(o *model.Opportunity) Decision {
	if o.EngineOwned {
		return deny("opportunity %d is managed by sales integration and cannot be deleted", o.ID)
	}
	return allow()
}

// CanSetStage reports whether actor may move o to stage.
func CanSetStage(o *model.Opportunity, stage model.Stage, actor string) Decision {
	if isEngine(actor) {
		return allow()
	}
	if stage == model.StageOrder {
		return deny("only sales integration can set stage %s; it is reserved for invoiced sales", model.StageOrder)
	}
	return CanUpdateField(o, model.FieldStage, actor)
}

// CanUpdateField reports whether actor may change field on o.
func CanUpdateField(o *model.Opportunity, field model.Field, actor string) Decision {
	if !field.Restorable() {
		return deny("%s is not an editable field", field)
	}
	if isEngine(actor) || !o.EngineOwned {
		return allow()
	}
	if systemOnly[field] {
		return deny("%s can only be updated by sales integration on managed opportunities", field)
	}
	if overwritten[field] {
		return Decision{Allowed: true, Warning: fmt.Sprintf("manual changes to %s may be overwritten by future sales", field)}
	}
	return allow()
}

// Service applies guarded manual changes through the audit trail.
type Service struct {
	store   store.Store
	auditor *audit.Auditor
	now     func() time.Time
}

// New creates a Service.
func New(st store.Store, a *audit.Auditor) *Service {
	return &Service{store: st, auditor: a, now: func() time.Time { return time.Now().UTC() }}
}

// BatchID is the audit batch of a manual edit, so it can be rolled back.
func BatchID(at time.Time, opportunityID int64) string {
	return fmt.Sprintf("MANUAL_%s_OPP%d", at.UTC().Format("20060102_150405"), opportunityID)
}

// Update applies changes as actor. Any denied field refuses the whole update
// with a wrapped model.ErrForbidden. Warnings of allowed fields are returned.
func (s *Service) Update(ctx context.Context, id int64, actor string, changes ...audit.Change) (*model.Opportunity, []string, error) {
	var opp *model.Opportunity
	var warnings []string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		opp, err = load(ctx, tx, id)
		if err != nil {
			return err
		}

		for _, c := range changes {
			var d Decision
			if c.Field == model.FieldStage {
				st, err := model.ParseStage(c.Value)
				if err != nil {
					return err
				}
				d = CanSetStage(opp, st, actor)
			} else {
				d = CanUpdateField(opp, c.Field, actor)
			}
			if !d.Allowed {
				return eris.Wrap(model.ErrForbidden, d.Reason)
			}
			if d.Warning != "" {
				warnings = append(warnings, d.Warning)
			}
		}

		_, err = s.auditor.Apply(ctx, tx, opp, BatchID(s.now(), id), actor, changes...)
		return err
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "guard: update opportunity %d", id)
	}

	zap.L().Info("guard: manual update applied",
		zap.Int64("opportunity_id", id), zap.String("actor", actor), zap.Int("changes", len(changes)))
	return opp, warnings, nil
}

// SetStage moves an opportunity to stage as actor.
func (s *Service) SetStage(ctx context.Context, id int64, stage, actor string) (*model.Opportunity, []string, error) {
	return s.Update(ctx, id, actor, audit.Change{Field: model.FieldStage, Value: stage})
}

// Delete soft-deletes an opportunity that is not engine-owned.
func (s *Service) Delete(ctx context.Context, id int64, actor string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		opp, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if d := CanDelete(opp); !d.Allowed {
			return eris.Wrap(model.ErrForbidden, d.Reason)
		}
		_, err = s.auditor.Apply(ctx, tx, opp, BatchID(s.now(), id), actor,
			audit.Change{Field: model.FieldDeleted, Value: "true"})
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "guard: delete opportunity %d", id)
	}
	zap.L().Info("guard: opportunity deleted", zap.Int64("opportunity_id", id), zap.String("actor", actor))
	return nil
}

func load(ctx context.Context, tx store.Tx, id int64) (*model.Opportunity, error) {
	opp, err := tx.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	if opp == nil || opp.Deleted {
		return nil, eris.Wrapf(model.ErrNotFound, "opportunity %d", id)
	}
	return opp, nil
}
