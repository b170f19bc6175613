// Package reconcile applies the six-level validation hierarchy to one sales
// record at a time: identity, rep, product family, sector, sub-sector and
// stage/volume, followed by discrepancy tracking. Every mutation goes through
// the audit package inside the caller's transaction.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// ExceptionSink receives entries that need human review.
type ExceptionSink interface {
	Enqueue(ctx context.Context, tx store.Tx, e *model.ExceptionEntry) error
}

// txSink writes exceptions straight to the store.
type txSink struct{}

func (txSink) Enqueue(ctx context.Context, tx store.Tx, e *model.ExceptionEntry) error {
	return tx.CreateException(ctx, e)
}

// Engine reconciles sales records against the opportunity store.
type Engine struct {
	auditor *audit.Auditor
	sink    ExceptionSink
	now     func() time.Time
}

// New creates an Engine. A nil sink writes exceptions directly through the
// transaction.
func New(a *audit.Auditor, sink ExceptionSink) *Engine {
	if sink == nil {
		sink = txSink{}
	}
	return &Engine{
		auditor: a,
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// record is the working state of one sale as it moves through the levels.
type record struct {
	tx      store.Tx
	sale    model.SalesRecord
	batchID string
	res     *model.Result

	// root is the customer's active opportunity; target receives the sale.
	root   *model.Opportunity
	target *model.Opportunity

	// seeded is set when target was created with the sale volume already
	// applied, so the volume update of level 6 must not add it again.
	seeded bool

	// measured is the opportunity the sale entered level 6 on and baseline
	// its pipeline expectation at that point.
	measured int64
	baseline decimal.Decimal
}

// setTarget routes the sale to o. Level 6 reroutes without moving the
// discrepancy baseline.
func (r *record) setTarget(o *model.Opportunity, seeded bool) {
	r.target = o
	r.seeded = seeded
	r.measured = o.ID
	r.baseline = pipelineVolume(o)
}

func (r *record) reroute(o *model.Opportunity) {
	r.target = o
	r.seeded = true
}

// Process reconciles one sale inside tx. A malformed tax id yields a FAILED
// result and leaves the store untouched. Returned errors are infrastructure
// failures and must abort the transaction.
func (e *Engine) Process(ctx context.Context, tx store.Tx, sale model.SalesRecord, batchID string) (*model.Result, error) {
	sale.TaxID = model.NormalizeTaxID(sale.TaxID)
	res := &model.Result{Status: model.StatusSuccess, TaxID: sale.TaxID}

	if !model.ValidTaxID(sale.TaxID) {
		return res.Failf("invalid tax id format: " + sale.TaxID), nil
	}
	if sale.Volume.IsNegative() {
		return res.Failf("sale volume must not be negative"), nil
	}
	if sale.Tier == "" {
		sale.Tier = model.TierBase
	}

	if err := tx.LockTaxID(ctx, sale.TaxID); err != nil {
		return nil, err
	}

	r := &record{tx: tx, sale: sale, batchID: batchID, res: res}
	steps := []struct {
		name string
		fn   func(context.Context, *record) error
	}{
		{"identity", e.resolveIdentity},
		{"rep", e.reconcileRep},
		{"family", e.reconcileFamily},
		{"attributes", e.overwriteAttributes},
		{"stage", e.reconcileStage},
		{"sku", e.allocateSKU},
		{"discrepancy", e.trackDiscrepancy},
		{"history", e.recordSale},
	}
	for _, s := range steps {
		if err := s.fn(ctx, r); err != nil {
			return nil, eris.Wrapf(err, "reconcile: %s level for %s", s.name, sale.TaxID)
		}
	}

	res.OpportunityID = r.root.ID
	if r.target.ID != r.root.ID {
		res.TargetOpportunityID = r.target.ID
	}

	zap.L().Debug("reconcile: record processed",
		zap.String("tax_id", sale.TaxID),
		zap.String("batch_id", batchID),
		zap.Int64("opportunity_id", r.root.ID),
		zap.Int64("target_id", r.target.ID),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

// derive creates a child opportunity of parent seeded with the sale volume
// and writes its created note.
func (e *Engine) derive(ctx context.Context, r *record, parent *model.Opportunity, typ model.OpportunityType,
	stage model.Stage, volume, potential decimal.Decimal,
) (*model.Opportunity, error) {
	parentID := parent.ID
	child := &model.Opportunity{
		TaxID:        r.sale.TaxID,
		CustomerName: parent.CustomerName,
		RepID:        parent.RepID,
		RepName:      parent.RepName,
		Sector:       r.sale.Sector,
		SubSector:    r.sale.SubSector,
		Families:     [model.MaxFamilies]string{r.sale.Family},
		Stage:        stage,
		Volume:       volume,
		Potential:    potential,
		EngineOwned:  true,
		Type:         typ,
		Source:       model.SourceIntegration,
		ParentID:     &parentID,
		LastBatchID:  r.batchID,
		EnteredAt:    parent.EnteredAt,
	}
	if err := e.create(ctx, r, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (e *Engine) create(ctx context.Context, r *record, o *model.Opportunity) error {
	now := e.now()
	o.LastEngineUpdate = &now
	if err := r.tx.CreateOpportunity(ctx, o); err != nil {
		return err
	}
	if err := e.auditor.Snapshot(ctx, r.tx, o, r.batchID); err != nil {
		return err
	}
	if err := e.auditor.Note(ctx, r.tx, o, model.NoteCreated, string(o.Type)+" from sale of "+r.sale.Family,
		r.batchID, model.ActorEngine); err != nil {
		return err
	}
	r.res.CreatedIDs = append(r.res.CreatedIDs, o.ID)
	return nil
}

func (e *Engine) apply(ctx context.Context, r *record, o *model.Opportunity, changes ...audit.Change) ([]model.Field, error) {
	return e.auditor.Apply(ctx, r.tx, o, r.batchID, model.ActorEngine, changes...)
}

// pipelineVolume is the expectation a sale is measured against: potential,
// or volume when no potential was ever set.
func pipelineVolume(o *model.Opportunity) decimal.Decimal {
	if o.Potential.IsPositive() {
		return o.Potential
	}
	return o.Volume
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// previousYear returns the calendar year before now as [from, to).
func previousYear(now time.Time) (time.Time, time.Time) {
	to := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	return to.AddDate(-1, 0, 0), to
}

func (e *Engine) recordSale(ctx context.Context, r *record) error {
	invoiceNo := r.sale.InvoiceNo
	if invoiceNo == "" {
		invoiceNo = r.batchID + "/" + uuid.NewString()
	}
	date := r.sale.InvoiceDate
	if date.IsZero() {
		date = e.now()
	}
	return r.tx.RecordSale(ctx, &model.SaleLine{
		TaxID:       r.sale.TaxID,
		Family:      r.sale.Family,
		SKU:         r.sale.SKU,
		Tier:        r.sale.Tier,
		Volume:      r.sale.Volume,
		InvoiceNo:   invoiceNo,
		InvoiceDate: date,
		BatchID:     r.batchID,
	})
}
