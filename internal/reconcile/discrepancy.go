package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/model"
)

// Significance thresholds for recording a discrepancy.
var (
	discrepancyPctThreshold    = decimal.NewFromInt(5)
	discrepancyVolumeThreshold = decimal.NewFromInt(100)
	hundred                    = decimal.NewFromInt(100)
)

// Measure compares a sale against the pipeline volume it landed on.
// Percentage is zero when there was no pipeline volume.
func Measure(pipeline, sold decimal.Decimal) (variance, pct decimal.Decimal, class model.Classification) {
	variance = sold.Sub(pipeline)
	pct = decimal.Zero
	if pipeline.IsPositive() {
		pct = variance.Div(pipeline).Mul(hundred).Round(2)
	}
	switch variance.Sign() {
	case 1:
		class = model.OverSale
	case -1:
		class = model.UnderSale
	default:
		class = model.Match
	}
	return variance, pct, class
}

// Significant reports whether a discrepancy is worth recording.
func Significant(variance, pct decimal.Decimal) bool {
	return pct.Abs().GreaterThan(discrepancyPctThreshold) || variance.Abs().GreaterThan(discrepancyVolumeThreshold)
}

// trackDiscrepancy records how far the sale strayed from the expectation
// of the opportunity it was measured on. It never changes an opportunity.
func (e *Engine) trackDiscrepancy(ctx context.Context, r *record) error {
	variance, pct, class := Measure(r.baseline, r.sale.Volume)
	if !Significant(variance, pct) {
		return nil
	}
	d := &model.Discrepancy{
		OpportunityID:  r.measured,
		TaxID:          r.sale.TaxID,
		Family:         r.sale.Family,
		SKU:            r.sale.SKU,
		PipelineVolume: r.baseline,
		SoldVolume:     r.sale.Volume,
		Variance:       variance,
		VariancePct:    pct,
		Classification: class,
		BatchID:        r.batchID,
	}
	if err := r.tx.InsertDiscrepancy(ctx, d); err != nil {
		return err
	}
	r.res.Discrepancy = d
	zap.L().Debug("reconcile: discrepancy recorded",
		zap.String("tax_id", d.TaxID),
		zap.String("classification", string(d.Classification)),
		zap.String("variance", d.Variance.String()),
	)
	return nil
}
