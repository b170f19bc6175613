package returns

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

const taxID = "27ABCDE1234F1Z5"

func setup(t *testing.T, opps ...*model.Opportunity) (*Processor, store.Store, *audit.Auditor) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "returns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, o := range opps {
			if err := tx.CreateOpportunity(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))
	a := audit.New(st, audit.Config{Strict: true})
	return New(st, a), st, a
}

func order(volume, potential int64, families ...string) *model.Opportunity {
	o := &model.Opportunity{
		TaxID:       taxID,
		RepName:     "Asha",
		Stage:       model.StageOrder,
		Volume:      decimal.NewFromInt(volume),
		Potential:   decimal.NewFromInt(potential),
		EngineOwned: true,
	}
	copy(o.Families[:], families)
	return o
}

func get(t *testing.T, st store.Store, id int64) *model.Opportunity {
	t.Helper()
	var o *model.Opportunity
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOpportunity(ctx, id)
		return err
	}))
	require.NotNil(t, o)
	return o
}

func ret(family string, volume int64) model.ReturnRecord {
	return model.ReturnRecord{
		TaxID:     taxID,
		Family:    family,
		Volume:    decimal.NewFromInt(volume),
		Reason:    "damaged",
		Reference: "CN-77",
		BatchID:   "R1",
	}
}

func TestProcess_FullReturnMovesToSuspect(t *testing.T) {
	opp := order(800, 800, "A")
	p, st, _ := setup(t, opp)

	res, err := p.Process(context.Background(), ret("A", 800))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, opp.ID, res.OpportunityID)
	assert.Equal(t, "0", res.NewVolume.String())
	assert.Equal(t, model.StageSuspect, res.NewStage)

	got := get(t, st, opp.ID)
	assert.Equal(t, model.StageSuspect, got.Stage)
	assert.True(t, got.Volume.IsZero())
	assert.Equal(t, "800", got.Potential.String())

	hist, err := p.History(context.Background(), opp.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.ActorReturn, hist[0].Actor)
	assert.Contains(t, hist[0].NewValue, "damaged")
	assert.Contains(t, hist[0].NewValue, "CN-77")
}

func TestProcess_PartialReturnStaysOrder(t *testing.T) {
	opp := order(500, 300, "A", "B")
	p, st, _ := setup(t, opp)

	res, err := p.Process(context.Background(), ret("b", 200))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)

	got := get(t, st, opp.ID)
	assert.Equal(t, model.StageOrder, got.Stage)
	assert.Equal(t, "300", got.Volume.String())
	assert.Equal(t, "300", got.Potential.String())
}

func TestProcess_PicksLargestOrderOpportunity(t *testing.T) {
	small := order(100, 100, "A")
	big := order(900, 900, "A")
	p, _, _ := setup(t, small)
	require.NoError(t, p.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		big.ParentID = &small.ID
		return tx.CreateOpportunity(ctx, big)
	}))

	res, err := p.Process(context.Background(), ret("A", 50))
	require.NoError(t, err)
	assert.Equal(t, big.ID, res.OpportunityID)
}

func TestProcess_Refusals(t *testing.T) {
	prospect := order(500, 500, "A")
	prospect.Stage = model.StageProspect
	p, st, _ := setup(t, prospect)

	tests := []struct {
		name string
		rec  model.ReturnRecord
	}{
		{"bad tax id", model.ReturnRecord{TaxID: "XX", Family: "A", Volume: decimal.NewFromInt(1)}},
		{"no family", model.ReturnRecord{TaxID: taxID, Volume: decimal.NewFromInt(1)}},
		{"zero volume", model.ReturnRecord{TaxID: taxID, Family: "A"}},
		{"not in order", ret("A", 10)},
		{"unknown family", ret("Z", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Process(context.Background(), tt.rec)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, res.Status)
			assert.NotEmpty(t, res.Messages)
		})
	}
	assert.Equal(t, "500", get(t, st, prospect.ID).Volume.String())
}

func TestProcess_ExceedsVolume(t *testing.T) {
	opp := order(100, 100, "A")
	p, st, _ := setup(t, opp)

	res, err := p.Process(context.Background(), ret("A", 150))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Contains(t, res.Messages[0], "exceeds")
	assert.Equal(t, "100", get(t, st, opp.ID).Volume.String())
}

func TestProcess_GeneratesBatchAndRollsBack(t *testing.T) {
	opp := order(400, 400, "A")
	p, st, a := setup(t, opp)

	rec := ret("A", 400)
	rec.BatchID = ""
	res, err := p.Process(context.Background(), rec)
	require.NoError(t, err)
	assert.Regexp(t, `^RETURN_\d{8}_\d{6}_`, res.BatchID)

	rb, err := a.RollbackBatch(context.Background(), res.BatchID, false)
	require.NoError(t, err)
	assert.True(t, rb.Success)

	got := get(t, st, opp.ID)
	assert.Equal(t, model.StageOrder, got.Stage)
	assert.Equal(t, "400", got.Volume.String())
}
