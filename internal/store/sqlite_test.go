package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func inTx(t *testing.T, st Store, fn func(ctx context.Context, tx Tx)) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func newOpp(taxID string) *model.Opportunity {
	return &model.Opportunity{
		TaxID:        taxID,
		CustomerName: "Acme Tyres",
		RepID:        "R1",
		RepName:      "Asha",
		Sector:       "Fleet",
		Families:     [model.MaxFamilies]string{"A", "B"},
		Stage:        model.StageProspect,
		Volume:       decimal.Zero,
		Potential:    decimal.NewFromInt(200),
	}
}

func TestSQLite_OpportunityRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		o := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, o))
		require.NotZero(t, o.ID)

		got, err := tx.FindActiveOpportunity(ctx, "27ABCDE1234F1Z5")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, [model.MaxFamilies]string{"A", "B", ""}, got.Families)
		assert.True(t, decimal.NewFromInt(200).Equal(got.Potential))
		assert.Nil(t, got.ParentID)

		got.Volume = decimal.RequireFromString("512.25")
		got.Stage = model.StageOrder
		now := time.Now().UTC()
		got.LastEngineUpdate = &now
		require.NoError(t, tx.SaveOpportunity(ctx, got))

		again, err := tx.GetOpportunity(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StageOrder, again.Stage)
		assert.Equal(t, "512.25", again.Volume.String())
		require.NotNil(t, again.LastEngineUpdate)

		missing, err := tx.GetOpportunity(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, missing)

		err = tx.SaveOpportunity(ctx, &model.Opportunity{ID: 9999, Stage: model.StageOrder})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestSQLite_ChildOpportunitiesShareTaxID(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		root := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, root))

		child := newOpp("27ABCDE1234F1Z5")
		child.ParentID = &root.ID
		child.Families = [model.MaxFamilies]string{"C"}
		child.Stage = model.StageOrder
		child.Volume = decimal.NewFromInt(900)
		require.NoError(t, tx.CreateOpportunity(ctx, child))

		got, err := tx.FindActiveOpportunity(ctx, "27ABCDE1234F1Z5")
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)

		cand, err := tx.FindReturnCandidate(ctx, "27ABCDE1234F1Z5", "c")
		require.NoError(t, err)
		require.NotNil(t, cand)
		assert.Equal(t, child.ID, cand.ID)
		require.NotNil(t, cand.ParentID)
		assert.Equal(t, root.ID, *cand.ParentID)
	})

	err := st.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateOpportunity(ctx, newOpp("27ABCDE1234F1Z5"))
	})
	assert.Error(t, err, "second active root for the same tax id")
}

func TestSQLite_ReturnCandidateOrdersByVolume(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		small := newOpp("27ABCDE1234F1Z5")
		small.Stage = model.StageOrder
		small.Volume = decimal.NewFromInt(90)
		require.NoError(t, tx.CreateOpportunity(ctx, small))

		big := newOpp("27ABCDE1234F1Z5")
		big.ParentID = &small.ID
		big.Stage = model.StageOrder
		big.Volume = decimal.NewFromInt(800)
		require.NoError(t, tx.CreateOpportunity(ctx, big))

		cand, err := tx.FindReturnCandidate(ctx, "27ABCDE1234F1Z5", "A")
		require.NoError(t, err)
		assert.Equal(t, big.ID, cand.ID)

		none, err := tx.FindReturnCandidate(ctx, "27ABCDE1234F1Z5", "Z")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestSQLite_SKUAllocations(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		o := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, o))

		a := &model.SKUAllocation{OpportunityID: o.ID, SKU: "SKU-1", Family: "A", Tier: model.TierBase, Volume: decimal.NewFromInt(100)}
		require.NoError(t, tx.CreateSKUAllocation(ctx, a, "B1"))
		require.NoError(t, tx.AddSKUVolume(ctx, a.ID, decimal.RequireFromString("50.5"), model.TierPremium, "B1"))

		got, err := tx.GetSKUAllocation(ctx, o.ID, "SKU-1")
		require.NoError(t, err)
		assert.Equal(t, "150.5", got.Volume.String())
		assert.Equal(t, model.TierPremium, got.Tier)

		tier, err := tx.LatestFamilyTier(ctx, "27ABCDE1234F1Z5", "a")
		require.NoError(t, err)
		assert.Equal(t, model.TierPremium, tier)

		tier, err = tx.LatestFamilyTier(ctx, "27ABCDE1234F1Z5", "B")
		require.NoError(t, err)
		assert.Empty(t, tier)

		assert.ErrorIs(t, tx.AddSKUVolume(ctx, 404, decimal.NewFromInt(1), "", "B1"), model.ErrNotFound)
	})
}

func TestSQLite_LatestFamilyTierSpansChildOpportunities(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		root := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, root))
		child := newOpp("27ABCDE1234F1Z5")
		child.ParentID = &root.ID
		require.NoError(t, tx.CreateOpportunity(ctx, child))
		other := newOpp("29PQRSX5678K2Z9")
		require.NoError(t, tx.CreateOpportunity(ctx, other))

		require.NoError(t, tx.CreateSKUAllocation(ctx, &model.SKUAllocation{
			OpportunityID: root.ID, SKU: "A-BASE", Family: "A", Tier: model.TierBase, Volume: decimal.NewFromInt(10),
		}, "B1"))
		require.NoError(t, tx.CreateSKUAllocation(ctx, &model.SKUAllocation{
			OpportunityID: child.ID, SKU: "A-PREM", Family: "A", Tier: model.TierPremium, Volume: decimal.NewFromInt(5),
		}, "B2"))
		require.NoError(t, tx.CreateSKUAllocation(ctx, &model.SKUAllocation{
			OpportunityID: other.ID, SKU: "A-BASE", Family: "A", Tier: model.TierBase, Volume: decimal.NewFromInt(1),
		}, "B3"))

		tier, err := tx.LatestFamilyTier(ctx, "27ABCDE1234F1Z5", "A")
		require.NoError(t, err)
		assert.Equal(t, model.TierPremium, tier)
	})
}

func TestSQLite_RevertSKUMovements(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		o := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, o))

		base := &model.SKUAllocation{OpportunityID: o.ID, SKU: "SKU-1", Family: "A", Tier: model.TierBase, Volume: decimal.NewFromInt(100)}
		require.NoError(t, tx.CreateSKUAllocation(ctx, base, "B1"))
		require.NoError(t, tx.AddSKUVolume(ctx, base.ID, decimal.NewFromInt(40), model.TierPremium, "B2"))
		fresh := &model.SKUAllocation{OpportunityID: o.ID, SKU: "SKU-2", Family: "A", Tier: model.TierPremium, Volume: decimal.NewFromInt(7)}
		require.NoError(t, tx.CreateSKUAllocation(ctx, fresh, "B2"))
		require.NoError(t, tx.AddSKUVolume(ctx, fresh.ID, decimal.NewFromInt(3), "", "B2"))

		n, err := tx.RevertSKUMovements(ctx, "B2")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := tx.GetSKUAllocation(ctx, o.ID, "SKU-1")
		require.NoError(t, err)
		assert.Equal(t, "100", got.Volume.String())
		assert.Equal(t, model.TierBase, got.Tier)

		gone, err := tx.GetSKUAllocation(ctx, o.ID, "SKU-2")
		require.NoError(t, err)
		assert.Nil(t, gone)

		tier, err := tx.LatestFamilyTier(ctx, "27ABCDE1234F1Z5", "A")
		require.NoError(t, err)
		assert.Equal(t, model.TierBase, tier)

		n, err = tx.RevertSKUMovements(ctx, "B2")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSQLite_RevertSKUMovementsKeepsLaterTier(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		o := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, o))

		a := &model.SKUAllocation{OpportunityID: o.ID, SKU: "SKU-1", Family: "A", Tier: model.TierBase, Volume: decimal.NewFromInt(10)}
		require.NoError(t, tx.CreateSKUAllocation(ctx, a, "B1"))
		require.NoError(t, tx.AddSKUVolume(ctx, a.ID, decimal.NewFromInt(20), model.TierPremium, "B2"))
		require.NoError(t, tx.AddSKUVolume(ctx, a.ID, decimal.NewFromInt(30), model.TierPremium, "B3"))

		// B1 created the line but B2 and B3 still hold volume on it.
		_, err := tx.RevertSKUMovements(ctx, "B1")
		require.NoError(t, err)

		got, err := tx.GetSKUAllocation(ctx, o.ID, "SKU-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "50", got.Volume.String())
		assert.Equal(t, model.TierPremium, got.Tier)
	})
}

func TestSQLite_Savepoint(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		o := newOpp("27ABCDE1234F1Z5")
		require.NoError(t, tx.CreateOpportunity(ctx, o))

		err := tx.Savepoint(ctx, func(ctx context.Context) error {
			o.Sector = "Mining"
			require.NoError(t, tx.SaveOpportunity(ctx, o))
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		got, err := tx.GetOpportunity(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "Fleet", got.Sector)

		require.NoError(t, tx.Savepoint(ctx, func(ctx context.Context) error {
			got.Sector = "Ports"
			return tx.SaveOpportunity(ctx, got)
		}))
		got, err = tx.GetOpportunity(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ports", got.Sector)
	})
}

func TestSQLite_SalesHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	lastYear := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	n, err := st.ImportSales(ctx, []model.SaleLine{
		{TaxID: "27ABCDE1234F1Z5", Family: "A", SKU: "S1", Volume: decimal.NewFromInt(10), InvoiceNo: "INV-1", InvoiceDate: lastYear},
		{TaxID: "27ABCDE1234F1Z5", Family: "B", SKU: "S2", Volume: decimal.NewFromInt(10), InvoiceNo: "INV-2", InvoiceDate: lastYear},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		q := SalesQuery{
			TaxID:  "27ABCDE1234F1Z5",
			Family: "a",
			From:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			To:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		c, err := tx.CountSales(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 1, c)

		q.Family = ""
		c, err = tx.CountSales(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 2, c)

		q.SKU = "S2"
		c, err = tx.CountSales(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 1, c)

		q.From = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		q.To = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
		c, err = tx.CountSales(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, c)

		require.NoError(t, tx.RecordSale(ctx, &model.SaleLine{
			TaxID: "27ABCDE1234F1Z5", Family: "A", SKU: "S1", Volume: decimal.NewFromInt(5),
			InvoiceNo: "INV-1", InvoiceDate: lastYear,
		}), "duplicate invoice lines are ignored")
	})
}

func TestSQLite_Engagements(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		for _, e := range []*model.Engagement{
			{TaxID: "27ABCDE1234F1Z5", RepName: "Asha", Active: true, Remarks: "visit"},
			{TaxID: "27ABCDE1234F1Z5", RepName: "Asha", Active: true, Completed: true},
			{TaxID: "27ABCDE1234F1Z5", RepName: "Asha", Active: false},
			{TaxID: "29AAACB2894G1ZJ", RepName: "Asha", Active: true},
		} {
			require.NoError(t, tx.CreateEngagement(ctx, e))
		}

		n, err := tx.ReassignEngagements(ctx, "27ABCDE1234F1Z5", "Vik", " [moved]")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		list, err := tx.ListEngagements(ctx, "27ABCDE1234F1Z5")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "Vik", list[0].RepName)
		assert.Equal(t, "visit [moved]", list[0].Remarks)
		assert.Equal(t, "Asha", list[1].RepName)
		assert.Equal(t, "Asha", list[2].RepName)
	})
}

func TestSQLite_Exceptions(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		e := &model.ExceptionEntry{
			TaxID: "27ABCDE1234F1Z5", OpportunityID: 1, Level: 2, Type: model.ExceptionRepMismatch,
			SalesData: json.RawMessage(`{"rep_name":"Vik"}`), OpportunityData: json.RawMessage(`{"rep_name":"Asha"}`),
			CurrentRep: "Asha", ProposedRep: "Vik", Priority: model.PriorityMedium,
		}
		require.NoError(t, tx.CreateException(ctx, e))
		assert.Equal(t, model.ExceptionPending, e.Status)

		list, err := tx.ListExceptions(ctx, ExceptionFilter{Status: model.ExceptionPending})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.JSONEq(t, `{"rep_name":"Vik"}`, string(list[0].SalesData))

		require.NoError(t, tx.ResolveException(ctx, e.ID, model.ResolutionKeep, "ops", time.Now()))
		assert.ErrorIs(t, tx.ResolveException(ctx, e.ID, model.ResolutionKeep, "ops", time.Now()), model.ErrNotFound)

		got, err := tx.GetException(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ExceptionCompleted, got.Status)
		assert.Equal(t, model.ResolutionKeep, got.Resolution)
		require.NotNil(t, got.ResolvedAt)

		list, err = tx.ListExceptions(ctx, ExceptionFilter{Status: model.ExceptionPending})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestSQLite_AuditTrail(t *testing.T) {
	st := newTestSQLiteStore(t)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		insert := func(batch string, f model.Field) *model.AuditRecord {
			r := &model.AuditRecord{OpportunityID: 1, Field: f, OldValue: "a", NewValue: "b", BatchID: batch, Actor: model.ActorEngine}
			require.NoError(t, tx.InsertAudit(ctx, r))
			return r
		}
		first := insert("B1", model.FieldVolume)
		insert("B1", model.FieldStage)
		insert("B2", model.FieldSector)

		list, err := tx.ListActiveAudits(ctx, "B1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Greater(t, list[0].ID, list[1].ID, "newest first")

		conflicts, err := tx.ConflictingAudits(ctx, "B1")
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		later := insert("B2", model.FieldVolume)
		conflicts, err = tx.ConflictingAudits(ctx, "B1")
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, later.ID, conflicts[0].ID)

		require.NoError(t, tx.MarkAuditReverted(ctx, first.ID))
		assert.ErrorIs(t, tx.MarkAuditReverted(ctx, first.ID), model.ErrNotFound)

		hist, err := tx.AuditHistory(ctx, 1, model.FieldVolume, 10)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, model.AuditReverted, hist[1].Status)

		all, err := tx.AuditHistory(ctx, 1, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestSQLite_Snapshots(t *testing.T) {
	st := newTestSQLiteStore(t)
	now := time.Now().UTC()

	inTx(t, st, func(ctx context.Context, tx Tx) {
		ok, err := tx.HasSnapshot(ctx, 1, "B1")
		require.NoError(t, err)
		assert.False(t, ok)

		snap := &model.Snapshot{ID: "s1", OpportunityID: 1, BatchID: "B1", Data: json.RawMessage(`{}`), CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}
		require.NoError(t, tx.InsertSnapshot(ctx, snap))
		snap.ID = "s2"
		require.NoError(t, tx.InsertSnapshot(ctx, snap), "duplicate is ignored")
		require.NoError(t, tx.InsertSnapshot(ctx, &model.Snapshot{ID: "s3", OpportunityID: 2, BatchID: "B1", Data: json.RawMessage(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

		ok, err = tx.HasSnapshot(ctx, 1, "B1")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := tx.DeleteExpiredSnapshots(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestSQLite_DiscrepanciesAndBatchStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	started := time.Now().UTC().Add(-time.Minute)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		d := &model.Discrepancy{
			OpportunityID: 1, TaxID: "27ABCDE1234F1Z5", Family: "A",
			PipelineVolume: decimal.NewFromInt(200), SoldVolume: decimal.NewFromInt(500),
			Variance: decimal.NewFromInt(300), VariancePct: decimal.NewFromInt(150),
			Classification: model.OverSale, BatchID: "B1",
		}
		require.NoError(t, tx.InsertDiscrepancy(ctx, d))

		list, err := tx.ListDiscrepancies(ctx, "B1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "150", list[0].VariancePct.String())
		assert.Equal(t, model.OverSale, list[0].Classification)

		stats := &model.BatchStats{BatchID: "B1", Total: 3, Status: model.BatchProcessing, StartedAt: started}
		require.NoError(t, tx.SaveBatchStats(ctx, stats))
		done := time.Now().UTC()
		stats.Succeeded, stats.Failed, stats.Status, stats.FinishedAt = 2, 1, model.BatchCompleted, &done
		require.NoError(t, tx.SaveBatchStats(ctx, stats))

		got, err := tx.GetBatchStats(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Succeeded)
		assert.Equal(t, model.BatchCompleted, got.Status)
		require.NotNil(t, got.FinishedAt)

		all, err := tx.ListBatchStats(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		none, err := tx.GetBatchStats(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.CreateOpportunity(ctx, newOpp("27ABCDE1234F1Z5")))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	inTx(t, st, func(ctx context.Context, tx Tx) {
		got, err := tx.FindActiveOpportunity(ctx, "27ABCDE1234F1Z5")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
	assert.NoError(t, st.Ping(ctx))
}
