package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.Store) *model.Opportunity {
	t.Helper()
	o := &model.Opportunity{
		TaxID:     "27ABCDE1234F1Z5",
		RepName:   "Asha",
		Sector:    "Fleet",
		Families:  [model.MaxFamilies]string{"A", "B", "C"},
		Stage:     model.StageProspect,
		Volume:    decimal.Zero,
		Potential: decimal.NewFromInt(200),
	}
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateOpportunity(ctx, o)
	}))
	return o
}

func load(t *testing.T, st store.Store, id int64) *model.Opportunity {
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

func apply(t *testing.T, st store.Store, a *Auditor, id int64, batch string, changes ...Change) []model.Field {
	t.Helper()
	var fields []model.Field
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		opp, err := tx.GetOpportunity(ctx, id)
		if err != nil {
			return err
		}
		fields, err = a.Apply(ctx, tx, opp, batch, model.ActorEngine, changes...)
		return err
	}))
	return fields
}

func TestApply_AuditsOnlyChangedFields(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)

	fields := apply(t, st, a, o.ID, "B1",
		Change{model.FieldStage, string(model.StageOrder)},
		Change{model.FieldVolume, "500"},
		Change{model.FieldSector, "Fleet"},
	)
	assert.Equal(t, []model.Field{model.FieldStage, model.FieldVolume}, fields)

	got := load(t, st, o.ID)
	assert.Equal(t, model.StageOrder, got.Stage)
	assert.Equal(t, "B1", got.LastBatchID)
	require.NotNil(t, got.LastEngineUpdate)

	hist, err := a.History(context.Background(), o.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.FieldVolume, hist[0].Field)
	assert.Equal(t, "0", hist[0].OldValue)
	assert.Equal(t, "500", hist[0].NewValue)
	assert.NotNil(t, hist[0].OldValueAt)

	assert.Nil(t, apply(t, st, a, o.ID, "B1", Change{model.FieldStage, string(model.StageOrder)}))
}

func TestApply_SnapshotOncePerBatch(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)

	apply(t, st, a, o.ID, "B1", Change{model.FieldSector, "Retail"})
	apply(t, st, a, o.ID, "B1", Change{model.FieldSubSector, "Urban"})

	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.HasSnapshot(ctx, o.ID, "B1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.HasSnapshot(ctx, o.ID, "B2")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestRollbackBatch_RestoresAndIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)
	before := load(t, st, o.ID)

	apply(t, st, a, o.ID, "B1",
		Change{model.FieldStage, string(model.StageOrder)},
		Change{model.FieldVolume, "500"},
		Change{model.FieldPotential, "500"},
		Change{model.FieldFamilies, `["A","C"]`},
	)
	apply(t, st, a, o.ID, "B1", Change{model.FieldVolume, "650"})

	res, err := a.RollbackBatch(context.Background(), "B1", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.Reverted)

	after := load(t, st, o.ID)
	assert.Equal(t, before.Stage, after.Stage)
	assert.True(t, before.Volume.Equal(after.Volume))
	assert.True(t, before.Potential.Equal(after.Potential))
	assert.Equal(t, before.Families, after.Families)

	res, err = a.RollbackBatch(context.Background(), "B1", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Reverted)
}

func TestRollbackBatch_RefusesOutOfOrder(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)

	apply(t, st, a, o.ID, "B1", Change{model.FieldVolume, "100"})
	apply(t, st, a, o.ID, "B2", Change{model.FieldVolume, "250"})

	res, err := a.RollbackBatch(context.Background(), "B1", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.Reverted)
	assert.Contains(t, res.Message, "B2")
	assert.Equal(t, "250", load(t, st, o.ID).Volume.String())

	res, err = a.RollbackBatch(context.Background(), "B1", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Reverted)
	assert.Equal(t, "0", load(t, st, o.ID).Volume.String())
}

func TestRollbackBatch_CreatedIsSoftDeleted(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)

	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return a.Note(ctx, tx, o, model.NoteCreated, "created from sale", "B1", model.ActorEngine)
	}))

	res, err := a.RollbackBatch(context.Background(), "B1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reverted)
	assert.True(t, load(t, st, o.ID).Deleted)
}

func TestRollbackBatch_MarksBatchStats(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true})
	o := seed(t, st)

	apply(t, st, a, o.ID, "B1", Change{model.FieldSector, "Retail"})
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SaveBatchStats(ctx, &model.BatchStats{BatchID: "B1", Status: model.BatchCompleted, StartedAt: time.Now()})
	}))

	_, err := a.RollbackBatch(context.Background(), "B1", false)
	require.NoError(t, err)

	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		stats, err := tx.GetBatchStats(ctx, "B1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchRolledBack, stats.Status)
		return nil
	}))
}

func TestCleanupExpiredBackups(t *testing.T) {
	st := newTestStore(t)
	a := New(st, Config{Strict: true, RetentionDays: 1})
	o := seed(t, st)

	a.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	apply(t, st, a, o.ID, "OLD", Change{model.FieldSector, "Retail"})
	a.now = func() time.Time { return time.Now().UTC() }
	apply(t, st, a, o.ID, "NEW", Change{model.FieldSector, "Mining"})

	res, err := a.CleanupExpiredBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)

	res, err = a.CleanupExpiredBackups(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

type failingAuditTx struct {
	store.Tx
}

func (failingAuditTx) InsertAudit(context.Context, *model.AuditRecord) error {
	return assert.AnError
}

func TestLogChange_DurabilityPolicy(t *testing.T) {
	st := newTestStore(t)
	o := seed(t, st)

	for _, tc := range []struct {
		name   string
		strict bool
	}{{"strict", true}, {"lenient", false}} {
		t.Run(tc.name, func(t *testing.T) {
			a := New(st, Config{Strict: tc.strict})
			err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				return a.LogChange(ctx, failingAuditTx{tx}, o.ID, model.FieldSector, "a", "b", nil, "B1", model.ActorEngine)
			})
			if tc.strict {
				assert.ErrorIs(t, err, assert.AnError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_DefaultRetention(t *testing.T) {
	a := New(nil, Config{})
	assert.Equal(t, DefaultRetentionDays*24*time.Hour, a.retention)
}
