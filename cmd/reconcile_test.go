package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

const salesCSV = `Invoice Date,DSR Name,Customer Name,Sector,SKU Code,Volume (L),Registration No,Product Family
2025-01-14,Asha,Acme Tyres,Fleet,A-1L,"1,250",27abcde1234f1z5,Engine Oil
2025-01-14,Ravi,Beta Motors,Retail,B-5L,40,29ABCDE1234F1Z5,Grease
2025-01-14,Ravi,Gamma,Retail,B-5L,12,not-a-tax-id,Grease
`

func writeSalesFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(salesCSV), 0o644))
	return path
}

func resetReconcileFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		reconcileBatchID, reconcileDryRun, reconcileEncoding = "", false, ""
	})
}

func TestRunReconcile_CommitsValidRows(t *testing.T) {
	useTestConfig(t)
	resetReconcileFlags(t)
	outputFormat = "json"
	reconcileBatchID = "B1"

	ctx := context.Background()
	svc, err := initServices(ctx)
	require.NoError(t, err)
	defer svc.Close() //nolint:errcheck

	var buf bytes.Buffer
	require.NoError(t, runReconcile(ctx, &buf, svc, writeSalesFile(t)))

	var report model.BatchReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, "B1", report.BatchID)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.NewOpportunities)
	assert.Equal(t, model.BatchCompleted, report.Status)

	var stats *model.BatchStats
	require.NoError(t, svc.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stats, err = tx.GetBatchStats(ctx, "B1")
		return err
	}))
	require.NotNil(t, stats)
	assert.True(t, strings.HasSuffix(stats.Source, "sales.csv"))
}

func TestRunReconcile_DryRun(t *testing.T) {
	useTestConfig(t)
	resetReconcileFlags(t)
	reconcileBatchID = "DRY"
	reconcileDryRun = true

	ctx := context.Background()
	svc, err := initServices(ctx)
	require.NoError(t, err)
	defer svc.Close() //nolint:errcheck

	var buf bytes.Buffer
	require.NoError(t, runReconcile(ctx, &buf, svc, writeSalesFile(t)))
	assert.Contains(t, buf.String(), "dry run")
	assert.Contains(t, buf.String(), "1 row(s) rejected")

	require.NoError(t, svc.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		opp, err := tx.FindActiveOpportunity(ctx, "27ABCDE1234F1Z5")
		assert.Nil(t, opp)
		return err
	}))
}

func TestRunReconcile_NoValidRows(t *testing.T) {
	useTestConfig(t)
	resetReconcileFlags(t)

	ctx := context.Background()
	svc, err := initServices(ctx)
	require.NoError(t, err)
	defer svc.Close() //nolint:errcheck

	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("Tax ID,Customer,Rep,Family,Volume\nbad,X,Y,A,1\n"), 0o644))

	err = runReconcile(ctx, &bytes.Buffer{}, svc, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
}
