package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/batch"
	"github.com/sells-group/salesrecon/internal/exceptions"
	"github.com/sells-group/salesrecon/internal/guard"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/reconcile"
	"github.com/sells-group/salesrecon/internal/returns"
	"github.com/sells-group/salesrecon/internal/store"
)

const taxID = "27ABCDE1234F1Z5"

func newTestServer(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	aud := audit.New(st, audit.Config{Strict: true})
	q := exceptions.New(st, aud, nil)
	eng := reconcile.New(aud, q)
	return NewRouter(Deps{
		Store:      st,
		Runner:     batch.NewRunner(st, eng, q, batch.Config{}),
		Returns:    returns.New(st, aud),
		Auditor:    aud,
		Exceptions: q,
		Guard:      guard.New(st, aud),
	}, nil), st
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func saleJSON(rep, family string, volume int) string {
	return fmt.Sprintf(`{"tax_id":%q,"customer_name":"Acme Tyres","rep_name":%q,"product_family":%q,"sku_code":"%s-1L","volume":"%d","sector":"Fleet"}`,
		taxID, rep, family, family, volume)
}

func postSale(t *testing.T, h http.Handler, body, batchID string) model.BatchReport {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/sales?batch_id="+batchID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report model.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return report
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProcessSales_SingleRecord(t *testing.T) {
	h, _ := newTestServer(t)
	report := postSale(t, h, saleJSON("Asha", "A", 500), "B1")

	assert.Equal(t, "B1", report.BatchID)
	require.Len(t, report.Results, 1)
	assert.Equal(t, model.StatusSuccess, report.Results[0].Status)
	assert.True(t, report.Results[0].Created)
	assert.Equal(t, 1, report.NewOpportunities)
}

func TestProcessSales_ArrayValidation(t *testing.T) {
	h, _ := newTestServer(t)
	body := "[" + saleJSON("Asha", "A", 10) + `,{"tax_id":"bad","customer_name":"X","rep_name":"Y","product_family":"A","volume":"1"}]`

	rec := do(t, h, http.MethodPost, "/v1/sales", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error   string     `json:"error"`
		Details []rowError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "1 of 2")
	require.Len(t, resp.Details, 1)
	assert.Equal(t, 1, resp.Details[0].Index)
	assert.Contains(t, resp.Details[0].Error, "tax_id")
}

func TestProcessSales_BadBody(t *testing.T) {
	h, _ := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sales", "{not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sales", "[]").Code)
}

func TestReturnsAndRollback(t *testing.T) {
	h, _ := newTestServer(t)
	report := postSale(t, h, saleJSON("Asha", "A", 800), "B1")
	oppID := report.Results[0].OpportunityID

	rec := do(t, h, http.MethodPost, "/v1/returns",
		fmt.Sprintf(`{"tax_id":%q,"product_family":"A","volume":"800","reason":"damaged","batch_id":"R1"}`, taxID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ret model.ReturnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	assert.Equal(t, model.StageSuspect, ret.NewStage)
	assert.Equal(t, oppID, ret.OpportunityID)

	rec = do(t, h, http.MethodPost, "/v1/returns",
		fmt.Sprintf(`{"tax_id":%q,"product_family":"Z","volume":"5"}`, taxID))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/batches/R1/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/v1/batches/B1/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/batches/B1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"rolled_back"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/batches/NOPE", "").Code)
}

func TestRollback_RefusedThenForced(t *testing.T) {
	h, _ := newTestServer(t)
	postSale(t, h, saleJSON("Asha", "A", 100), "B1")
	postSale(t, h, saleJSON("Asha", "A", 50), "B2")
	postSale(t, h, saleJSON("Asha", "A", 30), "B3")

	rec := do(t, h, http.MethodPost, "/v1/batches/B2/rollback", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "B3")

	rec = do(t, h, http.MethodPost, "/v1/batches/B2/rollback?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res model.RollbackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Positive(t, res.Reverted)
}

func TestReturns_Validation(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/returns", fmt.Sprintf(`{"tax_id":%q,"product_family":"A","volume":"0"}`, taxID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/returns", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExceptions_ListAndResolve(t *testing.T) {
	h, _ := newTestServer(t)
	postSale(t, h, saleJSON("Asha", "A", 100), "B1")
	report := postSale(t, h, saleJSON("Ravi", "A", 50), "B2")
	excID := report.Results[0].ExceptionID
	require.NotZero(t, excID)

	rec := do(t, h, http.MethodGet, "/v1/exceptions?status=pending&tax_id="+strings.ToLower(taxID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []model.ExceptionEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Ravi", entries[0].ProposedRep)

	path := fmt.Sprintf("/v1/exceptions/%d/resolve", excID)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, path, `{"resolution":"maybe"}`).Code)

	rec = do(t, h, http.MethodPost, path, `{"resolution":"adopt"}`, ActorHeader, "lead@example.com")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry model.ExceptionEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, model.ExceptionCompleted, entry.Status)
	assert.Equal(t, "lead@example.com", entry.ResolvedBy)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, path, `{"resolution":"keep"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/exceptions/999/resolve", `{"resolution":"keep"}`).Code)
}

func TestAuditHistory(t *testing.T) {
	h, _ := newTestServer(t)
	report := postSale(t, h, saleJSON("Asha", "A", 100), "B1")
	postSale(t, h, saleJSON("Asha", "A", 50), "B2")

	rec := do(t, h, http.MethodGet, fmt.Sprintf("/v1/opportunities/%d/audit?field=volume", report.Results[0].OpportunityID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []model.AuditRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, "150", hist[0].NewValue)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/opportunities/abc/audit", "").Code)
}

func TestSetStageAndDelete_Guarded(t *testing.T) {
	h, _ := newTestServer(t)
	report := postSale(t, h, saleJSON("Asha", "A", 100), "B1")
	base := fmt.Sprintf("/v1/opportunities/%d", report.Results[0].OpportunityID)

	rec := do(t, h, http.MethodPatch, base+"/stage", `{"stage":"Order"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPatch, base+"/stage", `{"stage":"Negotiate"}`, ActorHeader, "asha@example.com")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp opportunityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StageNegotiate, resp.Opportunity.Stage)
	assert.NotEmpty(t, resp.Warnings)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, base+"/stage", `{"stage":"Bogus"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, base+"/stage", `{"stage":"Lost"}`, ActorHeader, model.ActorEngine).Code)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodDelete, base, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/opportunities/999", "").Code)
}

func TestDelete_ManualOpportunity(t *testing.T) {
	h, st := newTestServer(t)
	o := &model.Opportunity{TaxID: taxID, RepName: "Asha", Stage: model.StageProspect}
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateOpportunity(ctx, o)
	}))

	path := fmt.Sprintf("/v1/opportunities/%d", o.ID)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, path, "").Code)
}

func TestListBatches(t *testing.T) {
	h, _ := newTestServer(t)
	postSale(t, h, saleJSON("Asha", "A", 100), "B1")

	rec := do(t, h, http.MethodGet, "/v1/batches?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []model.BatchStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "api", stats[0].Source)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/batches?limit=x", "").Code)
}

func TestCleanup(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/backups/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":0`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{eris.Wrap(model.ErrValidation, "x"), http.StatusBadRequest},
		{eris.Wrap(model.ErrInvalidTaxID, "x"), http.StatusBadRequest},
		{eris.Wrap(model.ErrNotFound, "x"), http.StatusNotFound},
		{eris.Wrap(model.ErrForbidden, "x"), http.StatusForbidden},
		{model.ErrReturnExceedsVolume, http.StatusUnprocessableEntity},
		{eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
