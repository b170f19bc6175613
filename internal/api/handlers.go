package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/salesrecon/internal/ingest"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/store"
)

// ActorHeader names the person behind a manual change.
const ActorHeader = "X-Actor"

// maxBody caps request bodies.
const maxBody = 8 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return eris.Wrapf(model.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Wrapf(model.ErrValidation, "invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(model.ErrValidation, "invalid %s %q", key, raw)
	}
	return n, nil
}

// actor returns the manual actor of a request. Engine actors cannot be
// claimed over HTTP.
func actor(r *http.Request, fallback string) (string, error) {
	a := strings.TrimSpace(r.Header.Get(ActorHeader))
	if a == "" {
		a = strings.TrimSpace(fallback)
	}
	if a == "" {
		return model.ActorManual, nil
	}
	if a == model.ActorEngine || a == model.ActorReturn {
		return "", eris.Wrapf(model.ErrValidation, "actor %q is reserved", a)
	}
	return a, nil
}

type rowError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// processSales accepts one sales record or an array of them and runs them
// as a single batch.
func (s *Server) processSales(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, r, eris.Wrap(model.ErrValidation, "read body"))
		return
	}
	var records []model.SalesRecord
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &records)
	} else {
		var one model.SalesRecord
		err = json.Unmarshal(trimmed, &one)
		records = []model.SalesRecord{one}
	}
	if err != nil {
		writeError(w, r, eris.Wrapf(model.ErrValidation, "invalid request body: %v", err))
		return
	}
	if len(records) == 0 {
		writeError(w, r, eris.Wrap(model.ErrValidation, "no sales records"))
		return
	}

	var rejected []rowError
	for i := range records {
		if err := ingest.Check(records[i]); err != nil {
			rejected = append(rejected, rowError{Index: i, Error: err.Error()})
		}
	}
	if len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   fmt.Sprintf("%d of %d record(s) failed validation", len(rejected), len(records)),
			Details: rejected,
		})
		return
	}

	report, err := s.d.Runner.RunFrom(r.Context(), "api", records, r.URL.Query().Get("batch_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) processReturn(w http.ResponseWriter, r *http.Request) {
	var rec model.ReturnRecord
	if err := decode(r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	if err := ingest.Check(rec); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.d.Returns.Process(r.Context(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status != model.StatusSuccess {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var out []model.BatchStats
	err = s.d.Store.WithTx(r.Context(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListBatchStats(ctx, limit)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	var stats *model.BatchStats
	var discrepancies []model.Discrepancy
	err := s.d.Store.WithTx(r.Context(), func(ctx context.Context, tx store.Tx) error {
		var err error
		if stats, err = tx.GetBatchStats(ctx, batchID); err != nil {
			return err
		}
		if stats == nil {
			return eris.Wrapf(model.ErrNotFound, "batch %s", batchID)
		}
		discrepancies, err = tx.ListDiscrepancies(ctx, batchID)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*model.BatchStats
		Discrepancies []model.Discrepancy `json:"discrepancy_records"`
	}{stats, discrepancies})
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.d.Auditor.RollbackBatch(r.Context(), chi.URLParam(r, "batchID"), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Auditor.CleanupExpiredBackups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.d.Exceptions.List(r.Context(), store.ExceptionFilter{
		Status: model.ExceptionStatus(q.Get("status")),
		TaxID:  model.NormalizeTaxID(q.Get("tax_id")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=keep adopt KEEP ADOPT"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) resolveException(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := ingest.Check(req); err != nil {
		writeError(w, r, err)
		return
	}
	by, err := actor(r, req.ResolvedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := s.d.Exceptions.Resolve(r.Context(), id, req.Resolution, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) auditHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.d.Auditor.History(r.Context(), id, model.Field(r.URL.Query().Get("field")), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type stageRequest struct {
	Stage string `json:"stage" validate:"required"`
	Actor string `json:"actor"`
}

type opportunityResponse struct {
	Opportunity *model.Opportunity `json:"opportunity"`
	Warnings    []string           `json:"warnings,omitempty"`
}

func (s *Server) setStage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req stageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := ingest.Check(req); err != nil {
		writeError(w, r, err)
		return
	}
	who, err := actor(r, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opp, warnings, err := s.d.Guard.SetStage(r.Context(), id, req.Stage, who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opportunityResponse{Opportunity: opp, Warnings: warnings})
}

func (s *Server) deleteOpportunity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	who, err := actor(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.d.Guard.Delete(r.Context(), id, who); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
