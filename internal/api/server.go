// Package api exposes the reconciliation services over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/salesrecon/internal/audit"
	"github.com/sells-group/salesrecon/internal/batch"
	"github.com/sells-group/salesrecon/internal/exceptions"
	"github.com/sells-group/salesrecon/internal/guard"
	"github.com/sells-group/salesrecon/internal/model"
	"github.com/sells-group/salesrecon/internal/returns"
	"github.com/sells-group/salesrecon/internal/store"
)

// Deps are the services the API calls. Handlers hold no state of their own.
type Deps struct {
	Store      store.Store
	Runner     *batch.Runner
	Returns    *returns.Processor
	Auditor    *audit.Auditor
	Exceptions *exceptions.Queue
	Guard      *guard.Service
}

// Server holds the dependencies behind the routes.
type Server struct {
	d Deps
}

// NewRouter builds the chi router. An empty origins list allows any origin.
func NewRouter(d Deps, origins []string) http.Handler {
	s := &Server{d: d}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sales", s.processSales)
		r.Post("/returns", s.processReturn)

		r.Get("/batches", s.listBatches)
		r.Get("/batches/{batchID}", s.getBatch)
		r.Post("/batches/{batchID}/rollback", s.rollback)
		r.Post("/backups/cleanup", s.cleanup)

		r.Get("/exceptions", s.listExceptions)
		r.Post("/exceptions/{id}/resolve", s.resolveException)

		r.Get("/opportunities/{id}/audit", s.auditHistory)
		r.Patch("/opportunities/{id}/stage", s.setStage)
		r.Delete("/opportunities/{id}", s.deleteOpportunity)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidTaxID):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrReturnExceedsVolume):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
