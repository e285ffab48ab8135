// Package api exposes the store over HTTP and triggers settlements.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"arcsettle/internal/model"
	"arcsettle/internal/settlement"
	"arcsettle/internal/storage"
	"arcsettle/internal/telemetry"
)

const (
	maxBodyBytes       = 1 << 20
	defaultLatestRows  = 10
	defaultRecentLimit = 50
)

// Settler runs one settlement.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Result, error)
}

// Deps are the collaborators of a Server. Settler may be nil, in which
// case settlement requests are refused.
type Deps struct {
	Store     storage.Store
	Settler   Settler
	Telemetry *telemetry.Metrics
	Logger    *zap.Logger
}

// Server serves the query and trigger routes.
type Server struct {
	store     storage.Store
	settler   Settler
	telemetry *telemetry.Metrics
	logger    *zap.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		store:     deps.Store,
		settler:   deps.Settler,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", s.telemetry.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/deals", s.listDeals)
		api.Get("/deals/{id}", s.getDeal)
		api.Get("/deals/{id}/ledger", s.dealLedger)
		api.Get("/negotiations", s.listNegotiations)
		api.Get("/ledger", s.listLedger)
		api.Get("/metrics", s.metrics)
		api.Post("/settlements", s.settle)
	})
	return r
}

// NewHTTPServer wraps the router with timeouts suited to settlement calls,
// which block until every receipt arrives.
func (s *Server) NewHTTPServer(addr string, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.DealFilter{Limit: storage.DefaultListLimit}

	for _, raw := range strings.Split(q.Get("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status := model.DealStatus(raw)
		switch status {
		case model.DealDraft, model.DealSettled, model.DealFailed:
			filter.Statuses = append(filter.Statuses, status)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}

	limit, err := intParam(q.Get("limit"), storage.DefaultListLimit, 1, storage.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	deals, err := s.store.ListDeals(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list deals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  nonNil(deals),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.store.GetDeal(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	if err != nil {
		s.internalError(w, "get deal", err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (s *Server) dealLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDeal(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deal not found")
			return
		}
		s.internalError(w, "get deal", err)
		return
	}
	rows, err := s.store.LedgerRowsByDeal(r.Context(), id)
	if err != nil {
		s.internalError(w, "list deal rows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(rows)})
}

func (s *Server) listNegotiations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultRecentLimit, 1, storage.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	records, err := s.store.RecentNegotiations(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list negotiations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(records)})
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultRecentLimit, 1, storage.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	rows, err := s.store.RecentLedgerRows(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list ledger rows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(rows)})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultLatestRows, 1, storage.MaxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	snapshot, err := s.store.Metrics(r.Context())
	if err != nil {
		s.internalError(w, "load metrics", err)
		return
	}
	rows, err := s.store.RecentLedgerRows(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list ledger rows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": snapshot,
		"latest":  nonNil(rows),
	})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	if s.settler == nil {
		writeError(w, http.StatusServiceUnavailable, "settlement is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	req := settlement.Request{Proposal: body}
	if raw := r.URL.Query().Get("mode"); raw != "" {
		mode, ok := model.ParseDealMode(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", raw))
			return
		}
		req.Mode = mode
	}

	res, err := s.settler.Settle(r.Context(), req)
	writeJSON(w, settleStatus(res, err), res)
}

func settleStatus(res settlement.Result, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, settlement.ErrLedgerUnavailable):
		return http.StatusBadGateway
	case res.Status == settlement.StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.telemetry.ObserveRequest(route, strconv.Itoa(status))
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// intParam parses an optional integer query parameter. hi < 0 means unbounded.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if hi < 0 && value < lo {
		return 0, fmt.Errorf("must be at least %d", lo)
	}
	if hi >= 0 && (value < lo || value > hi) {
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return value, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
