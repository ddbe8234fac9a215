package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"factsync/internal/domain"
	"factsync/internal/gather"
	"factsync/internal/store"
)

// ErrUnknownPipeline is returned by a Runner with no pipeline for a kind.
var ErrUnknownPipeline = errors.New("no pipeline configured for kind")

// Runner executes one pipeline run for a kind.
type Runner interface {
	Run(ctx context.Context, kind domain.FactKind, opts gather.RunOptions) (*gather.Summary, error)
}

// FactReader serves canonical records to consumers.
type FactReader interface {
	ReadFacts(ctx context.Context, q store.FactQuery) ([]domain.CanonicalRecord, error)
}

// maxBodyBytes bounds the trigger request body.
const maxBodyBytes = 1 << 20

// Server serves the pipeline trigger and fact read endpoints.
type Server struct {
	runner Runner
	facts  FactReader
	log    *slog.Logger
}

// NewServer creates a new HTTP API server.
func NewServer(runner Runner, facts FactReader, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{runner: runner, facts: facts, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/pipelines/{kind}/run", s.handleRun)
	mux.HandleFunc("GET /api/facts/{kind}/{symbol}", s.handleFacts)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORS(mux)
}

// handleRun triggers a pipeline run and blocks until it completes.
//
//	200 completed run, whatever the per-item outcomes
//	400 unknown kind or malformed body
//	404 no symbols to process
//	409 a run of this kind is already active
//	500 infrastructure failure
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	var req RunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, kind, "reading body: "+err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, kind, "invalid body: "+err.Error())
			return
		}
	}
	if req.MaxSymbols < 0 {
		writeError(w, http.StatusBadRequest, kind, "maxSymbols must not be negative")
		return
	}
	for _, sym := range req.Symbols {
		if _, err := domain.NormalizeSymbol(sym); err != nil {
			writeError(w, http.StatusBadRequest, kind, err.Error())
			return
		}
	}

	// Runs go to completion even if the client goes away.
	start := time.Now()
	sum, err := s.runner.Run(context.WithoutCancel(r.Context()), kind, gather.RunOptions{
		Symbols:       req.Symbols,
		MaxSymbols:    req.MaxSymbols,
		SkipQuarterly: req.SkipQuarterly,
		SkipAnnual:    req.SkipAnnual,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("pipeline run failed", "kind", kind, "error", err, "elapsed", time.Since(start))
		} else {
			s.log.Info("pipeline run rejected", "kind", kind, "status", status, "reason", err)
		}
		writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, sum)
}

// statusFor maps run errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gather.ErrNoSymbols):
		return http.StatusNotFound
	case errors.Is(err, gather.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownPipeline):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleFacts returns canonical records for one symbol. Optional query
// parameters: from, to (YYYY-MM-DD or RFC 3339), frequency, limit.
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	symbol, err := domain.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, kind, err.Error())
		return
	}

	q := store.FactQuery{Kind: kind, Symbol: symbol}
	params := r.URL.Query()
	if q.From, err = parseBound(params.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, kind, "invalid from: "+err.Error())
		return
	}
	if q.To, err = parseBound(params.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, kind, "invalid to: "+err.Error())
		return
	}
	switch f := domain.Frequency(params.Get("frequency")); f {
	case domain.FrequencyNone, domain.FrequencyQuarterly, domain.FrequencyAnnual:
		q.Frequency = f
	default:
		writeError(w, http.StatusBadRequest, kind, "invalid frequency "+strconv.Quote(string(f)))
		return
	}
	if l := params.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, kind, "invalid limit")
			return
		}
		q.Limit = n
	}

	recs, err := s.facts.ReadFacts(r.Context(), q)
	if err != nil {
		s.log.Error("reading facts", "kind", kind, "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, kind, "reading facts failed")
		return
	}

	out := FactsJSON{Kind: kind, Symbol: symbol, Count: len(recs), Facts: make([]FactJSON, 0, len(recs))}
	for _, rec := range recs {
		out.Facts = append(out.Facts, toFactJSON(rec))
	}
	writeJSON(w, out)
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(domain.DateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// CORS allows browser callers from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind domain.FactKind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorJSON{Success: false, Kind: string(kind), Error: msg})
}
