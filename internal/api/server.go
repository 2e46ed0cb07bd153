// Package api exposes the HTTP observation surface: health, metrics, the live
// source status feed and the stored quote tables.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/market"
	"github.com/jmansell/quotewatch/internal/status"
)

// QuoteReader serves stored quote snapshots.
type QuoteReader interface {
	GetAll(ctx context.Context, category string) (market.Snapshot, error)
	GetByRegion(ctx context.Context, category, region string) (market.Snapshot, error)
}

// StatusReader serves the latest status event per source.
type StatusReader interface {
	Snapshot() []status.Event
}

// Server wires HTTP handlers to the store and the status snapshot.
type Server struct {
	router     chi.Router
	quotes     QuoteReader
	statuses   StatusReader
	registry   *prometheus.Registry
	categories map[string]bool
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The category set
// bounds which tables the quotes endpoint will serve.
func NewServer(
	quotes QuoteReader,
	statuses StatusReader,
	registry *prometheus.Registry,
	categories []string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(categories))
	for _, c := range categories {
		known[c] = true
	}
	s := &Server{
		quotes:     quotes,
		statuses:   statuses,
		registry:   registry,
		categories: known,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/quotes/{category}", s.getQuotes)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	events := s.statuses.Snapshot()
	sources := make([]sourceStatus, 0, len(events))
	for _, evt := range events {
		sources = append(sources, sourceStatus{
			Category:     evt.Category,
			Region:       evt.Region,
			State:        string(evt.State),
			Since:        evt.TS,
			TotalRecords: evt.TotalRecords,
			LastStored:   evt.Stored,
			Note:         evt.Note,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) getQuotes(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.categories[category] {
		s.writeError(w, http.StatusNotFound, "unknown category")
		return
	}

	var (
		snap market.Snapshot
		err  error
	)
	if region := strings.TrimSpace(r.URL.Query().Get("region")); region != "" {
		snap, err = s.quotes.GetByRegion(r.Context(), category, region)
	} else {
		snap, err = s.quotes.GetAll(r.Context(), category)
	}
	if err != nil {
		s.logger.Error("quote lookup failed",
			zap.String("category", category),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "quote lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type sourceStatus struct {
	Category     string    `json:"category"`
	Region       string    `json:"region"`
	State        string    `json:"state"`
	Since        time.Time `json:"since"`
	TotalRecords int       `json:"totalRecords"`
	LastStored   int       `json:"lastStored"`
	Note         string    `json:"note,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.Stack("stack"))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
