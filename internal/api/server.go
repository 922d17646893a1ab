// Package api exposes the read-only HTTP interface over harvested data.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stations, /v1/stations/{station_id}, and
//     /v1/stations/{station_id}/readings for querying.
//   - GET /v1/summary/counts for table sizes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/metrics"
	"github.com/waterwatch/cnemc-harvester/internal/store"
)

const (
	requestTimeout   = 30 * time.Second
	maxReadingsLimit = 5000
)

// Reader is the query surface the server needs. *store.Gateway implements it.
type Reader interface {
	ListStations(ctx context.Context, f store.StationFilter) ([]store.Station, error)
	GetStation(ctx context.Context, id int64) (store.Station, error)
	ListReadings(ctx context.Context, stationID int64, from, to *time.Time, limit int) ([]store.Reading, error)
	TableCounts(ctx context.Context) (store.Counts, error)
}

// Server wires HTTP handlers to the store.
type Server struct {
	router chi.Router
	reader Reader
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(reader Reader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{reader: reader, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stations", s.listStations)
		r.Route("/stations/{station_id}", func(r chi.Router) {
			r.Get("/", s.getStation)
			r.Get("/readings", s.listReadings)
		})
		r.Get("/summary/counts", s.counts)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.reader.TableCounts(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listStations handles GET /v1/stations?province=&city=&basin=&limit=&offset=.
func (s *Server) listStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filter := store.StationFilter{
		Province: q.Get("province"),
		City:     q.Get("city"),
		Basin:    q.Get("basin"),
		Limit:    limit,
		Offset:   offset,
	}
	stations, err := s.reader.ListStations(r.Context(), filter)
	if err != nil {
		s.logger.Error("list stations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stations")
		return
	}
	if stations == nil {
		stations = []store.Station{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

// getStation handles GET /v1/stations/{station_id}.
func (s *Server) getStation(w http.ResponseWriter, r *http.Request) {
	id, err := parseStationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	station, err := s.reader.GetStation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		s.logger.Error("get station failed", zap.Int64("station_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get station")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"station": station})
}

// listReadings handles GET /v1/stations/{station_id}/readings?from=&to=&limit=.
// from and to are RFC 3339 timestamps; omitted bounds leave the window open.
func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	id, err := parseStationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	if from != nil && to != nil && from.After(*to) {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}
	limit, err := parseIntParam(q.Get("limit"), 0)
	if err != nil || limit > maxReadingsLimit {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	// confirm the station exists so an empty window and an unknown station
	// are distinguishable
	if _, err := s.reader.GetStation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "station not found")
			return
		}
		s.logger.Error("get station failed", zap.Int64("station_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get station")
		return
	}

	readings, err := s.reader.ListReadings(r.Context(), id, from, to, limit)
	if err != nil {
		s.logger.Error("list readings failed", zap.Int64("station_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []store.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (s *Server) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reader.TableCounts(r.Context())
	if err != nil {
		s.logger.Error("table counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count tables")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func parseStationID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "station_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid station id")
	}
	return id, nil
}

func parseIntParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
