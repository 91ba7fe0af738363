// Package statusapi serves read-only views of checkpoints, runs and the
// record store over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// CheckpointReader exposes the per-stream progress.
type CheckpointReader interface {
	Status(ctx context.Context) (map[checkpoint.Stream]checkpoint.Stage, error)
}

// RunReader exposes the run log.
type RunReader interface {
	ListAll(ctx context.Context, limit int) ([]recordstore.RunEntry, error)
	LastSuccess(ctx context.Context) (*time.Time, error)
}

// RecordReader is the read side of the record store.
type RecordReader interface {
	Buckets(ctx context.Context, cat record.Category) ([]string, error)
	Current(ctx context.Context, cat record.Category, key string) (*recordstore.CanonicalRow, error)
	History(ctx context.Context, cat record.Category, key string) ([]recordstore.ArchivedVersion, error)
	Counts(ctx context.Context) (map[record.Category]recordstore.Counts, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	checkpoints CheckpointReader
	runs        RunReader
	records     RecordReader
	origins     []string
}

// New creates a Server. origins lists the CORS origins allowed; empty allows any.
func New(cp CheckpointReader, runs RunReader, records RecordReader, origins ...string) *Server {
	return &Server{checkpoints: cp, runs: runs, records: records, origins: origins}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/checkpoints", s.handleCheckpoints)
	r.Get("/runs", s.handleRuns)
	r.Get("/counts", s.handleCounts)
	r.Get("/buckets/{category}", s.handleBuckets)
	r.Get("/records/{category}", s.handleRecord)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.runs != nil {
		last, err := s.runs.LastSuccess(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if last != nil {
			resp["last_success"] = last.UTC()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	status, err := s.checkpoints.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make(map[checkpoint.Stream]string, len(status))
	for stream, stage := range status {
		out[stream] = stage.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListAll(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []recordstore.RunEntry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.records.Counts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	buckets, err := s.records.Buckets(r.Context(), cat)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []string{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleRecord returns the canonical row of an identity and its archived
// versions. Identity keys hold separators, so the key is a query parameter.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	cat, ok := category(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	current, err := s.records.Current(r.Context(), cat, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.records.History(r.Context(), cat, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if current == nil && len(history) == 0 {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if history == nil {
		history = []recordstore.ArchivedVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current": current,
		"history": history,
	})
}

func category(w http.ResponseWriter, r *http.Request) (record.Category, bool) {
	cat, err := record.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return cat, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("statusapi: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
