// Package api serves the directory and its lineage as read-only JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/snapshot"
	"github.com/sells-group/recovery-directory/internal/source"
	"github.com/sells-group/recovery-directory/internal/store"
)

const maxPageSize = 500

// Server holds the handler dependencies.
type Server struct {
	log      *lineage.Log
	store    store.Store
	registry source.Registry
}

// New creates a Server over the lineage log. reg is used for source
// display names and may be nil.
func New(l *lineage.Log, reg source.Registry) *Server {
	return &Server{log: l, store: l.Store(), registry: reg}
}

// Handler returns the router. allowedOrigins configures CORS; empty
// disables cross-origin access.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/directory", s.directory)
		r.Get("/runs", s.listRuns)
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", s.listOrganizations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getOrganization)
				r.Get("/history", s.history)
				r.Get("/state", s.stateAt)
				r.Get("/sources", s.sources)
			})
		})
	})
	return r
}

func (s *Server) listOrganizations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OrgFilter{State: q.Get("state")}
	if v := q.Get("category"); v != "" {
		cat, err := model.ParseCategory(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
		filter.Category = cat
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		filter.ActiveOnly = active
	}
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	filter.Limit, filter.Offset = limit, offset

	orgs, err := s.store.ListOrganizations(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []model.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organizations": orgs,
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.store.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	exp, err := snapshot.ExportLineage(r.Context(), s.log, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

type stateResponse struct {
	OrganizationID string                        `json:"organization_id"`
	At             time.Time                     `json:"at"`
	Fields         model.NormalizedFields        `json:"fields"`
	Aliases        []string                      `json:"aliases,omitempty"`
	FieldHistory   map[string][]model.FieldValue `json:"field_history,omitempty"`
}

func (s *Server) stateAt(w http.ResponseWriter, r *http.Request) {
	at := time.Now().UTC()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = t.UTC()
	}
	id := chi.URLParam(r, "id")
	p, err := s.log.StateAt(r.Context(), id, at)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		OrganizationID: id,
		At:             at,
		Fields:         p.Fields,
		Aliases:        p.Aliases,
		FieldHistory:   p.History,
	})
}

type sourceRef struct {
	Ref         string  `json:"ref"`
	SourceID    string  `json:"source_id"`
	RecordKey   string  `json:"record_key"`
	Name        string  `json:"name,omitempty"`
	Reliability float64 `json:"reliability,omitempty"`
}

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	refs, err := s.log.SourcesFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	out := make([]sourceRef, 0, len(refs))
	for _, ref := range refs {
		src, key := model.SplitRef(ref)
		info := s.registry[src]
		out = append(out, sourceRef{Ref: ref, SourceID: src, RecordKey: key, Name: info.Name, Reliability: info.Reliability})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) directory(w http.ResponseWriter, r *http.Request) {
	opts := snapshot.Options{}
	if v := r.URL.Query().Get("category"); v != "" {
		cat, err := model.ParseCategory(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
		opts.Category = cat
	}
	opts.IncludeInactive = r.URL.Query().Get("include_inactive") == "true"
	d, err := snapshot.Build(r.Context(), s.store, opts)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// page reads limit and offset. It writes the error response itself.
func page(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	limit, offset := 100, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
