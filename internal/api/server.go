package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/collection"
	"github.com/JakeFAU/imagevault/internal/ingest"
	"github.com/JakeFAU/imagevault/internal/labelsync"
	"github.com/JakeFAU/imagevault/internal/metrics"
	"github.com/JakeFAU/imagevault/internal/migrate"
	"github.com/JakeFAU/imagevault/internal/reclaim"
)

// Service is the set of collection operations exposed over HTTP.
type Service interface {
	Scrape(ctx context.Context, urls []string, preset catalog.SizePreset, mode catalog.ExtractionMode) (catalog.ScrapeResult, error)
	AddLabel(ctx context.Context, name string) (catalog.Label, error)
	AddCollection(ctx context.Context, rawURL string, labelIDs []string) (catalog.PageReference, error)
	ScrapeCollection(ctx context.Context, pageRefID string, preset catalog.SizePreset, mode catalog.ExtractionMode) (collection.ScrapeDetail, error)
	GetCollectionScrape(ctx context.Context, pageRefID string) (collection.ScrapeDetail, error)
	GetScrape(ctx context.Context, scrapeID string) (collection.ScrapeDetail, error)
	Store(ctx context.Context, scrapeID string) (ingest.Result, error)
	DeleteCollection(ctx context.Context, pageRefID string) (reclaim.Result, error)
	ReclaimOrphans(ctx context.Context, assetIDs []string) (reclaim.Result, error)
	MigrateLayout(ctx context.Context, dryRun bool) (migrate.Result, error)
	SyncLabel(ctx context.Context, labelID string) (labelsync.Result, error)
	SignedAssetURL(ctx context.Context, assetID string, ttl time.Duration) (string, error)
}

// Config controls routing and request defaults.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	MetricsEnabled bool
	MetricsPath    string
	DefaultPreset  catalog.SizePreset
	DefaultMode    catalog.ExtractionMode
	RequestTimeout time.Duration
}

// DefaultRequestTimeout bounds each request when none is configured.
const DefaultRequestTimeout = 5 * time.Minute

// Server wires HTTP handlers to the collection service.
type Server struct {
	router chi.Router
	svc    Service
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = catalog.SizeAll
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = catalog.ModeLight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.MetricsEnabled {
		r.Handle(cfg.MetricsPath, metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/scrape", s.scrapePreview)
		r.Post("/labels", s.addLabel)
		r.Post("/labels/{label_id}/sync", s.syncLabel)
		r.Route("/collections", func(r chi.Router) {
			r.Post("/", s.addCollection)
			r.Route("/{page_id}", func(r chi.Router) {
				r.Get("/", s.getCollection)
				r.Delete("/", s.deleteCollection)
				r.Post("/scrape", s.scrapeCollection)
			})
		})
		r.Route("/scrapes/{scrape_id}", func(r chi.Router) {
			r.Get("/", s.getScrape)
			r.Post("/store", s.storeScrape)
		})
		r.Post("/assets/reclaim", s.reclaim)
		r.Get("/assets/{asset_id}/url", s.signedURL)
		r.Post("/processed/migrate", s.migrate)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URLs   []string `json:"urls"`
	Preset string   `json:"preset"`
	Mode   string   `json:"mode"`
}

func (s *Server) scrapePreview(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	preset, mode, err := s.options(req.Preset, req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Scrape(r.Context(), req.URLs, preset, mode)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing label name")
		return
	}
	label, err := s.svc.AddLabel(r.Context(), req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, label)
}

func (s *Server) syncLabel(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncLabel(r.Context(), chi.URLParam(r, "label_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string   `json:"url"`
		LabelIDs []string `json:"label_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	ref, err := s.svc.AddCollection(r.Context(), req.URL, req.LabelIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetCollectionScrape(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.DeleteCollection(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scrapeCollection(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	preset, mode, err := s.options(req.Preset, req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.svc.ScrapeCollection(r.Context(), chi.URLParam(r, "page_id"), preset, mode)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) getScrape(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetScrape(r.Context(), chi.URLParam(r, "scrape_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) storeScrape(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Store(r.Context(), chi.URLParam(r, "scrape_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reclaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetIDs []string `json:"asset_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.AssetIDs) == 0 {
		writeError(w, http.StatusBadRequest, "asset_ids required")
		return
	}
	res, err := s.svc.ReclaimOrphans(r.Context(), req.AssetIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) signedURL(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "ttl_seconds must be a positive integer")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	url, err := s.svc.SignedAssetURL(r.Context(), chi.URLParam(r, "asset_id"), ttl)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) migrate(w http.ResponseWriter, r *http.Request) {
	dryRun, err := boolQuery(r, "dry_run")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.MigrateLayout(r.Context(), dryRun)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) options(rawPreset, rawMode string) (catalog.SizePreset, catalog.ExtractionMode, error) {
	preset, mode := s.cfg.DefaultPreset, s.cfg.DefaultMode
	var err error
	if rawPreset != "" {
		if preset, err = catalog.ParseSizePreset(rawPreset); err != nil {
			return "", "", err
		}
	}
	if rawMode != "" {
		if mode, err = catalog.ParseExtractionMode(rawMode); err != nil {
			return "", "", err
		}
	}
	return preset, mode, nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

// fail maps the error taxonomy onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		parseErr *catalog.ParseError
		fetchErr *catalog.FetchError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &parseErr):
		status = http.StatusBadRequest
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
