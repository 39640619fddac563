package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
	"github.com/JakeFAU/imagevault/internal/collection"
	"github.com/JakeFAU/imagevault/internal/ingest"
	"github.com/JakeFAU/imagevault/internal/labelsync"
	"github.com/JakeFAU/imagevault/internal/migrate"
	"github.com/JakeFAU/imagevault/internal/reclaim"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Scrape(ctx context.Context, urls []string, preset catalog.SizePreset, mode catalog.ExtractionMode) (catalog.ScrapeResult, error) {
	args := m.Called(ctx, urls, preset, mode)
	return args.Get(0).(catalog.ScrapeResult), args.Error(1)
}

func (m *mockService) AddLabel(ctx context.Context, name string) (catalog.Label, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(catalog.Label), args.Error(1)
}

func (m *mockService) AddCollection(ctx context.Context, rawURL string, labelIDs []string) (catalog.PageReference, error) {
	args := m.Called(ctx, rawURL, labelIDs)
	return args.Get(0).(catalog.PageReference), args.Error(1)
}

func (m *mockService) ScrapeCollection(ctx context.Context, pageRefID string, preset catalog.SizePreset, mode catalog.ExtractionMode) (collection.ScrapeDetail, error) {
	args := m.Called(ctx, pageRefID, preset, mode)
	return args.Get(0).(collection.ScrapeDetail), args.Error(1)
}

func (m *mockService) GetCollectionScrape(ctx context.Context, pageRefID string) (collection.ScrapeDetail, error) {
	args := m.Called(ctx, pageRefID)
	return args.Get(0).(collection.ScrapeDetail), args.Error(1)
}

func (m *mockService) GetScrape(ctx context.Context, scrapeID string) (collection.ScrapeDetail, error) {
	args := m.Called(ctx, scrapeID)
	return args.Get(0).(collection.ScrapeDetail), args.Error(1)
}

func (m *mockService) Store(ctx context.Context, scrapeID string) (ingest.Result, error) {
	args := m.Called(ctx, scrapeID)
	return args.Get(0).(ingest.Result), args.Error(1)
}

func (m *mockService) DeleteCollection(ctx context.Context, pageRefID string) (reclaim.Result, error) {
	args := m.Called(ctx, pageRefID)
	return args.Get(0).(reclaim.Result), args.Error(1)
}

func (m *mockService) ReclaimOrphans(ctx context.Context, assetIDs []string) (reclaim.Result, error) {
	args := m.Called(ctx, assetIDs)
	return args.Get(0).(reclaim.Result), args.Error(1)
}

func (m *mockService) MigrateLayout(ctx context.Context, dryRun bool) (migrate.Result, error) {
	args := m.Called(ctx, dryRun)
	return args.Get(0).(migrate.Result), args.Error(1)
}

func (m *mockService) SyncLabel(ctx context.Context, labelID string) (labelsync.Result, error) {
	args := m.Called(ctx, labelID)
	return args.Get(0).(labelsync.Result), args.Error(1)
}

func (m *mockService) SignedAssetURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, assetID, ttl)
	return args.String(0), args.Error(1)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	s := NewServer(&mockService{}, Config{MetricsEnabled: true}, nil)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imagevault_")
}

func TestScrapePreview(t *testing.T) {
	t.Parallel()
	svc := &mockService{}
	svc.On("Scrape", mock.Anything, []string{"https://example.com/g"}, catalog.SizeLarge, catalog.ModeLight).
		Return(catalog.ScrapeResult{Title: "G", Images: []catalog.CandidateImage{{ImageURL: "https://cdn/x.jpg"}}}, nil)
	s := NewServer(svc, Config{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/scrape", `{"urls":["https://example.com/g"],"preset":"large"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got catalog.ScrapeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "G", got.Title)
	svc.AssertExpectations(t)
}

func TestScrapePreviewValidation(t *testing.T) {
	t.Parallel()
	s := NewServer(&mockService{}, Config{}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/scrape", "{invalid").Code)
	rec := do(t, s, http.MethodPost, "/v1/scrape", `{"urls":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "urls required")
	rec = do(t, s, http.MethodPost, "/v1/scrape", `{"urls":["https://x"],"mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollectionRoutes(t *testing.T) {
	t.Parallel()
	svc := &mockService{}
	svc.On("AddCollection", mock.Anything, "https://example.com/g", []string{"l1"}).
		Return(catalog.PageReference{ID: "p1", URL: "https://example.com/g"}, nil)
	svc.On("ScrapeCollection", mock.Anything, "p1", catalog.SizeAll, catalog.ModeHeavy).
		Return(collection.ScrapeDetail{Scrape: catalog.Scrape{ID: "s1"}}, nil)
	svc.On("Store", mock.Anything, "s1").Return(ingest.Result{Stored: 2, Failed: 1, Errors: []string{"x: boom"}}, nil)
	svc.On("DeleteCollection", mock.Anything, "p1").Return(reclaim.Result{Reclaimed: 1}, nil)
	s := NewServer(svc, Config{DefaultMode: catalog.ModeHeavy}, nil)

	rec := do(t, s, http.MethodPost, "/v1/collections", `{"url":"https://example.com/g","label_ids":["l1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/collections/p1/scrape", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s1"`)

	rec = do(t, s, http.MethodPost, "/v1/scrapes/s1/store", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, 2, stored.Stored)
	assert.Equal(t, 1, stored.Failed)

	rec = do(t, s, http.MethodDelete, "/v1/collections/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	svc := &mockService{}
	svc.On("GetScrape", mock.Anything, "missing").Return(collection.ScrapeDetail{}, catalog.NewNotFound("scrape", "missing"))
	svc.On("AddLabel", mock.Anything, "red").Return(catalog.Label{}, &catalog.ConflictError{Kind: "label", Key: "red"})
	svc.On("ScrapeCollection", mock.Anything, "p1", catalog.SizeAll, catalog.ModeLight).
		Return(collection.ScrapeDetail{}, &catalog.FetchError{URL: "https://x", StatusCode: 503, Err: errors.New("down")})
	svc.On("SyncLabel", mock.Anything, "l1").Return(labelsync.Result{}, errors.New("index unreachable"))
	s := NewServer(svc, Config{}, nil)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/scrapes/missing", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/labels", `{"name":"red"}`).Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/v1/collections/p1/scrape", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/v1/labels/l1/sync", "").Code)
}

func TestMaintenanceRoutes(t *testing.T) {
	t.Parallel()
	svc := &mockService{}
	svc.On("MigrateLayout", mock.Anything, true).Return(migrate.Result{Migrated: 3}, nil)
	svc.On("ReclaimOrphans", mock.Anything, []string{"a1", "a2"}).Return(reclaim.Result{Reclaimed: 1, Retained: 1}, nil)
	svc.On("SignedAssetURL", mock.Anything, "a1", 60*time.Second).Return("https://signed", nil)
	s := NewServer(svc, Config{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/processed/migrate?dry_run=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"migrated":3`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/processed/migrate?dry_run=maybe", "").Code)

	rec = do(t, s, http.MethodPost, "/v1/assets/reclaim", `{"asset_ids":["a1","a2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/assets/reclaim", `{}`).Code)

	rec = do(t, s, http.MethodGet, "/v1/assets/a1/url?ttl_seconds=60", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://signed")
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/assets/a1/url?ttl_seconds=-1", "").Code)
	svc.AssertExpectations(t)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	svc := &mockService{}
	svc.On("GetScrape", mock.Anything, "s1").Return(collection.ScrapeDetail{}, nil)
	s := NewServer(svc, Config{AuthEnabled: true, APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/scrapes/s1", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/scrapes/s1?api_key=secret", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/scrapes/s1?api_key=secre", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/scrapes/s1?api_key=secret2", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code, "health checks bypass auth")

	req := httptest.NewRequest(http.MethodGet, "/v1/scrapes/s1", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareRejectsEmptyKey(t *testing.T) {
	t.Parallel()
	s := NewServer(&mockService{}, Config{AuthEnabled: true}, nil)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/scrapes/s1", "").Code)
}
