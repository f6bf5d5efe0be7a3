package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-module/internal/config"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/disk"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/meta"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestRouter собирает роутер поверх дискового бэкенда во временной директории.
func newTestRouter(t *testing.T, cfg *config.Config, auth func(http.Handler) http.Handler) http.Handler {
	t.Helper()

	dir := t.TempDir()
	ms, err := meta.NewDiskStore(filepath.Join(dir, "meta"), testLogger())
	require.NoError(t, err)
	store, err := disk.New(filepath.Join(dir, "data"), storage.Options{Meta: ms}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(testLogger())
	opts := handlers.Options{}
	h := Handlers{
		Health:    handlers.NewHealthHandler("upload-module", dir, store),
		Info:      handlers.NewInfoHandler(cfg, store, nil, testLogger()),
		Uploadx:   handlers.NewUploadxHandler(store, bus, opts, testLogger()),
		Tus:       handlers.NewTusHandler(store, bus, opts, testLogger()),
		Multipart: handlers.NewMultipartHandler(store, bus, opts, testLogger()),
	}
	return NewRouter(cfg, testLogger(), h, auth)
}

func testConfig() *config.Config {
	return &config.Config{ServiceID: "upload-module", BasePath: "/api/v1"}
}

// requireToken — middleware, пропускающий только запросы с Bearer ok.
func requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ok" {
			apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestRouter_ServiceEndpoints(t *testing.T) {
	router := newTestRouter(t, testConfig(), nil)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics", "/api/v1/info"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_Protocols(t *testing.T) {
	router := newTestRouter(t, testConfig(), nil)

	// tus: обнаружение возможностей сервера
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/files", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, handlers.TusVersion, rec.Header().Get("Tus-Version"))

	// tus: Location строится от смонтированного пути
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", nil)
	req.Header.Set("Tus-Resumable", handlers.TusVersion)
	req.Header.Set("Upload-Length", "4")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/api/v1/files/"))

	// протокол со смещениями: создание
	req = httptest.NewRequest(http.MethodPost, "/api/v1/upload",
		strings.NewReader(`{"name":"a.txt","mimeType":"text/plain"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Length", "3")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Location"), "/api/v1/upload?upload_id=")

	// multipart: неверный Content-Type
	req = httptest.NewRequest(http.MethodPost, "/api/v1/multipart", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_AuthExclusions(t *testing.T) {
	router := newTestRouter(t, testConfig(), requireToken)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/upload", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	router := newTestRouter(t, cfg, requireToken)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/files/abc", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	req.Header.Set("Access-Control-Request-Headers", "Upload-Offset, Tus-Resumable")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Tus-Version"))
}

func TestRouter_WithoutBasePath(t *testing.T) {
	cfg := testConfig()
	cfg.BasePath = ""
	router := newTestRouter(t, cfg, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/files", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestJWTAuthWithExclusions(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h := JWTAuthWithExclusions(requireToken, "/health/")(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)

	called = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
