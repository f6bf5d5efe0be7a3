// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/upload-module/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// ReadinessChecker — интерфейс для проверки готовности бэкенда хранения.
type ReadinessChecker interface {
	Ready() bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	service string
	// dataDir — директория данных или временных частей (для проверки FS)
	dataDir string
	// storage — бэкенд хранения загрузок
	storage ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// dataDir может быть пустым: проверка файловой системы не выполняется.
func NewHealthHandler(serviceID, dataDir string, storage ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		service: serviceID,
		dataDir: dataDir,
		storage: storage,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   h.service,
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: готовность бэкенда хранения, файловая система.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	storageCheck := map[string]any{"status": "ok"}
	if h.storage != nil && !h.storage.Ready() {
		storageCheck = map[string]any{
			"status":  statusFail,
			"message": "Хранилище загрузок недоступно",
		}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   h.service,
		"checks": map[string]any{
			"storage":    storageCheck,
			"filesystem": fsCheck,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkFilesystem проверяет доступность директории данных на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.dataDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.dataDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория данных недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
