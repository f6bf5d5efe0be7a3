// info.go — обработчик GET {base}/info (параметры движка загрузок).
// Публичный endpoint для клиентов: лимиты, протоколы, контрольные суммы.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/upload-module/internal/config"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
)

// CapacityFunc возвращает ёмкость хранилища: total, used, available в байтах.
type CapacityFunc func() (total, used, available int64, err error)

// CapacityInfo — ёмкость хранилища.
type CapacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// ServiceInfo — ответ GET /info.
type ServiceInfo struct {
	ServiceID          string        `json:"service_id"`
	Version            string        `json:"version"`
	Status             string        `json:"status"`
	Storage            string        `json:"storage"`
	MetaStore          string        `json:"meta_store"`
	Protocols          []string      `json:"protocols"`
	TusVersion         string        `json:"tus_version"`
	TusExtensions      string        `json:"tus_extensions"`
	MaxUploadSize      int64         `json:"max_upload_size"`
	ChecksumAlgorithms []string      `json:"checksum_algorithms"`
	FileChecksum       string        `json:"file_checksum,omitempty"`
	ExpirationMaxAge   string        `json:"expiration_max_age,omitempty"`
	Capacity           *CapacityInfo `json:"capacity,omitempty"`
}

// InfoHandler — обработчик информации о сервисе.
type InfoHandler struct {
	cfg      *config.Config
	storage  storage.Storage
	capacity CapacityFunc
	logger   *slog.Logger
}

// NewInfoHandler создаёт обработчик информации о сервисе.
// capacity может быть nil (ёмкость не сообщается).
func NewInfoHandler(cfg *config.Config, store storage.Storage, capacity CapacityFunc, logger *slog.Logger) *InfoHandler {
	return &InfoHandler{
		cfg:      cfg,
		storage:  store,
		capacity: capacity,
		logger:   logger.With(slog.String("component", "info")),
	}
}

// GetInfo обрабатывает GET /info.
func (h *InfoHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	opts := h.storage.Config()

	status := "online"
	if !h.storage.Ready() {
		status = "unavailable"
	}

	resp := ServiceInfo{
		ServiceID:          h.cfg.ServiceID,
		Version:            config.Version,
		Status:             status,
		Storage:            h.cfg.Storage,
		MetaStore:          h.cfg.MetaStore,
		Protocols:          []string{protocolUploadx, protocolTus, protocolMultipart},
		TusVersion:         TusVersion,
		TusExtensions:      TusExtensions,
		MaxUploadSize:      opts.MaxUploadSize,
		ChecksumAlgorithms: checksum.Supported(),
		FileChecksum:       opts.Checksum,
	}
	if opts.Expiration.MaxAge > 0 {
		resp.ExpirationMaxAge = opts.Expiration.MaxAge.String()
	}

	if h.capacity != nil {
		total, used, available, err := h.capacity()
		if err != nil {
			h.logger.Warn("Не удалось получить ёмкость хранилища", slog.String("error", err.Error()))
		} else {
			resp.Capacity = &CapacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
