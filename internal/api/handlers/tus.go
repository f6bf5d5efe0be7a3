// tus.go — протокол tus 1.0.0.
// Расширения: creation, creation-with-upload, creation-defer-length,
// termination, checksum, expiration.
package handlers

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
)

// TusVersion — поддерживаемая версия протокола.
const TusVersion = "1.0.0"

// TusExtensions — поддерживаемые расширения протокола.
const TusExtensions = "creation,creation-with-upload,creation-defer-length,termination,checksum,expiration"

// Заголовки tus.
const (
	headerTusResumable      = "Tus-Resumable"
	headerTusVersion        = "Tus-Version"
	headerTusExtension      = "Tus-Extension"
	headerTusMaxSize        = "Tus-Max-Size"
	headerTusChecksumAlg    = "Tus-Checksum-Algorithm"
	headerUploadOffset      = "Upload-Offset"
	headerUploadLength      = "Upload-Length"
	headerUploadDeferLength = "Upload-Defer-Length"
	headerUploadMetadata    = "Upload-Metadata"
	headerUploadChecksum    = "Upload-Checksum"
	headerUploadExpires     = "Upload-Expires"
	headerMethodOverride    = "X-HTTP-Method-Override"
	contentTypeOffset       = "application/offset+octet-stream"
	protocolTus             = "tus"
)

// TusHandler — обработчик протокола tus.
type TusHandler struct {
	*BaseHandler
	collection map[string]Operation
	item       map[string]Operation
}

// NewTusHandler создаёт обработчик протокола tus.
func NewTusHandler(store storage.Storage, bus *events.Bus, opts Options, logger *slog.Logger) *TusHandler {
	h := &TusHandler{
		BaseHandler: newBaseHandler(store, bus, protocolTus, opts, []string{
			headerLocation, headerTusResumable, headerTusVersion, headerTusExtension,
			headerTusMaxSize, headerTusChecksumAlg, headerUploadOffset, headerUploadLength,
			headerUploadDeferLength, headerUploadMetadata, headerUploadExpires,
		}, logger),
	}
	h.collection = map[string]Operation{
		http.MethodOptions: h.options,
		http.MethodPost:    h.create,
	}
	h.item = map[string]Operation{
		http.MethodOptions: h.options,
		http.MethodHead:    h.head,
		http.MethodPatch:   h.patch,
		http.MethodDelete:  h.delete,
	}
	return h
}

// Routes возвращает маршруты протокола: / и /{id}.
func (h *TusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		h.serve(w, req, h.collection)
	})
	r.HandleFunc("/{id}", func(w http.ResponseWriter, req *http.Request) {
		h.serve(w, req, h.item)
	})
	return r
}

// serve проверяет версию протокола и передаёт запрос в общий слой.
func (h *TusHandler) serve(w http.ResponseWriter, r *http.Request, ops map[string]Operation) {
	w.Header().Set(headerTusResumable, TusVersion)

	if override := r.Header.Get(headerMethodOverride); override != "" && r.Method == http.MethodPost {
		r.Method = strings.ToUpper(override)
	}

	if r.Method != http.MethodOptions && r.Header.Get(headerTusResumable) != TusVersion {
		w.Header().Set(headerTusVersion, TusVersion)
		h.fail(w, r, apierrors.Newf(apierrors.CodeBadRequest, "Неподдерживаемая версия протокола, ожидается %s", TusVersion).
			WithStatus(http.StatusPreconditionFailed))
		return
	}
	h.Serve(w, r, ops)
}

// options обрабатывает OPTIONS: возможности сервера.
func (h *TusHandler) options(_ http.ResponseWriter, _ *http.Request) (*Result, error) {
	header := http.Header{}
	header.Set(headerTusVersion, TusVersion)
	header.Set(headerTusExtension, TusExtensions)
	header.Set(headerTusChecksumAlg, strings.Join(checksum.Supported(), ","))
	if limit := h.storage.Config().MaxUploadSize; limit > 0 {
		header.Set(headerTusMaxSize, strconv.FormatInt(limit, 10))
	}
	return &Result{StatusCode: http.StatusNoContent, Header: header}, nil
}

// create обрабатывает POST: создание загрузки, при наличии тела —
// с первым фрагментом (creation-with-upload).
func (h *TusHandler) create(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	size, err := uploadLength(r)
	if err != nil {
		return nil, err
	}
	meta, err := ParseMetadata(r.Header.Get(headerUploadMetadata))
	if err != nil {
		return nil, err
	}

	u, err := h.storage.Create(r.Context(), model.FileInit{
		Size:     size,
		Metadata: meta,
		UserID:   userID(r),
	})
	if err != nil {
		return nil, err
	}
	uploads := []*model.Upload{u}

	if r.Header.Get("Content-Type") == contentTypeOffset && r.ContentLength != 0 && !u.IsCompleted() {
		sum, err := checksum.ParseUploadChecksum(r.Header.Get(headerUploadChecksum))
		if err != nil {
			return nil, err
		}
		written, err := h.storage.Write(r.Context(), model.FilePart{
			ID:            u.ID,
			UserID:        u.UserID,
			Start:         u.BytesWritten,
			Body:          r.Body,
			ContentLength: r.ContentLength,
			Size:          -1,
			Checksum:      sum,
		})
		if err != nil {
			return nil, err
		}
		u = written
		uploads = append(uploads, written)
	}

	header := tusHeaders(u)
	header.Set(headerLocation, strings.TrimSuffix(r.URL.Path, "/")+"/"+u.ID)
	return &Result{StatusCode: http.StatusCreated, Header: header, Uploads: uploads}, nil
}

// head обрабатывает HEAD: смещение и метаданные загрузки.
func (h *TusHandler) head(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	u, err := h.storage.Get(r.Context(), query(r, chi.URLParam(r, "id")))
	if err != nil {
		return nil, err
	}
	header := tusHeaders(u)
	header.Set(headerCacheControl, cacheControlNoStore)
	if u.SizeIsDeferred {
		header.Set(headerUploadDeferLength, "1")
	} else {
		header.Set(headerUploadLength, strconv.FormatInt(u.Size, 10))
	}
	if len(u.Metadata) > 0 {
		header.Set(headerUploadMetadata, SerializeMetadata(u.Metadata))
	}
	return &Result{StatusCode: http.StatusOK, Header: header}, nil
}

// patch обрабатывает PATCH: запись фрагмента с Upload-Offset.
func (h *TusHandler) patch(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	if r.Header.Get("Content-Type") != contentTypeOffset {
		return nil, apierrors.Newf(apierrors.CodeUnsupportedMediaType, "Ожидается Content-Type %s", contentTypeOffset)
	}
	offset, err := strconv.ParseInt(r.Header.Get(headerUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerUploadOffset)
	}
	sum, err := checksum.ParseUploadChecksum(r.Header.Get(headerUploadChecksum))
	if err != nil {
		return nil, err
	}

	part := model.FilePart{
		ID:            chi.URLParam(r, "id"),
		UserID:        userID(r),
		Start:         offset,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Size:          -1,
		Checksum:      sum,
	}
	if v := r.Header.Get(headerUploadLength); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerUploadLength)
		}
		part.Size = size
	}

	u, err := h.storage.Write(r.Context(), part)
	if err != nil {
		return nil, h.withCurrentHeader(r.Context(), err, query(r, part.ID), func(e *apierrors.Error, cur *model.Upload) *apierrors.Error {
			return e.WithHeader(headerUploadOffset, strconv.FormatInt(cur.BytesWritten, 10))
		})
	}
	return &Result{StatusCode: http.StatusNoContent, Header: tusHeaders(u), Uploads: []*model.Upload{u}}, nil
}

// delete обрабатывает DELETE (termination).
func (h *TusHandler) delete(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	deleted, err := h.storage.Delete(r.Context(), query(r, chi.URLParam(r, "id")))
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: http.StatusNoContent, Uploads: deleted}, nil
}

// tusHeaders возвращает Upload-Offset и Upload-Expires загрузки.
func tusHeaders(u *model.Upload) http.Header {
	header := http.Header{}
	header.Set(headerUploadOffset, strconv.FormatInt(u.BytesWritten, 10))
	if u.ExpiredAt != nil && !u.IsCompleted() {
		header.Set(headerUploadExpires, u.ExpiredAt.UTC().Format(http.TimeFormat))
	}
	return header
}

// uploadLength извлекает Upload-Length или Upload-Defer-Length.
// Возвращает -1 для отложенного размера.
func uploadLength(r *http.Request) (int64, error) {
	length := r.Header.Get(headerUploadLength)
	deferLength := r.Header.Get(headerUploadDeferLength)

	switch {
	case length != "" && deferLength != "":
		return 0, apierrors.Newf(apierrors.CodeBadRequest, "Заголовки %s и %s взаимоисключающие", headerUploadLength, headerUploadDeferLength)
	case deferLength != "":
		if deferLength != "1" {
			return 0, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerUploadDeferLength)
		}
		return -1, nil
	case length == "":
		return 0, apierrors.Newf(apierrors.CodeBadRequest, "Отсутствует заголовок %s", headerUploadLength)
	}

	size, err := strconv.ParseInt(length, 10, 64)
	if err != nil || size < 0 {
		return 0, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerUploadLength)
	}
	return size, nil
}

// ParseMetadata разбирает Upload-Metadata: "key base64(value),key2 base64(value2)".
// Ключ без значения получает пустую строку.
func ParseMetadata(header string) (map[string]any, error) {
	meta := make(map[string]any)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(header, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(pair), " ")
		if key == "" {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerUploadMetadata)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректное значение %q в %s", key, headerUploadMetadata)
		}
		meta[key] = string(decoded)
	}
	return meta, nil
}

// SerializeMetadata формирует Upload-Metadata; ключи упорядочены.
func SerializeMetadata(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		var value string
		switch v := meta[k].(type) {
		case string:
			value = v
		case nil:
		default:
			value = fmt.Sprint(v)
		}
		if value == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}
	return strings.Join(pairs, ",")
}
