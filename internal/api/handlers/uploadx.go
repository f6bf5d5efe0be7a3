// uploadx.go — протокол загрузки со смещениями (upload_id в query).
//
//	POST   /upload                 создание, метаданные в JSON и X-Upload-*
//	PATCH  /upload?upload_id=...   обновление метаданных
//	PUT    /upload?upload_id=...   фрагмент с Content-Range или запрос состояния
//	GET    /upload[?upload_id=...] загрузка или список загрузок пользователя
//	DELETE /upload?upload_id=...   удаление
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
)

// Параметры и заголовки протокола.
const (
	uploadIDParam        = "upload_id"
	headerContentLength  = "X-Upload-Content-Length"
	headerContentType    = "X-Upload-Content-Type"
	defaultResumeStatus  = http.StatusPermanentRedirect
	protocolUploadx      = "uploadx"
	headerContentRange   = "Content-Range"
	headerRange          = "Range"
	headerDigest         = "Digest"
	headerLocation       = "Location"
	headerCacheControl   = "Cache-Control"
	cacheControlNoStore  = "no-store"
	contentRangeWildcard = "*"
)

var (
	// contentRangeRe — "bytes 0-99/1000", "bytes 0-99/*"
	contentRangeRe = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+|\*)$`)
	// contentRangeStatusRe — "bytes */1000", "bytes */*"
	contentRangeStatusRe = regexp.MustCompile(`^bytes \*/(\d+|\*)$`)
)

// UploadxHandler — обработчик протокола со смещениями.
type UploadxHandler struct {
	*BaseHandler
	resumeStatus int
	ops          map[string]Operation
}

// NewUploadxHandler создаёт обработчик протокола со смещениями.
func NewUploadxHandler(store storage.Storage, bus *events.Bus, opts Options, logger *slog.Logger) *UploadxHandler {
	h := &UploadxHandler{
		BaseHandler: newBaseHandler(store, bus, protocolUploadx, opts,
			[]string{headerLocation, headerRange, headerContentRange}, logger),
		resumeStatus: opts.ResumeStatus,
	}
	if h.resumeStatus == 0 {
		h.resumeStatus = defaultResumeStatus
	}
	h.ops = map[string]Operation{
		http.MethodPost:   h.create,
		http.MethodPatch:  h.update,
		http.MethodPut:    h.write,
		http.MethodGet:    h.get,
		http.MethodDelete: h.delete,
	}
	return h
}

// ServeHTTP обрабатывает запрос протокола.
func (h *UploadxHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Serve(w, r, h.ops)
}

// create обрабатывает POST: создание загрузки или возврат существующей.
func (h *UploadxHandler) create(w http.ResponseWriter, r *http.Request) (*Result, error) {
	meta, err := decodeJSON(w, r)
	if err != nil {
		return nil, err
	}

	init := model.FileInit{
		ContentType: r.Header.Get(headerContentType),
		Size:        -1,
		Metadata:    meta,
		UserID:      userID(r),
	}
	if v := r.Header.Get(headerContentLength); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный заголовок %s", headerContentLength)
		}
		init.Size = size
	}

	u, err := h.storage.Create(r.Context(), init)
	if err != nil {
		return nil, err
	}

	status := http.StatusOK
	if u.Transitioned() && u.Status == model.StatusCreated {
		status = http.StatusCreated
	}
	header := http.Header{}
	header.Set(headerLocation, h.location(r, u.ID))
	if rng := rangeHeader(u); rng != "" && !u.IsCompleted() {
		header.Set(headerRange, rng)
	}
	return &Result{StatusCode: status, Header: header, Body: u, Uploads: []*model.Upload{u}}, nil
}

// update обрабатывает PATCH: объединение метаданных.
func (h *UploadxHandler) update(w http.ResponseWriter, r *http.Request) (*Result, error) {
	id, err := uploadID(r)
	if err != nil {
		return nil, err
	}
	meta, err := decodeJSON(w, r)
	if err != nil {
		return nil, err
	}
	u, err := h.storage.Update(r.Context(), query(r, id), meta)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(headerLocation, h.location(r, u.ID))
	return &Result{StatusCode: http.StatusOK, Header: header, Body: u, Uploads: []*model.Upload{u}}, nil
}

// write обрабатывает PUT: запись фрагмента или запрос состояния.
// Незавершённая загрузка отвечает статусом resumeStatus с Range.
func (h *UploadxHandler) write(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	id, err := uploadID(r)
	if err != nil {
		return nil, err
	}

	part, err := parseContentRange(r.Header.Get(headerContentRange), r.ContentLength)
	if err != nil {
		return nil, err
	}
	part.ID = id
	part.UserID = userID(r)
	if part.Body != nil {
		part.Body = r.Body
		sum, err := checksum.ParseDigest(r.Header.Get(headerDigest))
		if err != nil {
			return nil, err
		}
		part.Checksum = sum
	}

	u, err := h.storage.Write(r.Context(), part)
	if err != nil {
		return nil, h.withCurrentHeader(r.Context(), err, query(r, id), func(e *apierrors.Error, cur *model.Upload) *apierrors.Error {
			if rng := rangeHeader(cur); rng != "" {
				return e.WithHeader(headerRange, rng)
			}
			return e
		})
	}

	if u.Status == model.StatusCompleted {
		return &Result{StatusCode: http.StatusOK, Body: u, Uploads: []*model.Upload{u}}, nil
	}
	header := http.Header{}
	if rng := rangeHeader(u); rng != "" {
		header.Set(headerRange, rng)
	}
	return &Result{StatusCode: h.resumeStatus, Header: header, Uploads: []*model.Upload{u}}, nil
}

// get обрабатывает GET: загрузка по upload_id или список загрузок пользователя.
func (h *UploadxHandler) get(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	header := http.Header{}
	header.Set(headerCacheControl, cacheControlNoStore)

	id := r.URL.Query().Get(uploadIDParam)
	if id == "" {
		items, err := h.storage.List(r.Context(), userID(r))
		if err != nil {
			return nil, err
		}
		return &Result{StatusCode: http.StatusOK, Header: header, Body: listResponse{Items: items}}, nil
	}

	u, err := h.storage.Get(r.Context(), query(r, id))
	if err != nil {
		return nil, err
	}
	if rng := rangeHeader(u); rng != "" {
		header.Set(headerRange, rng)
	}
	return &Result{StatusCode: http.StatusOK, Header: header, Body: u}, nil
}

// delete обрабатывает DELETE.
func (h *UploadxHandler) delete(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	id, err := uploadID(r)
	if err != nil {
		return nil, err
	}
	deleted, err := h.storage.Delete(r.Context(), query(r, id))
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: http.StatusNoContent, Uploads: deleted}, nil
}

// location возвращает адрес продолжения загрузки.
func (h *UploadxHandler) location(r *http.Request, id string) string {
	return r.URL.Path + "?" + url.Values{uploadIDParam: {id}}.Encode()
}

// listResponse — ответ со списком загрузок.
type listResponse struct {
	Items []*model.Upload `json:"items"`
}

// uploadID извлекает обязательный upload_id из query.
func uploadID(r *http.Request) (string, error) {
	id := r.URL.Query().Get(uploadIDParam)
	if id == "" {
		return "", apierrors.Newf(apierrors.CodeBadRequest, "Отсутствует параметр %s", uploadIDParam)
	}
	return id, nil
}

// rangeHeader возвращает "bytes=0-N" для принятых байтов или пустую строку.
func rangeHeader(u *model.Upload) string {
	if u.BytesWritten <= 0 {
		return ""
	}
	return fmt.Sprintf("bytes=0-%d", u.BytesWritten-1)
}

// parseContentRange разбирает Content-Range запроса PUT.
// Body в результате — признак наличия тела (nil — запрос состояния).
func parseContentRange(header string, contentLength int64) (model.FilePart, error) {
	part := model.FilePart{Size: -1, ContentLength: contentLength}

	if header == "" {
		if contentLength == 0 {
			return part, nil
		}
		part.Body = http.NoBody
		return part, nil
	}

	if m := contentRangeStatusRe.FindStringSubmatch(header); m != nil {
		if m[1] != contentRangeWildcard {
			size, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return part, apierrors.New(apierrors.CodeInvalidRange, "Некорректный заголовок Content-Range")
			}
			part.Size = size
		}
		return part, nil
	}

	m := contentRangeRe.FindStringSubmatch(header)
	if m == nil {
		return part, apierrors.New(apierrors.CodeInvalidRange, "Некорректный заголовок Content-Range")
	}
	start, errStart := strconv.ParseInt(m[1], 10, 64)
	end, errEnd := strconv.ParseInt(m[2], 10, 64)
	if errStart != nil || errEnd != nil || end < start {
		return part, apierrors.New(apierrors.CodeInvalidRange, "Некорректный диапазон Content-Range")
	}
	if m[3] != contentRangeWildcard {
		size, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil || end >= size {
			return part, apierrors.New(apierrors.CodeInvalidRange, "Диапазон Content-Range выходит за размер файла")
		}
		part.Size = size
	}

	length := end - start + 1
	if contentLength >= 0 && contentLength != length {
		return part, apierrors.Newf(apierrors.CodeInvalidRange,
			"Длина тела %d не совпадает с диапазоном Content-Range (%d)", contentLength, length)
	}
	part.Start = start
	part.ContentLength = length
	part.Body = http.NoBody
	return part, nil
}
