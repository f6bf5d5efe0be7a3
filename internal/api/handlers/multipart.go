// multipart.go — однократная загрузка multipart/form-data.
// Поля формы до файла становятся метаданными, поле file — содержимым.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
)

const (
	protocolMultipart = "multipart"
	// fileField — имя поля формы с содержимым файла
	fileField = "file"
	// metadataField — поле формы с метаданными в JSON
	metadataField = "metadata"
	// maxFieldSize — предельный размер обычного поля формы
	maxFieldSize = 64 << 10
)

// MultipartHandler — обработчик однократной загрузки.
type MultipartHandler struct {
	*BaseHandler
	collection map[string]Operation
	item       map[string]Operation
}

// NewMultipartHandler создаёт обработчик однократной загрузки.
func NewMultipartHandler(store storage.Storage, bus *events.Bus, opts Options, logger *slog.Logger) *MultipartHandler {
	h := &MultipartHandler{
		BaseHandler: newBaseHandler(store, bus, protocolMultipart, opts, []string{headerLocation}, logger),
	}
	h.collection = map[string]Operation{http.MethodPost: h.upload}
	h.item = map[string]Operation{http.MethodDelete: h.delete}
	return h
}

// Routes возвращает маршруты: / и /{id}.
func (h *MultipartHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		h.Serve(w, req, h.collection)
	})
	r.HandleFunc("/{id}", func(w http.ResponseWriter, req *http.Request) {
		h.Serve(w, req, h.item)
	})
	return r
}

// upload обрабатывает POST: потоковое чтение формы и запись файла целиком.
func (h *MultipartHandler) upload(w http.ResponseWriter, r *http.Request) (*Result, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, apierrors.New(apierrors.CodeUnsupportedMediaType, "Ожидается Content-Type multipart/form-data")
	}
	if limit := h.storage.Config().MaxUploadSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+maxFieldSize)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeBadRequest, err, "Некорректное тело multipart")
	}

	meta := map[string]any{}
	for {
		p, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "Поле '%s' обязательно", fileField)
		}
		if err != nil {
			return nil, h.readError(r.Context(), err)
		}

		if p.FormName() != fileField {
			if err := readField(p, meta); err != nil {
				return nil, err
			}
			continue
		}
		return h.store(r, p.FileName(), p.Header.Get("Content-Type"), p, meta)
	}
}

// store создаёт загрузку и записывает в неё содержимое поля file.
func (h *MultipartHandler) store(r *http.Request, filename, contentType string, body io.Reader, meta map[string]any) (*Result, error) {
	ctx := r.Context()
	u, err := h.storage.Create(ctx, model.FileInit{
		OriginalName: filename,
		ContentType:  contentType,
		Size:         -1,
		Metadata:     meta,
		UserID:       userID(r),
	})
	if err != nil {
		return nil, err
	}

	written, err := h.storage.Write(ctx, model.FilePart{
		ID:            u.ID,
		UserID:        u.UserID,
		Body:          body,
		ContentLength: -1,
		Size:          -1,
		Final:         true,
	})
	if err != nil {
		h.discard(ctx, u)
		if apierrors.HasCode(err, apierrors.CodeFileConflict) {
			return nil, apierrors.Wrap(apierrors.CodeRequestEntityTooLarge, err, "Файл превышает допустимый размер")
		}
		return nil, err
	}
	if !written.IsCompleted() {
		h.discard(ctx, u)
		return nil, apierrors.New(apierrors.CodeRequestAborted, "Запрос прерван клиентом")
	}

	header := http.Header{}
	header.Set(headerLocation, strings.TrimSuffix(r.URL.Path, "/")+"/"+written.ID)
	return &Result{
		StatusCode: http.StatusCreated,
		Header:     header,
		Body:       written,
		Uploads:    []*model.Upload{u, written},
	}, nil
}

// delete обрабатывает DELETE /{id}.
func (h *MultipartHandler) delete(_ http.ResponseWriter, r *http.Request) (*Result, error) {
	deleted, err := h.storage.Delete(r.Context(), query(r, chi.URLParam(r, "id")))
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: http.StatusNoContent, Uploads: deleted}, nil
}

// discard удаляет незавершённую однократную загрузку.
func (h *MultipartHandler) discard(ctx context.Context, u *model.Upload) {
	if _, err := h.storage.Delete(context.WithoutCancel(ctx), model.FileQuery{ID: u.ID, UserID: u.UserID}); err != nil {
		h.logger.Warn("Ошибка удаления незавершённой загрузки",
			slog.String("id", u.ID),
			slog.String("error", err.Error()),
		)
	}
}

// readError преобразует ошибку чтения формы.
func (h *MultipartHandler) readError(ctx context.Context, err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apierrors.Wrap(apierrors.CodeRequestEntityTooLarge, err, "Тело запроса превышает допустимый размер")
	case storage.IsAborted(ctx, err):
		return apierrors.Wrap(apierrors.CodeRequestAborted, err, "Запрос прерван клиентом")
	}
	return apierrors.Wrap(apierrors.CodeBadRequest, err, "Некорректное тело multipart")
}

// readField добавляет обычное поле формы в метаданные.
// Поле metadata разбирается как JSON-объект и объединяется с остальными.
func readField(part *multipart.Part, meta map[string]any) error {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return apierrors.Wrap(apierrors.CodeBadRequest, err, "Ошибка чтения поля формы")
	}
	if len(data) > maxFieldSize {
		return apierrors.Newf(apierrors.CodeRequestEntityTooLarge, "Поле '%s' превышает допустимый размер", part.FormName())
	}

	if part.FormName() == metadataField {
		var extra map[string]any
		if err := json.Unmarshal(data, &extra); err != nil {
			return apierrors.Newf(apierrors.CodeBadRequest, "Некорректный JSON в поле '%s'", metadataField)
		}
		maps.Copy(meta, extra)
		return nil
	}
	meta[part.FormName()] = string(data)
	return nil
}
