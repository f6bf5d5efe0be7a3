// handler.go — общий слой обработчиков протоколов загрузки.
// Таблица методов, проверка готовности хранилища, хуки и события
// жизненного цикла, единая обработка ошибок.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
)

// maxJSONBody — предельный размер JSON-тела запроса с метаданными.
const maxJSONBody = 1 << 20

// Options — параметры обработчиков протоколов.
type Options struct {
	// TextErrors — ошибки простым текстом вместо JSON (UM_RESPONSE_MODE=text)
	TextErrors bool
	// ResumeStatus — статус «загрузка не завершена» протокола со смещениями
	ResumeStatus int
}

// Result — результат операции протокола.
type Result struct {
	StatusCode int
	Header     http.Header
	// Body — тело ответа в JSON; nil — без тела
	Body any
	// Uploads — загрузки, изменённые операцией, в порядке изменения
	Uploads []*model.Upload
}

// Operation — обработчик одного HTTP-метода протокола.
type Operation func(w http.ResponseWriter, r *http.Request) (*Result, error)

// BaseHandler — общая часть обработчиков протоколов.
type BaseHandler struct {
	storage  storage.Storage
	bus      *events.Bus
	protocol string
	opts     Options
	expose   string
	logger   *slog.Logger
}

// newBaseHandler создаёт общую часть обработчика протокола protocol.
// exposeHeaders — заголовки ответа, доступные браузерному клиенту.
func newBaseHandler(store storage.Storage, bus *events.Bus, protocol string, opts Options, exposeHeaders []string, logger *slog.Logger) *BaseHandler {
	return &BaseHandler{
		storage:  store,
		bus:      bus,
		protocol: protocol,
		opts:     opts,
		expose:   strings.Join(exposeHeaders, ", "),
		logger:   logger.With(slog.String("component", "handler"), slog.String("protocol", protocol)),
	}
}

// Serve выполняет операцию из таблицы ops для метода запроса.
func (h *BaseHandler) Serve(w http.ResponseWriter, r *http.Request, ops map[string]Operation) {
	if h.expose != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.expose)
	}

	if !h.storage.Ready() {
		h.fail(w, r, apierrors.New(apierrors.CodeStorageError, "Хранилище загрузок недоступно"))
		return
	}

	op, ok := ops[r.Method]
	if !ok {
		h.fail(w, r, apierrors.Newf(apierrors.CodeMethodNotAllowed, "Метод %s не поддерживается", r.Method).
			WithHeader("Allow", allowed(ops)))
		return
	}

	res, err := op(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body, err := h.finish(r.Context(), res)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	for k, v := range res.Header {
		w.Header()[k] = v
	}
	if body == nil || r.Method == http.MethodHead {
		w.WriteHeader(res.StatusCode)
		return
	}
	writeJSON(w, res.StatusCode, body)
}

// finish публикует события переходов и вызывает хуки жизненного цикла.
// Ненулевой результат хука заменяет тело ответа.
func (h *BaseHandler) finish(ctx context.Context, res *Result) (any, error) {
	body := res.Body
	hooks := h.storage.Config().Hooks

	for _, u := range res.Uploads {
		if u.Transitioned() {
			h.bus.Emit(ctx, events.Event{
				Type:     events.FromStatus(u.Status),
				Upload:   u,
				Protocol: h.protocol,
			})
		}

		var hook storage.Hook
		switch {
		case u.Status == model.StatusCompleted:
			hook = hooks.OnComplete
		case !u.Transitioned():
		case u.Status == model.StatusCreated:
			hook = hooks.OnCreate
		case u.Status == model.StatusUpdated:
			hook = hooks.OnUpdate
		case u.Status == model.StatusDeleted:
			hook = hooks.OnDelete
		}
		if hook == nil {
			continue
		}
		out, err := hook(ctx, u)
		if err != nil {
			return nil, err
		}
		if out != nil {
			body = out
		}
	}
	return body, nil
}

// fail логирует ошибку с атрибутами запроса, уведомляет подписчиков
// и записывает ответ.
func (h *BaseHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apierrors.FromError(err)

	level := slog.LevelWarn
	if e.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.LogAttrs(r.Context(), level, "Ошибка обработки запроса",
		slog.String("method", r.Method),
		slog.String("url", r.URL.String()),
		slog.Int("status", e.StatusCode),
		slog.String("code", string(e.Code)),
		slog.String("error", e.Error()),
		slog.Any("headers", loggedHeaders(r.Header)),
	)

	h.bus.Emit(r.Context(), events.NewError(h.protocol, r.Method, r.URL.String(), e))
	if onError := h.storage.Config().Hooks.OnError; onError != nil {
		onError(r.Context(), e)
	}

	apierrors.Write(w, e, h.opts.TextErrors)
}

// userID возвращает идентификатор владельца из контекста запроса.
func userID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// query строит адресацию загрузки id от имени автора запроса.
func query(r *http.Request, id string) model.FileQuery {
	return model.FileQuery{ID: id, UserID: userID(r)}
}

// withCurrentHeader дополняет ошибку конфликта заголовком с текущим
// смещением загрузки, чтобы клиент мог продолжить с верной позиции.
func (h *BaseHandler) withCurrentHeader(ctx context.Context, err error, q model.FileQuery, set func(e *apierrors.Error, u *model.Upload) *apierrors.Error) error {
	e, ok := apierrors.As(err)
	if !ok || e.Code != apierrors.CodeFileConflict {
		return err
	}
	u, getErr := h.storage.Get(ctx, q)
	if getErr != nil {
		return err
	}
	return set(e, u)
}

// allowed возвращает список методов таблицы для заголовка Allow.
func allowed(ops map[string]Operation) string {
	methods := make([]string, 0, len(ops))
	for m := range ops {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// loggedHeaders возвращает заголовки запроса без учётных данных.
func loggedHeaders(header http.Header) http.Header {
	c := header.Clone()
	c.Del("Authorization")
	c.Del("Cookie")
	return c
}

// decodeJSON читает JSON-объект метаданных из тела запроса.
// Пустое тело — пустые метаданные.
func decodeJSON(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, apierrors.Newf(apierrors.CodeBadRequest, "Некорректный JSON: %s", err.Error())
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
