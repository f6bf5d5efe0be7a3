// Пакет events — события жизненного цикла загрузок и список подписчиков.
// Каждое событие публикуется один раз на переход загрузки в новый статус.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// Type — тип события.
type Type string

const (
	TypeCreated   Type = "created"
	TypePart      Type = "part"
	TypeCompleted Type = "completed"
	TypeDeleted   Type = "deleted"
	TypeUpdated   Type = "updated"
	TypeError     Type = "error"
)

// Event — событие жизненного цикла.
type Event struct {
	Type   Type          `json:"type"`
	Upload *model.Upload `json:"upload,omitempty"`
	// Error заполнено для TypeError
	Error *ErrorInfo `json:"error,omitempty"`
	// Protocol — протокол, обработавший запрос (uploadx, tus, multipart)
	Protocol string    `json:"protocol,omitempty"`
	Time     time.Time `json:"time"`
}

// ErrorInfo — ошибка обработки запроса с атрибутами исходного запроса.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Method  string `json:"method"`
	URL     string `json:"url"`
}

// FromStatus возвращает тип события для статуса загрузки.
func FromStatus(status model.UploadStatus) Type {
	return Type(status)
}

// NewError строит событие ошибки запроса.
func NewError(protocol, method, url string, err *apierrors.Error) Event {
	return Event{
		Type:     TypeError,
		Protocol: protocol,
		Time:     time.Now().UTC(),
		Error: &ErrorInfo{
			Code:    string(err.Code),
			Message: err.Message,
			Status:  err.StatusCode,
			Method:  method,
			URL:     url,
		},
	}
}

// Observer — подписчик на события. Вызывается синхронно из Emit.
type Observer func(ctx context.Context, e Event)

// Bus — список подписчиков.
type Bus struct {
	mu        sync.RWMutex
	next      uint64
	observers map[uint64]Observer
	logger    *slog.Logger
}

// NewBus создаёт пустой список подписчиков.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		observers: make(map[uint64]Observer),
		logger:    logger.With(slog.String("component", "events")),
	}
}

// Subscribe добавляет подписчика и возвращает функцию отписки.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = o
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.observers, id)
			b.mu.Unlock()
		})
	}
}

// Len возвращает количество подписчиков.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Emit передаёт событие подписчикам в порядке подписки.
// Паника подписчика логируется и не прерывает рассылку.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.observers))
	for id := range b.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, b.observers[id])
	}
	b.mu.RUnlock()

	for _, o := range observers {
		b.call(ctx, o, e)
	}
}

func (b *Bus) call(ctx context.Context, o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Паника подписчика событий",
				slog.String("type", string(e.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	o(ctx, e)
}
