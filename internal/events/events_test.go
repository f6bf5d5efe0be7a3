package events

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestBus_EmitOrder проверяет доставку событий в порядке подписки.
func TestBus_EmitOrder(t *testing.T) {
	bus := NewBus(testLogger())
	var got []string
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, "a:"+string(e.Type)) })
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, "b:"+string(e.Type)) })

	bus.Emit(context.Background(), Event{Type: TypeCreated, Upload: &model.Upload{ID: "x"}})

	if len(got) != 2 || got[0] != "a:created" || got[1] != "b:created" {
		t.Errorf("порядок доставки: получено %v", got)
	}
}

// TestBus_Unsubscribe проверяет отписку, включая повторный вызов.
func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	calls := 0
	unsubscribe := bus.Subscribe(func(context.Context, Event) { calls++ })

	bus.Emit(context.Background(), Event{Type: TypePart})
	unsubscribe()
	unsubscribe()
	bus.Emit(context.Background(), Event{Type: TypePart})

	if calls != 1 {
		t.Errorf("после отписки события не должны доставляться, вызовов: %d", calls)
	}
	if bus.Len() != 0 {
		t.Errorf("подписчиков: ожидалось 0, получено %d", bus.Len())
	}
}

// TestBus_PanicIsolated проверяет, что паника подписчика не прерывает рассылку.
func TestBus_PanicIsolated(t *testing.T) {
	bus := NewBus(testLogger())
	delivered := false
	bus.Subscribe(func(context.Context, Event) { panic("сбой") })
	bus.Subscribe(func(context.Context, Event) { delivered = true })

	bus.Emit(context.Background(), Event{Type: TypeDeleted})

	if !delivered {
		t.Error("второй подписчик должен получить событие")
	}
}

// TestBus_EmitSetsTime проверяет заполнение времени события.
func TestBus_EmitSetsTime(t *testing.T) {
	bus := NewBus(testLogger())
	var got Event
	bus.Subscribe(func(_ context.Context, e Event) { got = e })
	bus.Emit(context.Background(), Event{Type: TypeUpdated})
	if got.Time.IsZero() {
		t.Error("время события должно быть заполнено")
	}
}

// TestNewError проверяет событие ошибки запроса.
func TestNewError(t *testing.T) {
	e := NewError("tus", http.MethodPatch, "/files/abc", apierrors.New(apierrors.CodeFileLocked, "занято"))
	if e.Type != TypeError || e.Error == nil {
		t.Fatalf("ожидалось событие ошибки, получено %+v", e)
	}
	if e.Error.Status != http.StatusLocked || e.Error.Method != http.MethodPatch || e.Error.URL != "/files/abc" {
		t.Errorf("атрибуты ошибки: получено %+v", e.Error)
	}
}

// TestFromStatus проверяет соответствие статусов и типов событий.
func TestFromStatus(t *testing.T) {
	tests := []struct {
		status model.UploadStatus
		want   Type
	}{
		{model.StatusCreated, TypeCreated},
		{model.StatusPart, TypePart},
		{model.StatusCompleted, TypeCompleted},
		{model.StatusDeleted, TypeDeleted},
		{model.StatusUpdated, TypeUpdated},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status); got != tt.want {
			t.Errorf("FromStatus(%q) = %q, ожидалось %q", tt.status, got, tt.want)
		}
	}
}
