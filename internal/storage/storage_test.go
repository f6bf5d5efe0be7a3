package storage

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/meta"
)

// memStore — хранилище метаданных в памяти со счётчиками вызовов.
type memStore struct {
	mu      sync.Mutex
	records map[string]*model.Upload
	saves   int
	touches int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*model.Upload)}
}

func (m *memStore) Save(_ context.Context, id string, u *model.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.records[id] = u.Clone()
	return nil
}

func (m *memStore) Touch(_ context.Context, id string, u *model.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	m.records[id] = u.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.records[id]
	if !ok {
		return nil, apierrors.New(apierrors.CodeFileNotFound, "не найдено")
	}
	return u.Clone(), nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]meta.ListItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []meta.ListItem
	for id, u := range m.records {
		if strings.HasPrefix(id, prefix) {
			items = append(items, meta.ListItem{ID: id, UserID: u.UserID, CreatedAt: u.CreatedAt, ModifiedAt: u.ModifiedAt})
		}
	}
	return items, nil
}

func (m *memStore) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock — управляемый источник времени.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBase(t *testing.T, opts Options) (*Base, *memStore) {
	t.Helper()
	store := newMemStore()
	opts.Meta = store
	b, err := NewBase("test", opts, testLogger())
	if err != nil {
		t.Fatalf("ошибка создания Base: %v", err)
	}
	return b, store
}

// TestSaveMeta_TouchOnVolatileChange проверяет, что изменение только
// изменчивых полей не вызывает полной перезаписи.
func TestSaveMeta_TouchOnVolatileChange(t *testing.T) {
	b, store := newTestBase(t, Options{})
	ctx := context.Background()

	u := model.NewUpload(model.FileInit{Size: 10}, time.Now())
	u.Name = u.ID
	if err := b.SaveMeta(ctx, u); err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}

	u.BytesWritten = 5
	if err := b.SaveMeta(ctx, u); err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}
	if store.saves != 1 || store.touches != 1 {
		t.Errorf("ожидалось 1 save и 1 touch, получено %d и %d", store.saves, store.touches)
	}

	u.MergeMetadata(map[string]any{"tag": "x"})
	if err := b.SaveMeta(ctx, u); err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}
	if store.saves != 2 {
		t.Errorf("изменение метаданных должно вызывать save, получено saves=%d", store.saves)
	}
}

func TestNewBase_Errors(t *testing.T) {
	if _, err := NewBase("test", Options{}, testLogger()); err == nil {
		t.Error("без хранилища метаданных ожидалась ошибка")
	}
	if _, err := NewBase("test", Options{Meta: newMemStore(), Checksum: "whirlpool"}, testLogger()); err == nil {
		t.Error("неподдерживаемый алгоритм должен отклоняться")
	}
}

// TestPrepare_MIMERejected проверяет отказ по типу файла.
func TestPrepare_MIMERejected(t *testing.T) {
	b, _ := newTestBase(t, Options{AllowMIME: []string{"video/*"}})

	_, _, err := b.Prepare(context.Background(), model.FileInit{Size: 10, ContentType: "text/json"})
	if !apierrors.HasCode(err, apierrors.CodeFileNotAllowed) {
		t.Fatalf("ожидалась ошибка FILE_NOT_ALLOWED, получено %v", err)
	}

	if _, _, err := b.Prepare(context.Background(), model.FileInit{Size: 10, ContentType: "video/mp4"}); err != nil {
		t.Errorf("video/mp4 должен проходить: %v", err)
	}
}

func TestPrepare_SizeRejected(t *testing.T) {
	b, _ := newTestBase(t, Options{MaxUploadSize: 100})
	_, _, err := b.Prepare(context.Background(), model.FileInit{Size: 101})
	if e, ok := apierrors.As(err); !ok || e.StatusCode != 413 {
		t.Fatalf("ожидался статус 413, получено %v", err)
	}
}

// TestPrepare_ExpirationSet проверяет вычисление срока жизни при создании.
func TestPrepare_ExpirationSet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, _ := newTestBase(t, Options{Now: clock.Now, Expiration: Expiration{MaxAge: time.Hour}})

	u, _, err := b.Prepare(context.Background(), model.FileInit{Size: 1})
	if err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if u.ExpiredAt == nil || !u.ExpiredAt.Equal(clock.now.Add(time.Hour)) {
		t.Errorf("ExpiredAt: ожидалось %v, получено %v", clock.now.Add(time.Hour), u.ExpiredAt)
	}
}

func TestChunkLimit(t *testing.T) {
	b, _ := newTestBase(t, Options{MaxUploadSize: 50})

	known := &model.Upload{Size: 10}
	tests := []struct {
		name     string
		u        *model.Upload
		part     model.FilePart
		want     int64
		conflict bool
	}{
		{"остаток файла", known, model.FilePart{Start: 4, ContentLength: -1}, 6, false},
		{"длина фрагмента", known, model.FilePart{Start: 4, ContentLength: 3}, 3, false},
		{"выход за размер", known, model.FilePart{Start: 4, ContentLength: 7}, 0, true},
		{"неизвестный размер", &model.Upload{SizeIsDeferred: true}, model.FilePart{Start: 10, ContentLength: -1}, 40, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ChunkLimit(tt.u, tt.part)
			if tt.conflict {
				if !apierrors.HasCode(err, apierrors.CodeFileConflict) {
					t.Errorf("ожидалась ошибка FILE_CONFLICT, получено %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ожидалось %d, получено %d (%v)", tt.want, got, err)
			}
		})
	}
}

func TestReconcileSize(t *testing.T) {
	b, _ := newTestBase(t, Options{MaxUploadSize: 100})

	u := &model.Upload{ID: "a", Name: "a", SizeIsDeferred: true}
	if err := b.ReconcileSize(u, model.FilePart{Size: 20}); err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if u.SizeIsDeferred || u.Size != 20 {
		t.Errorf("размер должен зафиксироваться: size=%d deferred=%v", u.Size, u.SizeIsDeferred)
	}
	if err := b.ReconcileSize(u, model.FilePart{Size: 30}); !apierrors.HasCode(err, apierrors.CodeFileConflict) {
		t.Errorf("несовпадение размера: ожидалась ошибка FILE_CONFLICT, получено %v", err)
	}
	if err := b.ReconcileSize(u, model.FilePart{Size: -1}); err != nil {
		t.Errorf("без размера в запросе ошибки быть не должно: %v", err)
	}

	big := &model.Upload{ID: "b", Name: "b", SizeIsDeferred: true}
	if err := b.ReconcileSize(big, model.FilePart{Size: 200}); err == nil {
		t.Error("размер больше лимита должен отклоняться")
	}
}

// TestPurgeWith проверяет удаление только устаревших загрузок.
func TestPurgeWith(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, store := newTestBase(t, Options{Now: clock.Now})
	ctx := context.Background()

	old := &model.Upload{ID: "old", Name: "old", CreatedAt: clock.Now()}
	_ = b.SaveMeta(ctx, old)
	clock.Advance(2 * time.Hour)
	fresh := &model.Upload{ID: "fresh", Name: "fresh", CreatedAt: clock.Now()}
	_ = b.SaveMeta(ctx, fresh)
	clock.Advance(time.Hour)

	del := func(ctx context.Context, q model.FileQuery) ([]*model.Upload, error) {
		_ = b.DeleteMeta(ctx, q.ID)
		return []*model.Upload{{ID: q.ID, Status: model.StatusDeleted}}, nil
	}

	purged, err := b.PurgeWith(ctx, 2*time.Hour, "", del)
	if err != nil {
		t.Fatalf("ошибка очистки: %v", err)
	}
	if len(purged) != 1 || purged[0].ID != "old" {
		t.Fatalf("ожидалась очистка только old, получено %+v", purged)
	}
	if _, ok := store.records["fresh"]; !ok {
		t.Error("свежая загрузка не должна удаляться")
	}

	purged, _ = b.PurgeWith(ctx, 0, "", del)
	if len(purged) != 0 {
		t.Error("без maxAge и политики очистка ничего не удаляет")
	}
}

// TestUpdate_MergesMetadata проверяет обновление метаданных.
func TestUpdate_MergesMetadata(t *testing.T) {
	b, _ := newTestBase(t, Options{})
	ctx := context.Background()

	u := model.NewUpload(model.FileInit{Size: 1, UserID: "u1", Metadata: map[string]any{"name": "a.txt"}}, time.Now())
	u.Name = u.ID
	_ = b.SaveMeta(ctx, u)

	got, err := b.Update(ctx, model.FileQuery{ID: u.ID, UserID: "u1"}, map[string]any{"name": "b.txt"})
	if err != nil {
		t.Fatalf("ошибка обновления: %v", err)
	}
	if got.Status != model.StatusUpdated || !got.Transitioned() {
		t.Errorf("статус: ожидалось updated, получено %q", got.Status)
	}
	if got.OriginalName != "b.txt" {
		t.Errorf("OriginalName: получено %q", got.OriginalName)
	}

	_, err = b.Update(ctx, model.FileQuery{ID: u.ID, UserID: "u2"}, map[string]any{"x": "y"})
	if !apierrors.HasCode(err, apierrors.CodeForbidden) {
		t.Errorf("чужая загрузка: ожидалась ошибка FORBIDDEN, получено %v", err)
	}
}

func TestNamers(t *testing.T) {
	u := &model.Upload{ID: "abc", UserID: "user 1", OriginalName: "../my photo.jpg"}
	if got := IDNamer(u); got != "user1/abc" {
		t.Errorf("IDNamer: получено %q", got)
	}
	if got := OriginalNamer(u); got != "user1/_myphoto.jpg" {
		t.Errorf("OriginalNamer: получено %q", got)
	}
	if got := OriginalNamer(&model.Upload{ID: "abc"}); got != "abc" {
		t.Errorf("OriginalNamer без имени: получено %q", got)
	}
	if _, err := NamerFor("hash"); err == nil {
		t.Error("неизвестная схема должна отклоняться")
	}
}
