package meta

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testUpload создаёт тестовую запись загрузки.
func testUpload(id string) *model.Upload {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Upload{
		ID:           id,
		Name:         "user-1/" + id,
		OriginalName: "video.mp4",
		ContentType:  "video/mp4",
		Size:         100,
		BytesWritten: 10,
		Metadata:     map[string]any{"name": "video.mp4"},
		UserID:       "user-1",
		CreatedAt:    now,
		ModifiedAt:   now,
		Status:       model.StatusPart,
	}
}

// storeContract проверяет общий контракт MetaStorage.
func storeContract(t *testing.T, s MetaStorage) {
	t.Helper()
	ctx := context.Background()

	u := testUpload("abc123")
	if err := s.Save(ctx, u.ID, u); err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if got.OriginalName != u.OriginalName || got.Size != u.Size || got.UserID != u.UserID {
		t.Errorf("запись не совпадает: %+v", got)
	}
	if got.Status != "" {
		t.Errorf("статус не должен сохраняться, получено %q", got.Status)
	}

	// Touch
	u.BytesWritten = 20
	u.ModifiedAt = u.ModifiedAt.Add(time.Minute)
	if err := s.Touch(ctx, u.ID, u); err != nil {
		t.Fatalf("ошибка touch: %v", err)
	}
	got, err = s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("ошибка чтения после touch: %v", err)
	}
	if got.BytesWritten != 20 {
		t.Errorf("BytesWritten после touch: ожидалось 20, получено %d", got.BytesWritten)
	}
	if got.ModifiedAt.Before(u.ModifiedAt) {
		t.Errorf("ModifiedAt после touch: ожидалось >= %v, получено %v", u.ModifiedAt, got.ModifiedAt)
	}

	// List
	other := testUpload("zzz999")
	if err := s.Save(ctx, other.ID, other); err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}
	items, err := s.List(ctx, "abc")
	if err != nil {
		t.Fatalf("ошибка списка: %v", err)
	}
	if len(items) != 1 || items[0].ID != "abc123" {
		t.Errorf("List(abc): ожидалась одна запись abc123, получено %+v", items)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 2 {
		t.Errorf("List(\"\"): ожидалось 2 записи, получено %d", len(all))
	}

	// Delete
	if err := s.Delete(ctx, u.ID); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := s.Get(ctx, u.ID); !apierrors.HasCode(err, apierrors.CodeFileNotFound) {
		t.Errorf("ожидалась ошибка FILE_NOT_FOUND, получено %v", err)
	}
	if err := s.Delete(ctx, u.ID); err != nil {
		t.Errorf("повторное удаление не должно возвращать ошибку: %v", err)
	}
}

func TestDiskStore_Contract(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}
	storeContract(t, s)
}

func TestLevelDBStore_Contract(t *testing.T) {
	s, err := NewLevelDBStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("ошибка открытия LevelDB: %v", err)
	}
	defer s.Close()
	storeContract(t, s)
}

// TestDiskStore_AtomicNoTmpFile проверяет, что temp файл не остаётся после записи.
func TestDiskStore_AtomicNoTmpFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewDiskStore(dir, testLogger())
	u := testUpload("abc")
	if err := s.Save(context.Background(), u.ID, u); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if _, err := os.Stat(s.FilePath(u.ID) + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен существовать после атомарной записи")
	}
	if filepath.Base(s.FilePath(u.ID)) != "abc.attr.json" {
		t.Errorf("имя sidecar-файла: получено %s", filepath.Base(s.FilePath(u.ID)))
	}
}

// TestDiskStore_InvalidID проверяет отказ для id с разделителями пути.
func TestDiskStore_InvalidID(t *testing.T) {
	s, _ := NewDiskStore(t.TempDir(), testLogger())
	if _, err := s.Get(context.Background(), "../secret"); !apierrors.HasCode(err, apierrors.CodeFileNotFound) {
		t.Errorf("ожидалась ошибка FILE_NOT_FOUND, получено %v", err)
	}
}

// TestDiskStore_ListSkipsBroken проверяет пропуск повреждённых файлов.
func TestDiskStore_ListSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewDiskStore(dir, testLogger())
	_ = s.Save(context.Background(), "good", testUpload("good"))
	_ = os.WriteFile(filepath.Join(dir, "bad.attr.json"), []byte("{not json"), 0o600)

	items, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatalf("ошибка списка: %v", err)
	}
	if len(items) != 1 || items[0].ID != "good" {
		t.Errorf("ожидалась одна валидная запись, получено %+v", items)
	}
}

func TestCache_LRU(t *testing.T) {
	c := NewCache(2, 0)
	c.Set("a", testUpload("a"))
	c.Set("b", testUpload("b"))

	// a становится самым свежим, вытесняется b
	if _, ok := c.Get("a"); !ok {
		t.Fatal("ожидалось попадание для a")
	}
	c.Set("c", testUpload("c"))

	if _, ok := c.Get("b"); ok {
		t.Error("b должен быть вытеснен как давно неиспользуемый")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a не должен быть вытеснен")
	}
	if c.Len() != 2 {
		t.Errorf("Len: ожидалось 2, получено %d", c.Len())
	}
}

func TestCache_TTL(t *testing.T) {
	c := NewCache(10, 50*time.Millisecond)
	c.Set("a", testUpload("a"))
	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("запись должна истечь по TTL")
	}
}

func TestCache_ReturnsCopy(t *testing.T) {
	c := NewCache(10, 0)
	c.Set("a", testUpload("a"))
	got, _ := c.Get("a")
	got.Metadata["name"] = "changed"
	again, _ := c.Get("a")
	if again.Metadata["name"] != "video.mp4" {
		t.Error("изменение копии не должно менять запись в кэше")
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("запись должна быть удалена")
	}
}
