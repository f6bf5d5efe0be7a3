package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/disk"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/meta"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupPurgeTestEnv создаёт дисковый бэкенд с управляемым временем.
func setupPurgeTestEnv(t *testing.T, now *time.Time, rolling bool) *disk.Storage {
	t.Helper()

	dir := t.TempDir()
	ms, err := meta.NewDiskStore(filepath.Join(dir, "meta"), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания хранилища метаданных: %v", err)
	}
	s, err := disk.New(filepath.Join(dir, "data"), storage.Options{
		Meta:       ms,
		Expiration: storage.Expiration{MaxAge: time.Hour, Rolling: rolling},
		Now:        func() time.Time { return *now },
	}, testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания бэкенда: %v", err)
	}
	return s
}

// createUpload создаёт незавершённую загрузку с именем name.
func createUpload(t *testing.T, s *disk.Storage, name string) *model.Upload {
	t.Helper()
	u, err := s.Create(context.Background(), model.FileInit{OriginalName: name, Size: 10})
	if err != nil {
		t.Fatalf("Ошибка создания загрузки: %v", err)
	}
	return u
}

func TestPurgeRunOnce_OnlyExpired(t *testing.T) {
	now := time.Now().UTC()
	s := setupPurgeTestEnv(t, &now, false)

	old := createUpload(t, s, "old.bin")
	now = now.Add(90 * time.Minute)
	fresh := createUpload(t, s, "fresh.bin")

	bus := events.NewBus(testLogger())
	var deleted []string
	bus.Subscribe(func(_ context.Context, e events.Event) {
		if e.Type == events.TypeDeleted {
			deleted = append(deleted, e.Upload.ID)
		}
	})

	p := NewPurgeService(s, bus, time.Hour, 0, testLogger())
	result := p.RunOnce(context.Background())

	if result.Err != nil {
		t.Fatalf("Неожиданная ошибка: %v", result.Err)
	}
	if result.PurgedCount != 1 {
		t.Fatalf("PurgedCount: хотели 1, получили %d", result.PurgedCount)
	}
	if len(deleted) != 1 || deleted[0] != old.ID {
		t.Errorf("События удаления: хотели [%s], получили %v", old.ID, deleted)
	}
	if _, err := s.Get(context.Background(), model.FileQuery{ID: old.ID}); err == nil {
		t.Error("Просроченная загрузка должна быть удалена")
	}
	if _, err := s.Get(context.Background(), model.FileQuery{ID: fresh.ID}); err != nil {
		t.Errorf("Свежая загрузка не должна удаляться: %v", err)
	}
}

func TestPurgeRunOnce_Rolling(t *testing.T) {
	now := time.Now().UTC()
	s := setupPurgeTestEnv(t, &now, true)

	u := createUpload(t, s, "active.bin")

	// Фрагмент через 50 минут продлевает срок жизни
	now = now.Add(50 * time.Minute)
	_, err := s.Write(context.Background(), model.FilePart{
		ID:            u.ID,
		Body:          strings.NewReader("01234"),
		ContentLength: 5,
		Size:          -1,
	})
	if err != nil {
		t.Fatalf("Ошибка записи фрагмента: %v", err)
	}

	now = now.Add(50 * time.Minute)
	p := NewPurgeService(s, nil, time.Hour, 0, testLogger())
	if result := p.RunOnce(context.Background()); result.PurgedCount != 0 {
		t.Fatalf("PurgedCount: хотели 0, получили %d", result.PurgedCount)
	}

	now = now.Add(20 * time.Minute)
	if result := p.RunOnce(context.Background()); result.PurgedCount != 1 {
		t.Fatalf("PurgedCount: хотели 1, получили %d", result.PurgedCount)
	}
}

// blockingPurger считает одновременные вызовы Purge.
type blockingPurger struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	err     error
}

func (b *blockingPurger) Purge(context.Context, time.Duration, string) ([]*model.Upload, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		seen := b.maxSeen.Load()
		if n <= seen || b.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	b.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return nil, b.err
}

func TestPurgeRunOnce_NoOverlap(t *testing.T) {
	purger := &blockingPurger{}
	p := NewPurgeService(purger, nil, time.Hour, time.Hour, testLogger())

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	if got := purger.calls.Load(); got != 5 {
		t.Errorf("Вызовов Purge: хотели 5, получили %d", got)
	}
	if got := purger.maxSeen.Load(); got != 1 {
		t.Errorf("Одновременных запусков: хотели 1, получили %d", got)
	}
}

func TestPurgeRunOnce_Error(t *testing.T) {
	purger := &blockingPurger{err: errors.New("meta store unavailable")}
	p := NewPurgeService(purger, nil, time.Hour, time.Hour, testLogger())

	result := p.RunOnce(context.Background())
	if result.Err == nil {
		t.Fatal("Ожидалась ошибка очистки")
	}
}

func TestPurgeService_StartStop(t *testing.T) {
	purger := &blockingPurger{}
	p := NewPurgeService(purger, nil, 10*time.Millisecond, time.Hour, testLogger())

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for purger.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if purger.calls.Load() < 2 {
		t.Errorf("Ожидалось не менее 2 запусков, получено %d", purger.calls.Load())
	}
	calls := purger.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if purger.calls.Load() != calls {
		t.Error("После Stop запуски должны прекратиться")
	}
}
