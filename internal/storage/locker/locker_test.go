package locker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
)

func TestLock_Exclusive(t *testing.T) {
	l := New(0, time.Minute)

	if err := l.Lock("a"); err != nil {
		t.Fatalf("первая блокировка не должна падать: %v", err)
	}
	err := l.Lock("a")
	if !apierrors.HasCode(err, apierrors.CodeFileLocked) {
		t.Fatalf("ожидалась ошибка FILE_LOCKED, получено %v", err)
	}
	if e, _ := apierrors.As(err); e.StatusCode != 423 {
		t.Errorf("статус: ожидалось 423, получено %d", e.StatusCode)
	}

	l.Unlock("a")
	if err := l.Lock("a"); err != nil {
		t.Errorf("после Unlock блокировка должна захватываться: %v", err)
	}
}

// TestLock_AdmissionLimit проверяет отказ при достижении лимита.
func TestLock_AdmissionLimit(t *testing.T) {
	l := New(2, time.Minute)

	if err := l.Lock("a"); err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if err := l.Lock("b"); err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if err := l.Lock("c"); !apierrors.HasCode(err, apierrors.CodeTooManyRequests) {
		t.Fatalf("третья блокировка при лимите 2: ожидалось TOO_MANY_REQUESTS, получено %v", err)
	}
	if l.Active() != 2 {
		t.Errorf("Active: ожидалось 2, получено %d", l.Active())
	}

	l.Unlock("a")
	if err := l.Lock("c"); err != nil {
		t.Errorf("после освобождения слота блокировка должна захватываться: %v", err)
	}
}

// TestLock_ExpiresAfterTTL проверяет автоматическое снятие блокировки.
func TestLock_ExpiresAfterTTL(t *testing.T) {
	l := New(1, 50*time.Millisecond)

	if err := l.Lock("a"); err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if l.IsLocked("a") {
		t.Error("блокировка должна истечь")
	}
	if err := l.Lock("b"); err != nil {
		t.Errorf("истёкшая блокировка не должна занимать слот: %v", err)
	}
}

// TestLock_Concurrent проверяет, что только один из конкурентов получает блокировку.
func TestLock_Concurrent(t *testing.T) {
	l := New(0, time.Minute)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
		locked  atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Lock("same")
			switch {
			case err == nil:
				success.Add(1)
			case apierrors.HasCode(err, apierrors.CodeFileLocked):
				locked.Add(1)
			}
		}()
	}
	wg.Wait()

	if success.Load() != 1 {
		t.Errorf("ожидался ровно один успешный захват, получено %d", success.Load())
	}
	if locked.Load() != 49 {
		t.Errorf("ожидалось 49 отказов FILE_LOCKED, получено %d", locked.Load())
	}
}
