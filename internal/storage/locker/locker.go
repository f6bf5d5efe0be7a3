// Пакет locker — набор блокировок загрузок с TTL и ограничением
// числа одновременно обрабатываемых загрузок.
package locker

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
)

// activeLocks — текущее количество удерживаемых блокировок.
var activeLocks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "um_active_locks",
	Help: "Текущее количество удерживаемых блокировок загрузок",
})

// Locker — набор блокировок по ключу. Блокировка снимается явно через
// Unlock или автоматически по истечении TTL.
type Locker struct {
	mu    sync.Mutex
	locks *expirable.LRU[string, time.Time]
	limit int
}

// New создаёт набор блокировок. limit — максимум одновременно удерживаемых
// блокировок (<= 0 — без ограничения), ttl — время жизни блокировки.
func New(limit int, ttl time.Duration) *Locker {
	return &Locker{
		locks: expirable.NewLRU[string, time.Time](0, nil, ttl),
		limit: limit,
	}
}

// Lock захватывает блокировку key.
// Возвращает FILE_LOCKED, если ключ уже заблокирован, и TOO_MANY_REQUESTS,
// если число активных блокировок достигло лимита.
func (l *Locker) Lock(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks.Peek(key); held {
		return apierrors.New(apierrors.CodeFileLocked, "Загрузка уже обрабатывается другим запросом")
	}
	if l.limit > 0 && l.active() >= l.limit {
		return apierrors.New(apierrors.CodeTooManyRequests, "Превышен лимит одновременных загрузок")
	}

	l.locks.Add(key, time.Now())
	activeLocks.Set(float64(l.active()))
	return nil
}

// Unlock снимает блокировку key.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks.Remove(key)
	activeLocks.Set(float64(l.active()))
}

// IsLocked сообщает, удерживается ли блокировка key.
func (l *Locker) IsLocked(key string) bool {
	_, held := l.locks.Peek(key)
	return held
}

// Active возвращает количество неистёкших блокировок.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active()
}

// active считает неистёкшие блокировки; вызывается под l.mu.
func (l *Locker) active() int {
	n := 0
	for _, k := range l.locks.Keys() {
		if _, ok := l.locks.Peek(k); ok {
			n++
		}
	}
	return n
}
