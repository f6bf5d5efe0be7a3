// purge.go — сервис фоновой очистки просроченных загрузок.
//
// Периодически вызывает Purge бэкенда хранения: загрузки старше
// UM_EXPIRATION_MAX_AGE (по времени создания или, при UM_EXPIRATION_ROLLING,
// последнего изменения) удаляются вместе с данными и метаданными.
// Ошибки удаления отдельных загрузок логируются бэкендом, очистка продолжается.
//
// Запускается как горутина с периодическим тикером (UM_PURGE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
)

// Prometheus метрики очистки
var (
	// purgeRunsTotal — количество запусков очистки.
	purgeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_purge_runs_total",
		Help: "Общее количество запусков очистки загрузок",
	})

	// purgeFilesTotal — количество удалённых загрузок.
	purgeFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_purge_files_total",
		Help: "Общее количество загрузок, удалённых очисткой",
	})

	// purgeDurationSeconds — длительность выполнения очистки.
	purgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "um_purge_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// protocolPurge — источник событий, порождённых очисткой.
const protocolPurge = "purge"

// Purger — бэкенд, умеющий удалять просроченные загрузки.
type Purger interface {
	Purge(ctx context.Context, maxAge time.Duration, prefix string) ([]*model.Upload, error)
}

// PurgeResult — результат одного запуска очистки.
type PurgeResult struct {
	// PurgedCount — количество удалённых загрузок
	PurgedCount int
	// Err — ошибка получения списка загрузок
	Err error
	// Duration — длительность выполнения
	Duration time.Duration
}

// PurgeService — сервис фоновой очистки загрузок.
type PurgeService struct {
	storage  Purger
	bus      *events.Bus
	interval time.Duration
	// maxAge — возраст удаляемых загрузок (0 — по политике бэкенда)
	maxAge time.Duration
	logger *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPurgeService создаёт сервис очистки. bus может быть nil.
func NewPurgeService(
	storage Purger,
	bus *events.Bus,
	interval time.Duration,
	maxAge time.Duration,
	logger *slog.Logger,
) *PurgeService {
	return &PurgeService{
		storage:  storage,
		bus:      bus,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "purge")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (p *PurgeService) Start(ctx context.Context) {
	purgeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(purgeCtx)

	p.logger.Info("Очистка загрузок запущена",
		slog.String("interval", p.interval.String()),
		slog.String("max_age", p.maxAge.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается завершения текущего запуска.
func (p *PurgeService) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("Очистка загрузок остановлена")
}

// run — основной цикл фоновой горутины.
func (p *PurgeService) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: следующий запуск ждёт завершения текущего.
func (p *PurgeService) RunOnce(ctx context.Context) *PurgeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &PurgeResult{}

	p.logger.Debug("Очистка загрузок начата")

	purged, err := p.storage.Purge(ctx, p.maxAge, "")
	result.PurgedCount = len(purged)
	result.Err = err
	result.Duration = time.Since(start)

	for _, u := range purged {
		if p.bus != nil && u.Transitioned() {
			p.bus.Emit(ctx, events.Event{Type: events.TypeDeleted, Upload: u, Protocol: protocolPurge})
		}
		p.logger.Debug("Загрузка удалена очисткой",
			slog.String("id", u.ID),
			slog.String("name", u.Name),
		)
	}

	purgeRunsTotal.Inc()
	purgeFilesTotal.Add(float64(result.PurgedCount))
	purgeDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		p.logger.Error("Ошибка очистки загрузок",
			slog.Int("purged", result.PurgedCount),
			slog.String("error", err.Error()),
		)
		return result
	}

	p.logger.Info("Очистка загрузок завершена",
		slog.Int("purged", result.PurgedCount),
		slog.Duration("duration", result.Duration),
	)
	return result
}
