// Пакет storage — движок загрузок: общий контракт бэкендов хранения
// и разделяемая логика (валидация, метаданные через кэш, блокировки,
// срок жизни, очистка). Реализации бэкендов — в подпакетах disk и s3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/locker"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/meta"
	"github.com/bigkaa/goartstore/upload-module/internal/validation"
)

// Prometheus-метрики движка.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_uploads_total",
		Help: "Количество событий жизненного цикла загрузок.",
	}, []string{"backend", "event"})

	bytesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "um_bytes_written_total",
		Help: "Общее количество записанных байтов загрузок.",
	}, []string{"backend"})
)

// Storage — контракт бэкенда хранения загрузок.
type Storage interface {
	// Create создаёт загрузку. Повторный вызов для того же логического
	// файла возвращает существующую незавершённую загрузку.
	Create(ctx context.Context, init model.FileInit) (*model.Upload, error)
	// Write записывает фрагмент. Part.Body == nil — запрос состояния.
	Write(ctx context.Context, part model.FilePart) (*model.Upload, error)
	// Update объединяет метаданные загрузки.
	Update(ctx context.Context, q model.FileQuery, metadata map[string]any) (*model.Upload, error)
	// Delete удаляет данные и метаданные; отсутствие загрузки ошибкой не является.
	Delete(ctx context.Context, q model.FileQuery) ([]*model.Upload, error)
	// Get возвращает текущее состояние загрузки.
	Get(ctx context.Context, q model.FileQuery) (*model.Upload, error)
	// List возвращает загрузки пользователя (пустой userID — все).
	List(ctx context.Context, userID string) ([]*model.Upload, error)
	// Purge удаляет загрузки старше maxAge с id, начинающимся с prefix.
	Purge(ctx context.Context, maxAge time.Duration, prefix string) ([]*model.Upload, error)
	Lock(key string) error
	Unlock(key string)
	// Ready сообщает, что бэкенд готов принимать запросы.
	Ready() bool
	Config() *Options
	Close() error
}

// Hook — обработчик события жизненного цикла. Ненулевой результат
// заменяет тело ответа обработчика протокола.
type Hook func(ctx context.Context, u *model.Upload) (any, error)

// Hooks — обработчики событий жизненного цикла загрузки.
type Hooks struct {
	OnCreate   Hook
	OnUpdate   Hook
	OnComplete Hook
	OnDelete   Hook
	OnError    func(ctx context.Context, err *apierrors.Error)
}

// Expiration — политика срока жизни загрузок.
type Expiration struct {
	// MaxAge — максимальный возраст загрузки (0 — без ограничения)
	MaxAge time.Duration
	// PurgeInterval — интервал фоновой очистки
	PurgeInterval time.Duration
	// Rolling — отсчитывать возраст от последнего изменения
	Rolling bool
}

// Options — параметры движка, общие для всех бэкендов.
type Options struct {
	AllowMIME       []string
	MaxUploadSize   int64
	MaxMetadataSize int
	// Namer вычисляет ключ хранения загрузки
	Namer      Namer
	Expiration Expiration
	// ConcurrencyLimit — максимум одновременно записываемых загрузок
	ConcurrencyLimit int
	LockTTL          time.Duration
	CacheSize        int
	CacheTTL         time.Duration
	// Checksum — алгоритм итоговой контрольной суммы файла (пусто — выключено)
	Checksum string
	// Rules — дополнительные правила валидации, переопределяют встроенные по ключу
	Rules []validation.Rule
	Hooks Hooks
	// Meta — хранилище метаданных
	Meta meta.MetaStorage
	// Now — источник времени (для тестов)
	Now func() time.Time
}

// defaultLockTTL — время жизни блокировки, если не задано.
const defaultLockTTL = 5 * time.Minute

// Base — разделяемая часть бэкендов хранения.
// Встраивается в реализации и предоставляет им Update, Get, List,
// Lock, Unlock, Ready, Config.
type Base struct {
	backend   string
	opts      Options
	validator *validation.Validator
	cache     *meta.Cache
	meta      meta.MetaStorage
	locker    *locker.Locker
	digests   *checksum.Store
	logger    *slog.Logger
	ready     atomic.Bool
}

// NewBase создаёт разделяемую часть бэкенда backend.
func NewBase(backend string, opts Options, logger *slog.Logger) (*Base, error) {
	if opts.Meta == nil {
		return nil, fmt.Errorf("не задано хранилище метаданных")
	}
	if opts.Namer == nil {
		opts.Namer = IDNamer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Checksum != "" {
		name, ok := checksum.Normalize(opts.Checksum)
		if !ok {
			return nil, fmt.Errorf("неподдерживаемый алгоритм контрольной суммы %q", opts.Checksum)
		}
		opts.Checksum = name
	}

	v := validation.New()
	rules := []validation.Rule{
		validation.SizeRule(opts.MaxUploadSize),
		validation.MIMERule(opts.AllowMIME),
		validation.FilenameRule(),
		validation.MetadataRule(opts.MaxMetadataSize),
	}
	for _, r := range append(rules, opts.Rules...) {
		if err := v.Add(r); err != nil {
			return nil, fmt.Errorf("ошибка регистрации правила валидации: %w", err)
		}
	}

	b := &Base{
		backend:   backend,
		opts:      opts,
		validator: v,
		cache:     meta.NewCache(opts.CacheSize, opts.CacheTTL),
		meta:      opts.Meta,
		locker:    locker.New(opts.ConcurrencyLimit, opts.LockTTL),
		digests:   checksum.NewStore(opts.CacheSize, opts.LockTTL),
		logger:    logger.With(slog.String("component", "storage"), slog.String("backend", backend)),
	}
	b.ready.Store(true)
	return b, nil
}

// Config возвращает параметры движка.
func (b *Base) Config() *Options {
	return &b.opts
}

// Logger возвращает логгер бэкенда.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// Ready сообщает, что бэкенд готов.
func (b *Base) Ready() bool {
	return b.ready.Load()
}

// SetReady переключает готовность бэкенда.
func (b *Base) SetReady(ready bool) {
	b.ready.Store(ready)
}

// Digests возвращает хранилище снимков итоговой контрольной суммы.
func (b *Base) Digests() *checksum.Store {
	return b.digests
}

// Now возвращает текущее время движка в UTC.
func (b *Base) Now() time.Time {
	return b.opts.Now().UTC()
}

// Lock захватывает блокировку загрузки.
func (b *Base) Lock(key string) error {
	return b.locker.Lock(key)
}

// Unlock снимает блокировку загрузки.
func (b *Base) Unlock(key string) {
	b.locker.Unlock(key)
}

// Close закрывает хранилище метаданных.
func (b *Base) Close() error {
	return b.meta.Close()
}

// Validate прогоняет загрузку через правила валидации.
func (b *Base) Validate(u *model.Upload) error {
	return b.validator.Verify(u)
}

// Prepare строит загрузку из запроса: ключ хранения, срок жизни, валидация.
// Если загрузка с таким id уже есть и не завершена, возвращается она
// (второй результат true).
func (b *Base) Prepare(ctx context.Context, init model.FileInit) (*model.Upload, bool, error) {
	u := model.NewUpload(init, b.Now())
	u.Name = b.opts.Namer(u)
	if err := b.Validate(u); err != nil {
		return nil, false, err
	}

	existing, err := b.GetMeta(ctx, u.ID)
	switch {
	case err == nil && !existing.IsCompleted():
		existing.Status = model.StatusCreated
		return existing, true, nil
	case err != nil && !apierrors.HasCode(err, apierrors.CodeFileNotFound):
		return nil, false, err
	}

	b.refreshExpiry(u)
	return u, false, nil
}

// GetMeta читает метаданные через кэш.
func (b *Base) GetMeta(ctx context.Context, id string) (*model.Upload, error) {
	if u, ok := b.cache.Get(id); ok {
		return u, nil
	}
	u, err := b.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Touch может не перезаписывать expired_at
	b.refreshExpiry(u)
	b.cache.Set(id, u)
	return u, nil
}

// SaveMeta сохраняет метаданные. Если по сравнению с закэшированной
// версией изменились только изменчивые поля, выполняется Touch.
func (b *Base) SaveMeta(ctx context.Context, u *model.Upload) error {
	u.ModifiedAt = b.Now()
	b.refreshExpiry(u)

	var err error
	if prev, ok := b.cache.Get(u.ID); ok && prev.SameContent(u) {
		err = b.meta.Touch(ctx, u.ID, u)
	} else {
		err = b.meta.Save(ctx, u.ID, u)
	}
	if err != nil {
		return apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка сохранения метаданных загрузки")
	}
	b.cache.Set(u.ID, u)
	return nil
}

// DeleteMeta удаляет метаданные и снимок контрольной суммы.
func (b *Base) DeleteMeta(ctx context.Context, id string) error {
	b.cache.Delete(id)
	b.digests.Delete(id)
	if err := b.meta.Delete(ctx, id); err != nil {
		return apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка удаления метаданных загрузки")
	}
	return nil
}

// Load читает загрузку и проверяет владельца.
// Загрузки без владельца доступны всем.
func (b *Base) Load(ctx context.Context, q model.FileQuery) (*model.Upload, error) {
	u, err := b.GetMeta(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	if u.UserID != "" && u.UserID != q.UserID {
		return nil, apierrors.New(apierrors.CodeForbidden, "Загрузка принадлежит другому пользователю")
	}
	return u, nil
}

// Get возвращает текущее состояние загрузки.
func (b *Base) Get(ctx context.Context, q model.FileQuery) (*model.Upload, error) {
	return b.Load(ctx, q)
}

// List возвращает загрузки пользователя.
func (b *Base) List(ctx context.Context, userID string) ([]*model.Upload, error) {
	items, err := b.meta.List(ctx, "")
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка получения списка загрузок")
	}
	uploads := make([]*model.Upload, 0, len(items))
	for _, item := range items {
		if userID != "" && item.UserID != userID {
			continue
		}
		u, err := b.GetMeta(ctx, item.ID)
		if err != nil {
			continue
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

// Update объединяет метаданные загрузки и возвращает её со статусом updated.
func (b *Base) Update(ctx context.Context, q model.FileQuery, metadata map[string]any) (*model.Upload, error) {
	if err := b.Lock(q.ID); err != nil {
		return nil, err
	}
	defer b.Unlock(q.ID)

	u, err := b.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	u.MergeMetadata(metadata)
	if err := b.Validate(u); err != nil {
		return nil, err
	}
	if err := b.SaveMeta(ctx, u); err != nil {
		return nil, err
	}
	u.SetStatus(model.StatusUpdated)
	b.Observe(u)
	return u, nil
}

// DeleteFunc — операция удаления бэкенда.
type DeleteFunc func(ctx context.Context, q model.FileQuery) ([]*model.Upload, error)

// CheckExpired удаляет истёкшую загрузку и возвращает GONE.
func (b *Base) CheckExpired(ctx context.Context, u *model.Upload, del DeleteFunc) error {
	if !u.IsExpired(b.Now()) {
		return nil
	}
	if _, err := del(ctx, model.FileQuery{ID: u.ID, UserID: u.UserID}); err != nil {
		b.logger.Warn("Ошибка удаления истёкшей загрузки",
			slog.String("id", u.ID),
			slog.String("error", err.Error()),
		)
	}
	return apierrors.New(apierrors.CodeGone, "Срок загрузки истёк")
}

// PurgeWith удаляет через del загрузки старше maxAge (0 — по политике
// Expiration). Ошибки удаления отдельных загрузок логируются,
// очистка продолжается.
func (b *Base) PurgeWith(ctx context.Context, maxAge time.Duration, prefix string, del DeleteFunc) ([]*model.Upload, error) {
	if maxAge <= 0 {
		maxAge = b.opts.Expiration.MaxAge
	}
	if maxAge <= 0 {
		return nil, nil
	}

	items, err := b.meta.List(ctx, prefix)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка получения списка загрузок")
	}

	cutoff := b.Now().Add(-maxAge)
	var purged []*model.Upload
	for _, item := range items {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		ts := item.CreatedAt
		if b.opts.Expiration.Rolling {
			ts = item.ModifiedAt
		}
		if !ts.Before(cutoff) {
			continue
		}
		deleted, err := del(ctx, model.FileQuery{ID: item.ID, UserID: item.UserID})
		if err != nil {
			b.logger.Warn("Ошибка удаления загрузки при очистке",
				slog.String("id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged = append(purged, deleted...)
	}
	return purged, nil
}

// Observe учитывает переход загрузки в метриках.
func (b *Base) Observe(u *model.Upload) {
	if u.Transitioned() {
		uploadsTotal.WithLabelValues(b.backend, string(u.Status)).Inc()
	}
}

// CountBytes учитывает принятые байты.
func (b *Base) CountBytes(n int64) {
	if n > 0 {
		bytesWrittenTotal.WithLabelValues(b.backend).Add(float64(n))
	}
}

// refreshExpiry пересчитывает момент истечения загрузки.
func (b *Base) refreshExpiry(u *model.Upload) {
	maxAge := b.opts.Expiration.MaxAge
	if maxAge <= 0 {
		return
	}
	from := u.CreatedAt
	if b.opts.Expiration.Rolling && !u.ModifiedAt.IsZero() {
		from = u.ModifiedAt
	}
	exp := from.Add(maxAge)
	u.ExpiredAt = &exp
}

// ChunkLimit вычисляет максимальную длину фрагмента, начинающегося с start.
// Возвращает -1, если ограничения нет.
func (b *Base) ChunkLimit(u *model.Upload, part model.FilePart) (int64, error) {
	limit := int64(-1)
	switch {
	case !u.SizeIsDeferred:
		limit = u.Size - part.Start
	case b.opts.MaxUploadSize > 0:
		limit = b.opts.MaxUploadSize - part.Start
	}
	if part.ContentLength >= 0 {
		if limit >= 0 && part.ContentLength > limit {
			return 0, apierrors.New(apierrors.CodeFileConflict, "Фрагмент выходит за пределы объявленного размера файла")
		}
		limit = part.ContentLength
	}
	return limit, nil
}

// ReconcileSize согласует размер загрузки с размером из запроса.
// Неизвестный размер фиксируется, известный должен совпадать.
func (b *Base) ReconcileSize(u *model.Upload, part model.FilePart) error {
	if part.Size < 0 {
		return nil
	}
	if u.SizeIsDeferred {
		if part.Size < u.BytesWritten {
			return apierrors.New(apierrors.CodeFileConflict, "Размер файла меньше уже принятых данных")
		}
		u.SetSize(part.Size)
		return b.Validate(u)
	}
	if part.Size != u.Size {
		return apierrors.Newf(apierrors.CodeFileConflict, "Размер файла не совпадает с объявленным (%d)", u.Size)
	}
	return nil
}

// CheckOffset проверяет, что фрагмент продолжает загрузку с текущего смещения.
func CheckOffset(u *model.Upload, part model.FilePart) error {
	if part.Start != u.BytesWritten {
		return apierrors.Newf(apierrors.CodeFileConflict,
			"Смещение фрагмента %d не совпадает с принятым размером %d", part.Start, u.BytesWritten)
	}
	return nil
}

// FinishWrite выставляет статус загрузки после записи фрагмента:
// фиксирует размер однократной загрузки и отмечает завершение.
func (b *Base) FinishWrite(u *model.Upload, final bool) error {
	if final && u.SizeIsDeferred {
		u.SetSize(u.BytesWritten)
		if err := b.Validate(u); err != nil {
			return err
		}
	}
	if u.IsCompleted() {
		u.SetStatus(model.StatusCompleted)
	} else {
		u.SetStatus(model.StatusPart)
	}
	return nil
}

// IsAborted сообщает, что поток прерван клиентом.
func IsAborted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
