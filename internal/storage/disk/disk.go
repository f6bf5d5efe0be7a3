// Пакет disk — бэкенд хранения загрузок на локальном диске.
// Один файл данных на загрузку по её ключу хранения; фрагменты
// дописываются в файл по смещению. Размер файла на диске считается
// авторитетным числом принятых байтов.
package disk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
)

// Storage — дисковый бэкенд.
type Storage struct {
	*storage.Base
	// dataDir — корневая директория файлов данных (UM_DATA_DIR)
	dataDir string
}

// New создаёт дисковый бэкенд. Проверяет и создаёт директорию данных.
func New(dataDir string, opts storage.Options, logger *slog.Logger) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	base, err := storage.NewBase("disk", opts, logger)
	if err != nil {
		return nil, err
	}
	return &Storage{Base: base, dataDir: dataDir}, nil
}

// FullPath возвращает абсолютный путь файла данных по ключу хранения.
func (s *Storage) FullPath(name string) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(name))
}

// DataDir возвращает путь к директории данных.
func (s *Storage) DataDir() string {
	return s.dataDir
}

// Create создаёт пустой файл данных и метаданные загрузки.
func (s *Storage) Create(ctx context.Context, init model.FileInit) (*model.Upload, error) {
	u, existing, err := s.Prepare(ctx, init)
	if err != nil {
		return nil, err
	}
	if existing {
		if err := s.sync(u); err != nil {
			return nil, err
		}
		return u, nil
	}

	path := s.FullPath(u.Name)
	if err := s.claim(ctx, u, path); err != nil {
		return nil, err
	}
	u.URI = "file://" + filepath.ToSlash(path)

	if u.IsCompleted() {
		s.setFinalChecksum(u, nil)
		u.SetStatus(model.StatusCompleted)
	} else {
		u.SetStatus(model.StatusCreated)
	}
	if err := s.SaveMeta(ctx, u); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	s.Logger().Debug("Загрузка создана",
		slog.String("id", u.ID),
		slog.String("name", u.Name),
		slog.Int64("size", u.Size),
	)
	s.Observe(u)
	return u, nil
}

// Write записывает фрагмент в файл данных.
func (s *Storage) Write(ctx context.Context, part model.FilePart) (*model.Upload, error) {
	if err := s.Lock(part.ID); err != nil {
		return nil, err
	}
	defer s.Unlock(part.ID)

	u, err := s.Load(ctx, model.FileQuery{ID: part.ID, UserID: part.UserID})
	if err != nil {
		return nil, err
	}
	if err := s.sync(u); err != nil {
		return nil, err
	}
	if u.IsCompleted() {
		u.Status = model.StatusCompleted
		return u, nil
	}
	if err := s.CheckExpired(ctx, u, s.Delete); err != nil {
		return nil, err
	}

	wasDeferred := u.SizeIsDeferred
	if err := s.ReconcileSize(u, part); err != nil {
		return nil, err
	}

	if part.Body == nil {
		if wasDeferred && !u.SizeIsDeferred {
			return s.commit(ctx, u, false)
		}
		u.Status = model.StatusPart
		return u, nil
	}

	if err := storage.CheckOffset(u, part); err != nil {
		return nil, err
	}
	limit, err := s.ChunkLimit(u, part)
	if err != nil {
		return nil, err
	}

	n, aborted, err := s.writeChunk(ctx, u, part, limit)
	if err != nil {
		return nil, err
	}
	u.BytesWritten = part.Start + n
	s.CountBytes(n)

	if aborted {
		// Метаданные сохраняются и после обрыва запроса
		ctx = context.WithoutCancel(ctx)
		s.Logger().Info("Запрос прерван клиентом, принятые байты сохранены",
			slog.String("id", u.ID),
			slog.Int64("bytes_written", u.BytesWritten),
		)
	}
	return s.commit(ctx, u, part.Final && !aborted)
}

// commit выставляет статус, итоговую контрольную сумму и сохраняет метаданные.
func (s *Storage) commit(ctx context.Context, u *model.Upload, final bool) (*model.Upload, error) {
	if err := s.FinishWrite(u, final); err != nil {
		return nil, err
	}
	if u.IsCompleted() && u.Checksum == "" && s.Config().Checksum != "" {
		h, err := s.Digests().Resume(u.ID, s.Config().Checksum, u.BytesWritten, s.opener(u))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка подсчёта контрольной суммы")
		}
		s.setFinalChecksum(u, h)
	}
	if err := s.SaveMeta(ctx, u); err != nil {
		return nil, err
	}
	s.Observe(u)
	return u, nil
}

// writeChunk пишет тело фрагмента с позиции part.Start.
// Возвращает число записанных байтов и признак обрыва запроса клиентом.
// При ошибке данные после part.Start отбрасываются.
func (s *Storage) writeChunk(ctx context.Context, u *model.Upload, part model.FilePart, limit int64) (int64, bool, error) {
	path := s.FullPath(u.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка создания директории")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o640)
	if err != nil {
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка открытия файла")
	}
	if _, err := f.Seek(part.Start, io.SeekStart); err != nil {
		f.Close()
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка позиционирования в файле")
	}

	src := checksum.LimitReader(part.Body, limit)
	if !part.Checksum.IsEmpty() {
		v, err := checksum.NewVerifier(src, part.Checksum)
		if err != nil {
			f.Close()
			return 0, false, err
		}
		src = v
	}

	var digest hash.Hash
	if alg := s.Config().Checksum; alg != "" {
		digest, err = s.Digests().Resume(u.ID, alg, part.Start, s.opener(u))
		if err != nil {
			f.Close()
			return 0, false, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка восстановления контрольной суммы")
		}
		src = io.TeeReader(src, digest)
	}

	n, copyErr := io.Copy(f, src)
	syncErr := f.Sync()
	closeErr := f.Close()

	if copyErr != nil {
		// Состояние хэша отражает непроверенный диапазон
		s.Digests().Delete(u.ID)

		_, typed := apierrors.As(copyErr)
		if !typed && storage.IsAborted(ctx, copyErr) {
			if !part.Checksum.IsEmpty() {
				if err := os.Truncate(path, part.Start); err != nil {
					return 0, true, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка отката фрагмента")
				}
				n = 0
			}
			return n, true, nil
		}

		if err := os.Truncate(path, part.Start); err != nil {
			s.Logger().Error("Ошибка отката фрагмента",
				slog.String("id", u.ID),
				slog.String("error", err.Error()),
			)
		}
		if typed {
			return 0, false, copyErr
		}
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, copyErr, "Ошибка записи фрагмента")
	}
	if syncErr != nil || closeErr != nil {
		s.Digests().Delete(u.ID)
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, errors.Join(syncErr, closeErr), "Ошибка сохранения фрагмента")
	}

	if digest != nil {
		if err := s.Digests().Save(u.ID, s.Config().Checksum, part.Start+n, digest); err != nil {
			s.Logger().Warn("Снимок контрольной суммы не сохранён",
				slog.String("id", u.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return n, false, nil
}

// Get возвращает загрузку с числом байтов по размеру файла.
func (s *Storage) Get(ctx context.Context, q model.FileQuery) (*model.Upload, error) {
	u, err := s.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.sync(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete удаляет файл данных и метаданные. Отсутствие загрузки
// ошибкой не является: возвращается запись-заглушка.
func (s *Storage) Delete(ctx context.Context, q model.FileQuery) ([]*model.Upload, error) {
	u, err := s.Load(ctx, q)
	if apierrors.HasCode(err, apierrors.CodeFileNotFound) {
		return []*model.Upload{{ID: q.ID, UserID: q.UserID, Status: model.StatusDeleted}}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := os.Remove(s.FullPath(u.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка удаления файла")
	}
	if err := s.DeleteMeta(ctx, u.ID); err != nil {
		return nil, err
	}

	u.SetStatus(model.StatusDeleted)
	s.Observe(u)
	return []*model.Upload{u}, nil
}

// Purge удаляет загрузки старше maxAge.
func (s *Storage) Purge(ctx context.Context, maxAge time.Duration, prefix string) ([]*model.Upload, error) {
	return s.PurgeWith(ctx, maxAge, prefix, s.Delete)
}

// sync выставляет BytesWritten по размеру файла данных.
func (s *Storage) sync(u *model.Upload) error {
	info, err := os.Stat(s.FullPath(u.Name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		u.BytesWritten = 0
	case err != nil:
		return apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка получения информации о файле")
	default:
		u.BytesWritten = info.Size()
	}
	return nil
}

// opener открывает файл данных для пересчёта контрольной суммы.
func (s *Storage) opener(u *model.Upload) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return os.Open(s.FullPath(u.Name))
	}
}

// setFinalChecksum записывает итоговую контрольную сумму и удаляет снимок.
// h == nil — сумма пустого файла.
func (s *Storage) setFinalChecksum(u *model.Upload, h hash.Hash) {
	alg := s.Config().Checksum
	if alg == "" {
		return
	}
	if h == nil {
		var err error
		if h, err = checksum.NewHash(alg); err != nil {
			return
		}
	}
	u.Checksum = hex.EncodeToString(h.Sum(nil))
	u.ChecksumAlgorithm = alg
	s.Digests().Delete(u.ID)
}

// claim создаёт пустой файл данных загрузки. Существующий файл
// перезаписывается, только если он принадлежит той же загрузке
// (повторная загрузка завершённого файла).
func (s *Storage) claim(ctx context.Context, u *model.Upload, path string) error {
	err := createEmpty(path, false)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка создания файла")
	}

	prev, err := s.GetMeta(ctx, u.ID)
	switch {
	case apierrors.HasCode(err, apierrors.CodeFileNotFound) || (err == nil && prev.Name != u.Name):
		return apierrors.Newf(apierrors.CodeFileConflict, "Файл %s уже принадлежит другой загрузке", u.Name)
	case err != nil:
		return err
	}
	if err := createEmpty(path, true); err != nil {
		return apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка создания файла")
	}
	return nil
}

// createEmpty создаёт пустой файл данных. Без overwrite существующий
// файл не трогается и возвращается ошибка fs.ErrExist.
func createEmpty(path string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}
