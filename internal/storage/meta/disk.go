package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/validation"
)

// DiskStore хранит метаданные в sidecar-файлах <dir>/<id>.attr.json.
// Запись выполняется атомарно: temp → fsync → rename.
type DiskStore struct {
	dir    string
	logger *slog.Logger
}

// NewDiskStore создаёт хранилище метаданных в директории dir.
func NewDiskStore(dir string, logger *slog.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию метаданных %s: %w", dir, err)
	}
	return &DiskStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "meta_disk")),
	}, nil
}

// FilePath возвращает путь sidecar-файла для id.
func (s *DiskStore) FilePath(id string) string {
	return filepath.Join(s.dir, id+validation.MetaSuffix)
}

// Save атомарно записывает метаданные.
func (s *DiskStore) Save(_ context.Context, id string, u *model.Upload) error {
	if !validID(id) {
		return errNotFound(id)
	}
	data, err := json.MarshalIndent(persisted(u), "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	return writeAtomic(s.FilePath(id), data)
}

// Touch перезаписывает sidecar-файл целиком, включая bytes_written и modified_at.
func (s *DiskStore) Touch(ctx context.Context, id string, u *model.Upload) error {
	return s.Save(ctx, id, u)
}

// Get читает метаданные.
func (s *DiskStore) Get(_ context.Context, id string) (*model.Upload, error) {
	if !validID(id) {
		return nil, errNotFound(id)
	}
	path := s.FilePath(id)
	u, err := readFile(path)
	if os.IsNotExist(err) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Delete удаляет sidecar-файл. Возвращает nil, если файла уже нет.
func (s *DiskStore) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	err := os.Remove(s.FilePath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления метаданных %s: %w", id, err)
	}
	return nil
}

// List сканирует директорию и возвращает записи с id, начинающимся с prefix.
// Невалидные файлы пропускаются с предупреждением.
func (s *DiskStore) List(ctx context.Context, prefix string) ([]ListItem, error) {
	pattern := filepath.Join(s.dir, "*"+validation.MetaSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", s.dir, err)
	}

	items := make([]ListItem, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), validation.MetaSuffix)
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		u, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("Пропуск невалидного файла метаданных",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, itemOf(u))
	}
	return items, nil
}

// Close ничего не делает для дискового хранилища.
func (s *DiskStore) Close() error { return nil }

func readFile(path string) (*model.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var u model.Upload
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	return &u, nil
}

// writeAtomic записывает данные через temp файл, fsync и rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
