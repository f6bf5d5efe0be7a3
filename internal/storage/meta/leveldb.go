package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// levelDBPrefix — префикс ключей записей загрузок.
const levelDBPrefix = "upload:"

// LevelDBStore хранит метаданные во встроенной базе LevelDB.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore открывает (или создаёт) базу по пути path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия LevelDB %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func levelKey(id string) []byte {
	return []byte(levelDBPrefix + id)
}

// Save записывает запись целиком.
func (s *LevelDBStore) Save(_ context.Context, id string, u *model.Upload) error {
	data, err := json.Marshal(persisted(u))
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	if err := s.db.Put(levelKey(id), data, nil); err != nil {
		return fmt.Errorf("ошибка записи метаданных %s: %w", id, err)
	}
	return nil
}

// Touch в LevelDB равнозначен Save: частичного обновления значения нет.
func (s *LevelDBStore) Touch(ctx context.Context, id string, u *model.Upload) error {
	return s.Save(ctx, id, u)
}

// Get читает запись.
func (s *LevelDBStore) Get(_ context.Context, id string) (*model.Upload, error) {
	data, err := s.db.Get(levelKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных %s: %w", id, err)
	}
	var u model.Upload
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("ошибка десериализации метаданных %s: %w", id, err)
	}
	return &u, nil
}

// Delete удаляет запись.
func (s *LevelDBStore) Delete(_ context.Context, id string) error {
	if err := s.db.Delete(levelKey(id), nil); err != nil {
		return fmt.Errorf("ошибка удаления метаданных %s: %w", id, err)
	}
	return nil
}

// List перебирает ключи с префиксом.
func (s *LevelDBStore) List(_ context.Context, prefix string) ([]ListItem, error) {
	iter := s.db.NewIterator(util.BytesPrefix(levelKey(prefix)), nil)
	defer iter.Release()

	var items []ListItem
	for iter.Next() {
		var u model.Upload
		if err := json.Unmarshal(iter.Value(), &u); err != nil {
			continue
		}
		items = append(items, itemOf(&u))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("ошибка итерации LevelDB: %w", err)
	}
	return items, nil
}

// Close закрывает базу.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
