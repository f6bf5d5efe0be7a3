package checksum

import (
	"encoding"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// snapshot — сериализованное состояние хэша после offset байтов.
type snapshot struct {
	alg    string
	offset int64
	state  []byte
}

// Store — хранилище снимков состояния хэша файлов между запросами.
// Снимок применим, только если его смещение совпадает с началом
// очередного фрагмента.
type Store struct {
	lru *expirable.LRU[string, snapshot]
}

// NewStore создаёт хранилище на size снимков с временем жизни ttl.
func NewStore(size int, ttl time.Duration) *Store {
	return &Store{lru: expirable.NewLRU[string, snapshot](size, nil, ttl)}
}

// Save сохраняет состояние хэша h после offset байтов файла key.
func (s *Store) Save(key, alg string, offset int64, h hash.Hash) error {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return fmt.Errorf("хэш %s не поддерживает сериализацию состояния", alg)
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("ошибка сериализации состояния хэша: %w", err)
	}
	s.lru.Add(key, snapshot{alg: alg, offset: offset, state: state})
	return nil
}

// Load восстанавливает хэш файла key, если есть снимок ровно на offset.
func (s *Store) Load(key, alg string, offset int64) (hash.Hash, bool) {
	snap, ok := s.lru.Get(key)
	if !ok || snap.offset != offset || snap.alg != alg {
		return nil, false
	}
	h, err := NewHash(alg)
	if err != nil {
		return nil, false
	}
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok || u.UnmarshalBinary(snap.state) != nil {
		return nil, false
	}
	return h, true
}

// Delete удаляет снимок файла key.
func (s *Store) Delete(key string) {
	s.lru.Remove(key)
}

// Resume возвращает хэш первых offset байтов файла key.
// При отсутствии подходящего снимка хэш пересчитывается по данным,
// уже записанным в хранилище: open должен вернуть поток с начала файла.
func (s *Store) Resume(key, alg string, offset int64, open func() (io.ReadCloser, error)) (hash.Hash, error) {
	if h, ok := s.Load(key, alg, offset); ok {
		return h, nil
	}

	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		return h, nil
	}

	src, err := open()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла для пересчёта хэша: %w", err)
	}
	defer src.Close()

	n, err := io.Copy(h, io.LimitReader(src, offset))
	if err != nil {
		return nil, fmt.Errorf("ошибка пересчёта хэша: %w", err)
	}
	if n != offset {
		return nil, fmt.Errorf("файл короче ожидаемого: прочитано %d из %d байт", n, offset)
	}
	return h, nil
}
