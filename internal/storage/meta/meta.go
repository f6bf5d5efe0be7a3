// Пакет meta — хранилища метаданных загрузок и LRU-кэш перед ними.
// Реализации: sidecar-файлы на диске, PostgreSQL, LevelDB.
package meta

import (
	"context"
	"strings"
	"time"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// ListItem — краткая запись списка загрузок.
type ListItem struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// MetaStorage — долговременное хранилище метаданных загрузок.
type MetaStorage interface {
	// Save полностью сохраняет запись.
	Save(ctx context.Context, id string, u *model.Upload) error
	// Touch обновляет изменчивые поля записи; может не перезаписывать её целиком.
	Touch(ctx context.Context, id string, u *model.Upload) error
	// Get возвращает запись или ошибку FILE_NOT_FOUND.
	Get(ctx context.Context, id string) (*model.Upload, error)
	// Delete удаляет запись; отсутствие записи ошибкой не является.
	Delete(ctx context.Context, id string) error
	// List возвращает записи, id которых начинается с prefix.
	List(ctx context.Context, prefix string) ([]ListItem, error)
	// Close освобождает ресурсы хранилища.
	Close() error
}

// errNotFound — ошибка отсутствия записи.
func errNotFound(id string) error {
	return apierrors.Newf(apierrors.CodeFileNotFound, "Загрузка %s не найдена", id)
}

// validID отсекает идентификаторы, которые нельзя использовать как ключ.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// itemOf строит элемент списка из записи.
func itemOf(u *model.Upload) ListItem {
	return ListItem{
		ID:         u.ID,
		UserID:     u.UserID,
		CreatedAt:  u.CreatedAt,
		ModifiedAt: u.ModifiedAt,
	}
}

// persisted возвращает копию записи без статуса операции.
func persisted(u *model.Upload) *model.Upload {
	return u.Clone()
}
