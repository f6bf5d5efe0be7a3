package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// DBTX — общий интерфейс pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore хранит метаданные в таблице uploads.
// Запись целиком лежит в колонке record (jsonb); bytes_written и modified_at
// вынесены в колонки, чтобы Touch не переписывал документ.
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore создаёт хранилище метаданных поверх пула подключений.
// Схема создаётся миграциями пакета database.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save вставляет или полностью заменяет запись.
func (s *PostgresStore) Save(ctx context.Context, id string, u *model.Upload) error {
	record, err := json.Marshal(persisted(u))
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	query := `
		INSERT INTO uploads (id, user_id, record, bytes_written, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			record = EXCLUDED.record,
			bytes_written = EXCLUDED.bytes_written,
			modified_at = EXCLUDED.modified_at`

	_, err = s.db.Exec(ctx, query, id, u.UserID, record, u.BytesWritten, u.CreatedAt, modifiedAt(u))
	if err != nil {
		return fmt.Errorf("ошибка сохранения метаданных %s: %w", id, err)
	}
	return nil
}

// Touch обновляет смещение и время изменения.
func (s *PostgresStore) Touch(ctx context.Context, id string, u *model.Upload) error {
	query := `UPDATE uploads SET bytes_written = $2, modified_at = $3 WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, u.BytesWritten, modifiedAt(u))
	if err != nil {
		return fmt.Errorf("ошибка обновления метаданных %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.Save(ctx, id, u)
	}
	return nil
}

// Get возвращает запись по id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Upload, error) {
	query := `SELECT record, bytes_written, modified_at FROM uploads WHERE id = $1`

	var (
		record       []byte
		bytesWritten int64
		modified     time.Time
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&record, &bytesWritten, &modified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errNotFound(id)
		}
		return nil, fmt.Errorf("ошибка получения метаданных %s: %w", id, err)
	}

	var u model.Upload
	if err := json.Unmarshal(record, &u); err != nil {
		return nil, fmt.Errorf("ошибка десериализации метаданных %s: %w", id, err)
	}
	u.BytesWritten = bytesWritten
	u.ModifiedAt = modified.UTC()
	return &u, nil
}

// Delete удаляет запись.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка удаления метаданных %s: %w", id, err)
	}
	return nil
}

// List возвращает записи с id, начинающимся с prefix, в порядке создания.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]ListItem, error) {
	query := `
		SELECT id, user_id, created_at, modified_at
		FROM uploads
		WHERE starts_with(id, $1)
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка загрузок: %w", err)
	}
	defer rows.Close()

	var items []ListItem
	for rows.Next() {
		var it ListItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.CreatedAt, &it.ModifiedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		it.CreatedAt = it.CreatedAt.UTC()
		it.ModifiedAt = it.ModifiedAt.UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации строк: %w", err)
	}
	return items, nil
}

// Close ничего не делает: пулом владеет вызывающий код.
func (s *PostgresStore) Close() error { return nil }

func modifiedAt(u *model.Upload) time.Time {
	if u.ModifiedAt.IsZero() {
		return time.Now().UTC()
	}
	return u.ModifiedAt
}
