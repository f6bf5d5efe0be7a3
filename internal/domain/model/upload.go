// Пакет model — доменные модели Upload Module.
// Upload — единая структура состояния загрузки, используется
// как in-memory представление и как формат записи в хранилище метаданных.
package model

import (
	"crypto/sha1" //nolint:gosec // идентификатор, не криптографическая стойкость
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UploadStatus — статус загрузки, возвращаемый операцией движка.
// Не сохраняется как «текущий» статус: присутствует только в значении,
// которое вернула операция.
type UploadStatus string

const (
	// StatusCreated — загрузка создана
	StatusCreated UploadStatus = "created"
	// StatusPart — принят очередной фрагмент
	StatusPart UploadStatus = "part"
	// StatusCompleted — все байты получены
	StatusCompleted UploadStatus = "completed"
	// StatusDeleted — загрузка удалена
	StatusDeleted UploadStatus = "deleted"
	// StatusUpdated — изменены метаданные
	StatusUpdated UploadStatus = "updated"
)

// Part — подтверждённая часть multipart-загрузки в объектном хранилище.
type Part struct {
	Number int    `json:"number"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// Upload — состояние одной загрузки файла.
type Upload struct {
	// ID — стабильный идентификатор загрузки
	ID string `json:"id"`

	// Name — ключ хранения (путь файла на диске или ключ объекта).
	// Не меняется после создания объекта.
	Name string `json:"name"`

	// OriginalName — имя файла, переданное клиентом
	OriginalName string `json:"original_name"`

	// ContentType — MIME-тип файла
	ContentType string `json:"content_type"`

	// Size — объявленный размер файла в байтах
	Size int64 `json:"size"`

	// SizeIsDeferred — размер ещё не известен (tus Upload-Defer-Length, multipart)
	SizeIsDeferred bool `json:"size_is_deferred,omitempty"`

	// BytesWritten — количество принятых байтов, не убывает
	BytesWritten int64 `json:"bytes_written"`

	// Metadata — произвольные метаданные клиента
	Metadata map[string]any `json:"metadata,omitempty"`

	// UserID — идентификатор владельца (из JWT sub)
	UserID string `json:"user_id,omitempty"`

	// URI — адрес объекта в бэкенде (file://, s3://)
	URI string `json:"uri,omitempty"`

	// RemoteUploadID — идентификатор multipart-сессии в объектном хранилище
	RemoteUploadID string `json:"remote_upload_id,omitempty"`

	// Parts — подтверждённые части multipart-сессии
	Parts []Part `json:"parts,omitempty"`

	// Checksum — итоговая контрольная сумма файла (hex), если включена
	Checksum string `json:"checksum,omitempty"`

	// ChecksumAlgorithm — алгоритм поля Checksum
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`

	// CreatedAt — время создания (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ModifiedAt — время последнего изменения (UTC)
	ModifiedAt time.Time `json:"modified_at"`

	// ExpiredAt — момент истечения по политике expiration
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	// Status — статус, возвращённый последней операцией
	Status UploadStatus `json:"status,omitempty"`

	// transition — операция перевела загрузку в новый статус
	transition bool
}

// FileInit — запрос на создание загрузки.
type FileInit struct {
	OriginalName string
	ContentType  string
	// Size — объявленный размер; отрицательное значение — размер неизвестен
	Size     int64
	Metadata map[string]any
	UserID   string
}

// Checksum — контрольная сумма фрагмента, объявленная клиентом.
type Checksum struct {
	Algorithm string
	Value     string
}

// IsEmpty сообщает, что контрольная сумма не передана.
func (c Checksum) IsEmpty() bool {
	return c.Algorithm == "" || c.Value == ""
}

// FilePart — запрос на запись фрагмента. Не сохраняется.
type FilePart struct {
	ID     string
	UserID string
	// Start — смещение первого байта фрагмента
	Start int64
	// Body — поток байтов; nil означает запрос состояния
	Body io.Reader
	// ContentLength — длина фрагмента, -1 если неизвестна
	ContentLength int64
	// Size — полный размер файла из запроса, -1 если не передан
	Size int64
	// Final — поток содержит весь остаток файла (однократная загрузка)
	Final    bool
	Checksum Checksum
}

// FileQuery — адресация существующей загрузки.
type FileQuery struct {
	ID     string
	UserID string
}

// Ключи метаданных, из которых извлекаются имя, тип и размер файла.
var (
	nameKeys = []string{"name", "filename", "fileName", "originalName", "title"}
	typeKeys = []string{"mimeType", "contentType", "type", "filetype", "fileType"}
	sizeKeys = []string{"size", "fileSize"}
)

// LastModifiedKey — ключ метаданных с временем изменения файла у клиента.
const LastModifiedKey = "lastModified"

// NewUpload создаёт загрузку из запроса на создание.
// ID вычисляется из метаданных, если клиент передал lastModified,
// иначе генерируется случайный.
func NewUpload(init FileInit, now time.Time) *Upload {
	meta := make(map[string]any, len(init.Metadata))
	maps.Copy(meta, init.Metadata)

	u := &Upload{
		OriginalName: init.OriginalName,
		ContentType:  init.ContentType,
		Size:         init.Size,
		Metadata:     meta,
		UserID:       init.UserID,
		CreatedAt:    now.UTC(),
		ModifiedAt:   now.UTC(),
	}

	if u.OriginalName == "" {
		u.OriginalName = ExtractOriginalName(meta)
	}
	if u.ContentType == "" {
		u.ContentType = ExtractMimeType(meta)
	}
	if u.ContentType == "" {
		u.ContentType = "application/octet-stream"
	}
	if u.Size < 0 {
		if size, ok := ExtractSize(meta); ok {
			u.Size = size
		}
	}
	if u.Size < 0 {
		u.Size = 0
		u.SizeIsDeferred = true
	}

	u.ID = deriveID(u)
	return u
}

// deriveID вычисляет идентификатор загрузки.
func deriveID(u *Upload) string {
	lastModified, ok := u.Metadata[LastModifiedKey]
	if !ok || u.SizeIsDeferred {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	h := sha1.New() //nolint:gosec // идентификатор, не криптографическая стойкость
	fmt.Fprintf(h, "%s-%d-%v-%s", u.OriginalName, u.Size, lastModified, u.UserID)
	return hex.EncodeToString(h.Sum(nil))
}

// IsCompleted сообщает, что получены все объявленные байты.
func (u *Upload) IsCompleted() bool {
	return !u.SizeIsDeferred && u.BytesWritten == u.Size
}

// SetStatus устанавливает статус результата операции и отмечает переход.
func (u *Upload) SetStatus(status UploadStatus) {
	u.Status = status
	u.transition = true
}

// Transitioned сообщает, что последняя операция изменила состояние загрузки.
// Повторное чтение уже завершённой загрузки переходом не является.
func (u *Upload) Transitioned() bool {
	return u.transition
}

// IsExpired проверяет истечение срока загрузки.
func (u *Upload) IsExpired(now time.Time) bool {
	return u.ExpiredAt != nil && now.After(*u.ExpiredAt)
}

// SetSize фиксирует размер, который ранее был неизвестен.
func (u *Upload) SetSize(size int64) {
	u.Size = size
	u.SizeIsDeferred = false
}

// MergeMetadata объединяет метаданные; ключи со значением nil удаляются.
// Возвращает true, если изменилось имя файла.
func (u *Upload) MergeMetadata(patch map[string]any) bool {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(u.Metadata, k)
			continue
		}
		u.Metadata[k] = v
	}

	name := ExtractOriginalName(patch)
	if name != "" && name != u.OriginalName {
		u.OriginalName = name
		return true
	}
	return false
}

// Clone возвращает независимую копию загрузки без статуса операции.
func (u *Upload) Clone() *Upload {
	c := *u
	c.Status = ""
	c.transition = false
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		maps.Copy(c.Metadata, u.Metadata)
	}
	if u.Parts != nil {
		c.Parts = append([]Part(nil), u.Parts...)
	}
	if u.ExpiredAt != nil {
		t := *u.ExpiredAt
		c.ExpiredAt = &t
	}
	return &c
}

// SameContent сравнивает две загрузки без учёта изменчивых полей
// (bytes_written, expired_at, modified_at, status).
func (u *Upload) SameContent(other *Upload) bool {
	if other == nil {
		return false
	}
	a, b := u.Clone(), other.Clone()
	for _, c := range []*Upload{a, b} {
		c.BytesWritten = 0
		c.ExpiredAt = nil
		c.ModifiedAt = time.Time{}
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// ExtractOriginalName возвращает имя файла из метаданных клиента.
func ExtractOriginalName(meta map[string]any) string {
	for _, k := range nameKeys {
		if s, ok := meta[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ExtractMimeType возвращает MIME-тип из метаданных клиента.
func ExtractMimeType(meta map[string]any) string {
	for _, k := range typeKeys {
		if s, ok := meta[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ExtractSize возвращает размер файла из метаданных клиента.
// JSON-числа приходят как float64, tus-метаданные — как строки.
func ExtractSize(meta map[string]any) (int64, bool) {
	for _, k := range sizeKeys {
		switch v := meta[k].(type) {
		case float64:
			if v >= 0 {
				return int64(v), true
			}
		case int64:
			if v >= 0 {
				return v, true
			}
		case int:
			if v >= 0 {
				return int64(v), true
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	return 0, false
}
