package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// Namer вычисляет ключ хранения загрузки. Ключ не меняется после
// создания объекта в бэкенде.
type Namer func(u *model.Upload) string

// Схемы именования.
const (
	NamingID       = "id"
	NamingOriginal = "original"
)

// NamerFor возвращает функцию именования для схемы.
func NamerFor(scheme string) (Namer, error) {
	switch scheme {
	case "", NamingID:
		return IDNamer, nil
	case NamingOriginal:
		return OriginalNamer, nil
	default:
		return nil, fmt.Errorf("неизвестная схема именования %q", scheme)
	}
}

// IDNamer — {userId}/{id} или {id} для загрузок без владельца.
func IDNamer(u *model.Upload) string {
	return withUser(u.UserID, u.ID)
}

// OriginalNamer — {userId}/{originalName} с очищенным именем.
// Без имени используется id.
func OriginalNamer(u *model.Upload) string {
	if u.OriginalName == "" {
		return IDNamer(u)
	}
	ext := filepath.Ext(u.OriginalName)
	name := sanitize(strings.TrimSuffix(u.OriginalName, ext))
	if ext != "" {
		name += sanitize(ext)
	}
	return withUser(u.UserID, name)
}

func withUser(userID, name string) string {
	if userID == "" {
		return name
	}
	return sanitize(userID) + "/" + name
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет буквы, цифры, точку, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return strings.ReplaceAll(result.String(), "..", "_")
}
