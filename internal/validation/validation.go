// Пакет validation — упорядоченный набор правил проверки загрузки.
// Правила выполняются в порядке добавления, первая неудача прерывает проверку.
package validation

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// Ключи встроенных правил.
const (
	RuleSize     = "size"
	RuleMIME     = "mime"
	RuleFilename = "filename"
	RuleMetadata = "metadata"
)

// MetaSuffix — зарезервированный суффикс sidecar-файлов метаданных.
const MetaSuffix = ".attr.json"

// maxFilenameLength — максимальная длина имени файла.
const maxFilenameLength = 255

// Rule — правило проверки загрузки.
type Rule struct {
	// Key — имя правила; повторное добавление с тем же ключом заменяет правило
	Key string
	// Check возвращает false, если загрузка не проходит проверку
	Check func(u *model.Upload) bool
	// Response — ошибка, возвращаемая при неудаче
	Response *apierrors.Error
}

// Validator — упорядоченный набор правил.
type Validator struct {
	mu    sync.RWMutex
	order []string
	rules map[string]Rule
}

// New создаёт пустой набор правил.
func New() *Validator {
	return &Validator{rules: make(map[string]Rule)}
}

// Add добавляет правило или заменяет существующее с тем же ключом.
// Заменённое правило сохраняет свою позицию.
func (v *Validator) Add(rule Rule) error {
	if rule.Key == "" {
		return fmt.Errorf("правило без ключа")
	}
	if rule.Check == nil {
		return fmt.Errorf("правило %q: не задана функция проверки", rule.Key)
	}
	if rule.Response == nil {
		rule.Response = apierrors.Newf(apierrors.CodeUnprocessableEntity, "Загрузка не прошла проверку %q", rule.Key)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.rules[rule.Key]; !exists {
		v.order = append(v.order, rule.Key)
	}
	v.rules[rule.Key] = rule
	return nil
}

// Keys возвращает ключи правил в порядке выполнения.
func (v *Validator) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.order...)
}

// Verify выполняет правила по порядку и возвращает ошибку первого
// не прошедшего правила.
func (v *Validator) Verify(u *model.Upload) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, key := range v.order {
		rule := v.rules[key]
		if !rule.Check(u) {
			return rule.Response
		}
	}
	return nil
}

// --- Встроенные правила ---

// SizeRule — размер не превышает maxSize. maxSize <= 0 отключает проверку.
func SizeRule(maxSize int64) Rule {
	return Rule{
		Key: RuleSize,
		Check: func(u *model.Upload) bool {
			return maxSize <= 0 || u.Size <= maxSize
		},
		Response: apierrors.Newf(apierrors.CodeRequestEntityTooLarge,
			"Размер файла превышает максимально допустимый (%d байт)", maxSize),
	}
}

// MIMERule — content type совпадает с одним из шаблонов (video/*, */*).
func MIMERule(patterns []string) Rule {
	return Rule{
		Key: RuleMIME,
		Check: func(u *model.Upload) bool {
			return MatchMIME(u.ContentType, patterns)
		},
		Response: apierrors.New(apierrors.CodeFileNotAllowed, "Недопустимый тип файла"),
	}
}

// FilenameRule — ключ хранения не пустой, без обхода каталогов
// и зарезервированных суффиксов.
func FilenameRule() Rule {
	return Rule{
		Key: RuleFilename,
		Check: func(u *model.Upload) bool {
			return ValidFilename(u.Name)
		},
		Response: apierrors.New(apierrors.CodeInvalidFileName, "Недопустимое имя файла"),
	}
}

// MetadataRule — сериализованные метаданные не превышают maxSize байт.
func MetadataRule(maxSize int) Rule {
	return Rule{
		Key: RuleMetadata,
		Check: func(u *model.Upload) bool {
			if maxSize <= 0 || len(u.Metadata) == 0 {
				return true
			}
			data, err := json.Marshal(u.Metadata)
			return err == nil && len(data) <= maxSize
		},
		Response: apierrors.Newf(apierrors.CodeRequestEntityTooLarge,
			"Размер метаданных превышает максимально допустимый (%d байт)", maxSize),
	}
}

// MatchMIME проверяет content type по списку шаблонов.
// Пустой список разрешает любой тип.
func MatchMIME(contentType string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, p := range patterns {
		if ok, err := path.Match(strings.ToLower(p), ct); err == nil && ok {
			return true
		}
	}
	return false
}

// ValidFilename проверяет имя файла.
func ValidFilename(name string) bool {
	if strings.TrimSpace(name) == "" || len(name) > maxFilenameLength {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "\x00") || strings.HasPrefix(name, "/") {
		return false
	}
	if strings.HasSuffix(name, MetaSuffix) || strings.HasSuffix(name, MetaSuffix+".tmp") {
		return false
	}
	return true
}
