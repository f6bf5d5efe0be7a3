// Пакет errors — типизированные ошибки Upload Module и их HTTP-представление.
// Формат JSON: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны проходить через Write или WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code — машиночитаемый код ошибки.
type Code string

// Коды ошибок движка загрузок.
const (
	CodeBadRequest                   Code = "BAD_REQUEST"
	CodeFileConflict                 Code = "FILE_CONFLICT"
	CodeFileError                    Code = "FILE_ERROR"
	CodeFileNotAllowed               Code = "FILE_NOT_ALLOWED"
	CodeFileNotFound                 Code = "FILE_NOT_FOUND"
	CodeForbidden                    Code = "FORBIDDEN"
	CodeGone                         Code = "GONE"
	CodeInvalidFileName              Code = "INVALID_FILE_NAME"
	CodeInvalidRange                 Code = "INVALID_RANGE"
	CodeRequestEntityTooLarge        Code = "REQUEST_ENTITY_TOO_LARGE"
	CodeChecksumMismatch             Code = "CHECKSUM_MISMATCH"
	CodeUnsupportedChecksumAlgorithm Code = "UNSUPPORTED_CHECKSUM_ALGORITHM"
	CodeStorageError                 Code = "STORAGE_ERROR"
	CodeTooManyRequests              Code = "TOO_MANY_REQUESTS"
	CodeUnprocessableEntity          Code = "UNPROCESSABLE_ENTITY"
	CodeRequestAborted               Code = "REQUEST_ABORTED"
	CodeFileLocked                   Code = "FILE_LOCKED"
	CodeUnauthorized                 Code = "UNAUTHORIZED"
	CodeMethodNotAllowed             Code = "METHOD_NOT_ALLOWED"
	CodeUnsupportedMediaType         Code = "UNSUPPORTED_MEDIA_TYPE"
)

// StatusChecksumMismatch — нестандартный статус, отличающий несовпадение
// контрольной суммы от обычного конфликта.
const StatusChecksumMismatch = 460

// StatusRequestAborted — клиент оборвал запрос.
const StatusRequestAborted = 499

var defaultStatus = map[Code]int{
	CodeBadRequest:                   http.StatusBadRequest,
	CodeFileConflict:                 http.StatusConflict,
	CodeFileError:                    http.StatusInternalServerError,
	CodeFileNotAllowed:               http.StatusForbidden,
	CodeFileNotFound:                 http.StatusNotFound,
	CodeForbidden:                    http.StatusForbidden,
	CodeGone:                         http.StatusGone,
	CodeInvalidFileName:              http.StatusBadRequest,
	CodeInvalidRange:                 http.StatusBadRequest,
	CodeRequestEntityTooLarge:        http.StatusRequestEntityTooLarge,
	CodeChecksumMismatch:             StatusChecksumMismatch,
	CodeUnsupportedChecksumAlgorithm: http.StatusBadRequest,
	CodeStorageError:                 http.StatusServiceUnavailable,
	CodeTooManyRequests:              http.StatusTooManyRequests,
	CodeUnprocessableEntity:          http.StatusUnprocessableEntity,
	CodeRequestAborted:               StatusRequestAborted,
	CodeFileLocked:                   http.StatusLocked,
	CodeUnauthorized:                 http.StatusUnauthorized,
	CodeMethodNotAllowed:             http.StatusMethodNotAllowed,
	CodeUnsupportedMediaType:         http.StatusUnsupportedMediaType,
}

// StatusFor возвращает HTTP-статус по умолчанию для кода.
func StatusFor(code Code) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error — типизированная ошибка с готовым HTTP-ответом.
type Error struct {
	StatusCode int
	Code       Code
	Message    string
	// Headers — дополнительные заголовки ответа (например, Upload-Offset)
	Headers http.Header
	// cause — исходная ошибка инфраструктуры
	cause error
}

// New создаёт ошибку со статусом по умолчанию для кода.
func New(code Code, message string) *Error {
	return &Error{StatusCode: StatusFor(code), Code: code, Message: message}
}

// Newf создаёт ошибку с форматированным сообщением.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap создаёт ошибку кода code, сохраняя исходную причину.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную причину.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithStatus возвращает копию ошибки с другим HTTP-статусом.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.StatusCode = status
	return &c
}

// WithHeader возвращает копию ошибки с дополнительным заголовком ответа.
func (e *Error) WithHeader(key, value string) *Error {
	c := *e
	c.Headers = e.Headers.Clone()
	if c.Headers == nil {
		c.Headers = http.Header{}
	}
	c.Headers.Set(key, value)
	return &c
}

// As извлекает *Error из цепочки ошибок.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode проверяет, что в цепочке есть ошибка с указанным кодом.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// FromError приводит произвольную ошибку к *Error.
// Неизвестные ошибки становятся FileError (500).
func FromError(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(CodeFileError, err, "Внутренняя ошибка обработки файла")
}

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в JSON формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    string(code),
			Message: message,
		},
	})
}

// WriteText записывает ответ ошибки простым текстом.
func WriteText(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}

// Write записывает ошибку в формате JSON или текста.
func Write(w http.ResponseWriter, e *Error, asText bool) {
	for k, v := range e.Headers {
		w.Header()[k] = v
	}
	if asText {
		WriteText(w, e.StatusCode, e.Message)
		return
	}
	WriteError(w, e.StatusCode, e.Code, e.Message)
}

// --- Конструкторы для middleware ---

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}
