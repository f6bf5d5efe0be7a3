// Пакет checksum — проверка контрольных сумм фрагментов и возобновляемый
// подсчёт контрольной суммы файла между запросами.
//
// Поток байтов фрагмента проходит три стадии:
//  1. LimitReader — не больше объявленного числа байтов
//  2. Verifier — хэш фрагмента сверяется с объявленным клиентом
//  3. запись в хранилище (вызывающий код)
package checksum

import (
	"bytes"
	"crypto/md5"  //nolint:gosec // алгоритм выбирает клиент
	"crypto/sha1" //nolint:gosec // алгоритм выбирает клиент
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"sort"
	"strings"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
)

// Поддерживаемые алгоритмы.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA512 = "sha512"
	CRC32  = "crc32"
)

var constructors = map[string]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
	CRC32:  func() hash.Hash { return crc32.NewIEEE() },
}

// aliases — варианты написания алгоритмов в заголовках Digest и Upload-Checksum.
var aliases = map[string]string{
	"md5":     MD5,
	"sha":     SHA1,
	"sha1":    SHA1,
	"sha-1":   SHA1,
	"sha256":  SHA256,
	"sha-256": SHA256,
	"sha512":  SHA512,
	"sha-512": SHA512,
	"crc32":   CRC32,
	"crc32c":  "",
}

// Normalize приводит имя алгоритма к каноническому виду.
func Normalize(alg string) (string, bool) {
	name, ok := aliases[strings.ToLower(strings.TrimSpace(alg))]
	return name, ok && name != ""
}

// Supported возвращает канонические имена поддерживаемых алгоритмов.
func Supported() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHash создаёт хэш для алгоритма.
func NewHash(alg string) (hash.Hash, error) {
	name, ok := Normalize(alg)
	if !ok {
		return nil, errUnsupported(alg)
	}
	return constructors[name](), nil
}

func errUnsupported(alg string) error {
	return apierrors.Newf(apierrors.CodeUnsupportedChecksumAlgorithm, "Неподдерживаемый алгоритм контрольной суммы %q", alg)
}

// ErrMismatch — контрольная сумма фрагмента не совпала.
var ErrMismatch = apierrors.New(apierrors.CodeChecksumMismatch, "Контрольная сумма не совпадает")

// ParseUploadChecksum разбирает заголовок tus Upload-Checksum: "<alg> <base64>".
func ParseUploadChecksum(header string) (model.Checksum, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return model.Checksum{}, nil
	}
	alg, value, ok := strings.Cut(header, " ")
	if !ok || strings.TrimSpace(value) == "" {
		return model.Checksum{}, apierrors.New(apierrors.CodeBadRequest, "Некорректный заголовок Upload-Checksum")
	}
	name, supported := Normalize(alg)
	if !supported {
		return model.Checksum{}, errUnsupported(alg)
	}
	return model.Checksum{Algorithm: name, Value: strings.TrimSpace(value)}, nil
}

// ParseDigest разбирает заголовок Digest: "sha=<base64>" или "sha-256=<hex>".
// Из нескольких значений выбирается первое поддерживаемое.
func ParseDigest(header string) (model.Checksum, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return model.Checksum{}, nil
	}
	var firstAlg string
	for _, element := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(element), "=")
		if !ok {
			continue
		}
		if firstAlg == "" {
			firstAlg = alg
		}
		if name, supported := Normalize(alg); supported && value != "" {
			return model.Checksum{Algorithm: name, Value: strings.TrimSpace(value)}, nil
		}
	}
	if firstAlg == "" {
		return model.Checksum{}, apierrors.New(apierrors.CodeBadRequest, "Некорректный заголовок Digest")
	}
	return model.Checksum{}, errUnsupported(firstAlg)
}

// Decode декодирует значение контрольной суммы из hex или base64.
// size — длина дайджеста алгоритма в байтах.
func Decode(value string, size int) ([]byte, bool) {
	if len(value) == hex.EncodedLen(size) {
		if b, err := hex.DecodeString(value); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(value); err == nil && len(b) == size {
			return b, true
		}
	}
	return nil, false
}

// --- Стадии потока ---

// limitReader возвращает FILE_CONFLICT, если поток длиннее limit.
// Лишние байты дальше не передаются.
type limitReader struct {
	r         io.Reader
	remaining int64
}

// LimitReader ограничивает поток limit байтами. limit < 0 — без ограничения.
func LimitReader(r io.Reader, limit int64) io.Reader {
	if limit < 0 {
		return r
	}
	return &limitReader{r: r, remaining: limit}
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if int64(n) > l.remaining {
		n = int(l.remaining)
		l.remaining = 0
		return n, apierrors.New(apierrors.CodeFileConflict, "Получено больше данных, чем объявлено")
	}
	l.remaining -= int64(n)
	return n, err
}

// Verifier считает хэш проходящих байтов и сверяет его с ожидаемым
// значением при достижении конца потока.
type Verifier struct {
	r    io.Reader
	h    hash.Hash
	want []byte
	n    int64
}

// NewVerifier создаёт стадию проверки контрольной суммы фрагмента.
func NewVerifier(r io.Reader, sum model.Checksum) (*Verifier, error) {
	h, err := NewHash(sum.Algorithm)
	if err != nil {
		return nil, err
	}
	want, ok := Decode(sum.Value, h.Size())
	if !ok {
		return nil, apierrors.New(apierrors.CodeBadRequest, "Некорректное значение контрольной суммы")
	}
	return &Verifier{r: r, h: h, want: want}, nil
}

func (v *Verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
		v.n += int64(n)
	}
	if err == io.EOF && !bytes.Equal(v.h.Sum(nil), v.want) {
		return n, ErrMismatch
	}
	return n, err
}

// Sum возвращает вычисленный хэш фрагмента.
func (v *Verifier) Sum() []byte {
	return v.h.Sum(nil)
}
