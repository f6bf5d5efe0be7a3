// Пакет s3 — бэкенд хранения загрузок в S3-совместимом объектном
// хранилище (MinIO, AWS S3, Google Cloud Storage через XML API).
// Каждый фрагмент становится частью multipart-сессии; число принятых
// байтов — сумма размеров подтверждённых частей.
package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apierrors "github.com/bigkaa/goartstore/upload-module/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/checksum"
)

// maxPartsPerPage — максимум частей в одном ответе ListObjectParts.
const maxPartsPerPage = 1000

// DefaultMinPartSize — минимальный размер незавершающей части S3 и GCS.
const DefaultMinPartSize = 5 << 20

// Client — подмножество minio.Core, используемое бэкендом.
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int,
		data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	ListObjectParts(ctx context.Context, bucket, object, uploadID string,
		partNumberMarker, maxParts int) (minio.ListObjectPartsResult, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string,
		parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	PutObject(ctx context.Context, bucket, object string, data io.Reader, size int64,
		md5Base64, sha256Hex string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
}

// Config — параметры подключения к объектному хранилищу.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// MinPartSize — минимальный размер фрагмента, кроме последнего (0 — без проверки)
	MinPartSize int64
}

// NewClient создаёт клиент minio с низкоуровневым multipart API.
func NewClient(cfg Config) (*minio.Core, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента S3: %w", err)
	}
	return &minio.Core{Client: client}, nil
}

// Storage — бэкенд объектного хранилища.
type Storage struct {
	*storage.Base
	client Client
	bucket string
	// tmpDir — директория буферизации фрагментов (пусто — системная)
	tmpDir      string
	minPartSize int64
}

// New создаёт бэкенд. Недоступный бакет не является ошибкой создания:
// бэкенд помечается неготовым, и все запросы отклоняются с STORAGE_ERROR.
func New(ctx context.Context, client Client, cfg Config, tmpDir string, opts storage.Options, logger *slog.Logger) (*Storage, error) {
	base, err := storage.NewBase("s3", opts, logger)
	if err != nil {
		return nil, err
	}
	s := &Storage{Base: base, client: client, bucket: cfg.Bucket, tmpDir: tmpDir, minPartSize: cfg.MinPartSize}

	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		s.Logger().Error("Бакет недоступен, хранилище не готово",
			slog.String("bucket", cfg.Bucket),
			slog.String("error", err.Error()),
		)
		s.SetReady(false)
	}
	return s, nil
}

// ensureBucket проверяет существование бакета и создаёт его при отсутствии.
func (s *Storage) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ошибка проверки бакета: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("ошибка создания бакета: %w", err)
	}
	return nil
}

// Create открывает multipart-сессию. Пустой файл сразу сохраняется объектом.
func (s *Storage) Create(ctx context.Context, init model.FileInit) (*model.Upload, error) {
	u, existing, err := s.Prepare(ctx, init)
	if err != nil {
		return nil, err
	}
	if existing {
		return u, nil
	}
	u.URI = s.uri(u)

	if u.IsCompleted() {
		if err := s.putEmpty(ctx, u); err != nil {
			return nil, err
		}
		s.setFinalChecksum(u, nil)
		u.SetStatus(model.StatusCompleted)
	} else {
		uploadID, err := s.client.NewMultipartUpload(ctx, s.bucket, u.Name, s.putOptions(u))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка создания multipart-загрузки")
		}
		u.RemoteUploadID = uploadID
		u.SetStatus(model.StatusCreated)
	}

	if err := s.SaveMeta(ctx, u); err != nil {
		s.abort(ctx, u)
		return nil, err
	}
	s.Observe(u)
	return u, nil
}

// Write загружает фрагмент очередной частью multipart-сессии.
func (s *Storage) Write(ctx context.Context, part model.FilePart) (*model.Upload, error) {
	if err := s.Lock(part.ID); err != nil {
		return nil, err
	}
	defer s.Unlock(part.ID)

	u, err := s.Load(ctx, model.FileQuery{ID: part.ID, UserID: part.UserID})
	if err != nil {
		return nil, err
	}
	if u.IsCompleted() {
		u.Status = model.StatusCompleted
		return u, nil
	}
	if err := s.CheckExpired(ctx, u, s.Delete); err != nil {
		return nil, err
	}
	if err := s.syncParts(ctx, u); err != nil {
		return nil, err
	}

	wasDeferred := u.SizeIsDeferred
	if err := s.ReconcileSize(u, part); err != nil {
		return nil, err
	}
	if part.Body == nil {
		if wasDeferred && !u.SizeIsDeferred {
			return s.commit(ctx, u, false)
		}
		u.Status = model.StatusPart
		return u, nil
	}

	if err := storage.CheckOffset(u, part); err != nil {
		return nil, err
	}
	limit, err := s.ChunkLimit(u, part)
	if err != nil {
		return nil, err
	}
	if part.ContentLength >= 0 {
		if err := s.checkPartSize(u, part.Start, part.ContentLength, part.Final); err != nil {
			return nil, err
		}
	}

	n, aborted, err := s.writePart(ctx, u, part, limit)
	if err != nil {
		return nil, err
	}
	s.CountBytes(n)
	if aborted {
		// Метаданные сохраняются и после обрыва запроса
		ctx = context.WithoutCancel(ctx)
		s.Logger().Info("Запрос прерван клиентом, принятые байты сохранены",
			slog.String("id", u.ID),
			slog.Int64("bytes_written", u.BytesWritten),
		)
	}
	return s.commit(ctx, u, part.Final && !aborted)
}

// writePart буферизует фрагмент во временный файл, проверяет его
// и загружает частью. Возвращает число загруженных байтов.
func (s *Storage) writePart(ctx context.Context, u *model.Upload, part model.FilePart, limit int64) (int64, bool, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "um-part-*")
	if err != nil {
		return 0, false, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка создания временного файла")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	src := checksum.LimitReader(part.Body, limit)
	if !part.Checksum.IsEmpty() {
		v, err := checksum.NewVerifier(src, part.Checksum)
		if err != nil {
			return 0, false, err
		}
		src = v
	}

	n, copyErr := io.Copy(tmp, src)
	aborted := false
	if copyErr != nil {
		_, typed := apierrors.As(copyErr)
		switch {
		case typed:
			return 0, false, copyErr
		case storage.IsAborted(ctx, copyErr):
			aborted = true
			if !part.Checksum.IsEmpty() {
				n = 0
			}
		default:
			return 0, false, apierrors.Wrap(apierrors.CodeFileError, copyErr, "Ошибка приёма фрагмента")
		}
	}
	if n == 0 {
		return 0, aborted, nil
	}
	if err := s.checkPartSize(u, part.Start, n, part.Final && !aborted); err != nil {
		// Оборванный короткий фрагмент отбрасывается, клиент продолжит с прежнего смещения
		if aborted {
			return 0, true, nil
		}
		return 0, false, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, aborted, apierrors.Wrap(apierrors.CodeFileError, err, "Ошибка чтения временного файла")
	}

	digest := s.resumeDigest(u, part.Start)
	var body io.Reader = io.LimitReader(tmp, n)
	if digest != nil {
		body = io.TeeReader(body, digest)
	}

	// Обрыв клиента не должен отменять загрузку уже принятой части
	putCtx := context.WithoutCancel(ctx)
	number := len(u.Parts) + 1
	objectPart, err := s.client.PutObjectPart(putCtx, s.bucket, u.Name, u.RemoteUploadID, number, body, n, minio.PutObjectPartOptions{})
	if err != nil {
		s.Digests().Delete(u.ID)
		return 0, aborted, apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка загрузки части")
	}

	u.Parts = append(u.Parts, model.Part{
		Number: number,
		Size:   n,
		ETag:   strings.Trim(objectPart.ETag, `"`),
	})
	u.BytesWritten += n

	switch {
	case digest == nil:
	case aborted:
		s.Digests().Delete(u.ID)
	default:
		if err := s.Digests().Save(u.ID, s.Config().Checksum, u.BytesWritten, digest); err != nil {
			s.Logger().Warn("Снимок контрольной суммы не сохранён",
				slog.String("id", u.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return n, aborted, nil
}

// checkPartSize отклоняет незавершающий фрагмент меньше minPartSize:
// CompleteMultipartUpload не соберёт объект из таких частей.
func (s *Storage) checkPartSize(u *model.Upload, start, n int64, final bool) error {
	if s.minPartSize <= 0 || n == 0 || n >= s.minPartSize || final {
		return nil
	}
	if !u.SizeIsDeferred && start+n == u.Size {
		return nil
	}
	return apierrors.Newf(apierrors.CodeBadRequest,
		"Размер фрагмента %d меньше минимального размера части %d", n, s.minPartSize)
}

// commit завершает multipart-сессию, если получены все байты,
// и сохраняет метаданные.
func (s *Storage) commit(ctx context.Context, u *model.Upload, final bool) (*model.Upload, error) {
	if err := s.FinishWrite(u, final); err != nil {
		return nil, err
	}
	if u.IsCompleted() {
		if err := s.complete(ctx, u); err != nil {
			return nil, err
		}
	}
	if err := s.SaveMeta(ctx, u); err != nil {
		return nil, err
	}
	s.Observe(u)
	return u, nil
}

// complete собирает объект из частей.
func (s *Storage) complete(ctx context.Context, u *model.Upload) error {
	if len(u.Parts) == 0 {
		s.abort(ctx, u)
		if err := s.putEmpty(ctx, u); err != nil {
			return err
		}
		s.setFinalChecksum(u, nil)
		return nil
	}

	parts := make([]minio.CompletePart, 0, len(u.Parts))
	for _, p := range u.Parts {
		parts = append(parts, minio.CompletePart{PartNumber: p.Number, ETag: p.ETag})
	}
	if _, err := s.client.CompleteMultipartUpload(ctx, s.bucket, u.Name, u.RemoteUploadID, parts, s.putOptions(u)); err != nil {
		return apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка завершения multipart-загрузки")
	}

	// Без снимка сумма пересчитывается по собранному объекту
	if alg := s.Config().Checksum; alg != "" {
		h, err := s.Digests().Resume(u.ID, alg, u.BytesWritten, s.objectReader(ctx, u))
		if err != nil {
			s.Logger().Warn("Итоговая контрольная сумма не подсчитана",
				slog.String("id", u.ID),
				slog.String("error", err.Error()),
			)
		} else {
			s.setFinalChecksum(u, h)
		}
	}
	s.Digests().Delete(u.ID)
	return nil
}

// syncParts пересчитывает части и число принятых байтов по данным хранилища.
func (s *Storage) syncParts(ctx context.Context, u *model.Upload) error {
	var (
		parts  []model.Part
		total  int64
		marker int
	)
	for {
		res, err := s.client.ListObjectParts(ctx, s.bucket, u.Name, u.RemoteUploadID, marker, maxPartsPerPage)
		if err != nil {
			return apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка получения частей загрузки")
		}
		for _, p := range res.ObjectParts {
			parts = append(parts, model.Part{Number: p.PartNumber, Size: p.Size, ETag: strings.Trim(p.ETag, `"`)})
			total += p.Size
		}
		if !res.IsTruncated {
			break
		}
		marker = res.NextPartNumberMarker
	}
	u.Parts = parts
	u.BytesWritten = total
	return nil
}

// Get возвращает загрузку с числом байтов по подтверждённым частям.
func (s *Storage) Get(ctx context.Context, q model.FileQuery) (*model.Upload, error) {
	u, err := s.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	if u.IsCompleted() {
		return u, nil
	}
	if err := s.syncParts(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete удаляет объект или прерывает незавершённую multipart-сессию.
func (s *Storage) Delete(ctx context.Context, q model.FileQuery) ([]*model.Upload, error) {
	u, err := s.Load(ctx, q)
	if apierrors.HasCode(err, apierrors.CodeFileNotFound) {
		return []*model.Upload{{ID: q.ID, UserID: q.UserID, Status: model.StatusDeleted}}, nil
	}
	if err != nil {
		return nil, err
	}

	if u.IsCompleted() {
		if err := s.client.RemoveObject(ctx, s.bucket, u.Name, minio.RemoveObjectOptions{}); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка удаления объекта")
		}
	} else if err := s.abortErr(ctx, u); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка прерывания multipart-загрузки")
	}
	if err := s.DeleteMeta(ctx, u.ID); err != nil {
		return nil, err
	}

	u.SetStatus(model.StatusDeleted)
	s.Observe(u)
	return []*model.Upload{u}, nil
}

// Purge удаляет загрузки старше maxAge.
func (s *Storage) Purge(ctx context.Context, maxAge time.Duration, prefix string) ([]*model.Upload, error) {
	return s.PurgeWith(ctx, maxAge, prefix, s.Delete)
}

// abort прерывает multipart-сессию, ошибки только логируются.
func (s *Storage) abort(ctx context.Context, u *model.Upload) {
	if err := s.abortErr(ctx, u); err != nil {
		s.Logger().Warn("Ошибка прерывания multipart-загрузки",
			slog.String("id", u.ID),
			slog.String("error", err.Error()),
		)
	}
}

// abortErr прерывает multipart-сессию. Уже отсутствующая сессия ошибкой не является.
func (s *Storage) abortErr(ctx context.Context, u *model.Upload) error {
	if u.RemoteUploadID == "" {
		return nil
	}
	err := s.client.AbortMultipartUpload(ctx, s.bucket, u.Name, u.RemoteUploadID)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return err
	}
	u.RemoteUploadID = ""
	return nil
}

// putEmpty сохраняет пустой объект.
func (s *Storage) putEmpty(ctx context.Context, u *model.Upload) error {
	if _, err := s.client.PutObject(ctx, s.bucket, u.Name, bytes.NewReader(nil), 0, "", "", s.putOptions(u)); err != nil {
		return apierrors.Wrap(apierrors.CodeStorageError, err, "Ошибка сохранения объекта")
	}
	return nil
}

// resumeDigest восстанавливает итоговую контрольную сумму по снимку.
// Незавершённые части читать нельзя: без снимка сумма считается
// при завершении по собранному объекту.
func (s *Storage) resumeDigest(u *model.Upload, start int64) hash.Hash {
	alg := s.Config().Checksum
	if alg == "" {
		return nil
	}
	h, err := s.Digests().Resume(u.ID, alg, start, func() (io.ReadCloser, error) {
		return nil, errors.New("части multipart-загрузки недоступны для чтения")
	})
	if err != nil {
		return nil
	}
	return h
}

// objectReader открывает собранный объект для пересчёта контрольной суммы.
func (s *Storage) objectReader(ctx context.Context, u *model.Upload) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		obj, _, _, err := s.client.GetObject(ctx, s.bucket, u.Name, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		return obj, nil
	}
}

// setFinalChecksum записывает итоговую контрольную сумму. h == nil — пустой файл.
func (s *Storage) setFinalChecksum(u *model.Upload, h hash.Hash) {
	alg := s.Config().Checksum
	if alg == "" {
		return
	}
	if h == nil {
		var err error
		if h, err = checksum.NewHash(alg); err != nil {
			return
		}
	}
	u.Checksum = hex.EncodeToString(h.Sum(nil))
	u.ChecksumAlgorithm = alg
}

func (s *Storage) putOptions(u *model.Upload) minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType:  u.ContentType,
		UserMetadata: map[string]string{"upload-id": u.ID},
	}
}

func (s *Storage) uri(u *model.Upload) string {
	return "s3://" + s.bucket + "/" + u.Name
}
