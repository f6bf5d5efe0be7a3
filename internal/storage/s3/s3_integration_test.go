package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/upload-module/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// setupMinio запускает MinIO в Docker-контейнере и возвращает endpoint.
func setupMinio(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

// TestIntegration_MultipartUpload загружает файл двумя фрагментами в MinIO.
func TestIntegration_MultipartUpload(t *testing.T) {
	endpoint := setupMinio(t)
	ctx := context.Background()

	cfg := Config{Endpoint: endpoint, Bucket: "uploads", AccessKey: testAccessKey, SecretKey: testSecretKey}
	core, err := NewClient(cfg)
	require.NoError(t, err)

	s := newTestStorage(t, core, storage.Options{})
	require.True(t, s.Ready())

	// Все части, кроме последней, не меньше 5 МиБ
	first := bytes.Repeat([]byte("a"), 5<<20)
	last := []byte("tail")
	size := int64(len(first) + len(last))

	u, err := s.Create(ctx, model.FileInit{Size: size, OriginalName: "big.bin"})
	require.NoError(t, err)

	got, err := s.Write(ctx, model.FilePart{ID: u.ID, Start: 0, Body: bytes.NewReader(first), ContentLength: int64(len(first)), Size: -1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPart, got.Status)
	assert.Equal(t, int64(len(first)), got.BytesWritten)

	got, err = s.Write(ctx, model.FilePart{ID: u.ID, Start: int64(len(first)), Body: bytes.NewReader(last), ContentLength: int64(len(last)), Size: -1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	obj, err := core.Client.GetObject(ctx, cfg.Bucket, u.Name, minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(data)))
	assert.Equal(t, last, data[len(first):])

	deleted, err := s.Delete(ctx, model.FileQuery{ID: u.ID})
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

// TestIntegration_AbortOnDelete проверяет прерывание незавершённой сессии.
func TestIntegration_AbortOnDelete(t *testing.T) {
	endpoint := setupMinio(t)
	ctx := context.Background()

	core, err := NewClient(Config{Endpoint: endpoint, Bucket: "uploads", AccessKey: testAccessKey, SecretKey: testSecretKey})
	require.NoError(t, err)
	s := newTestStorage(t, core, storage.Options{})

	u, err := s.Create(ctx, model.FileInit{Size: 100})
	require.NoError(t, err)
	_, err = s.Write(ctx, chunk(u.ID, 0, "partial"))
	require.NoError(t, err)

	_, err = s.Delete(ctx, model.FileQuery{ID: u.ID})
	require.NoError(t, err)

	_, err = core.ListObjectParts(ctx, "uploads", u.Name, u.RemoteUploadID, 0, 10)
	assert.Error(t, err, "прерванная сессия не должна быть доступна")
}
