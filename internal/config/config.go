// Пакет config — загрузка и валидация конфигурации Upload Module
// из переменных окружения с префиксом UM_.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// envPrefix — префикс переменных окружения.
const envPrefix = "UM"

// Бэкенды хранения файлов.
const (
	StorageDisk = "disk"
	StorageS3   = "s3"
	StorageGCS  = "gcs"
)

// Хранилища метаданных.
const (
	MetaStoreDisk     = "disk"
	MetaStorePostgres = "postgres"
	MetaStoreLevelDB  = "leveldb"
)

// GCSEndpoint — S3-совместимый XML API Google Cloud Storage.
const GCSEndpoint = "storage.googleapis.com"

// Config содержит все параметры конфигурации Upload Module.
type Config struct {
	// Порт HTTP-сервера
	Port int `envconfig:"PORT" default:"8030"`
	// Префикс маршрутов API
	BasePath string `envconfig:"BASE_PATH" default:"/api/v1"`
	// Идентификатор сервиса в topologymetrics (пусто — имя владельца пода из hostname)
	ServiceID string `envconfig:"SERVICE_ID"`

	// Бэкенд хранения: disk, s3, gcs
	Storage string `envconfig:"STORAGE" default:"disk"`
	// Директория данных (обязательна для disk)
	DataDir string `envconfig:"DATA_DIR"`

	// Хранилище метаданных: disk, postgres, leveldb
	MetaStore string `envconfig:"META_STORE" default:"disk"`
	// Директория sidecar-файлов (по умолчанию DataDir)
	MetaDir string `envconfig:"META_DIR"`
	// Путь базы LevelDB
	LevelDBPath string `envconfig:"LEVELDB_PATH"`

	// Параметры PostgreSQL
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBName     string `envconfig:"DB_NAME" default:"uploads"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`

	// Параметры S3-совместимого хранилища
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Region    string `envconfig:"S3_REGION"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"true"`
	// Путь health endpoint объектного хранилища для мониторинга (пусто — не мониторится)
	S3HealthPath string `envconfig:"S3_HEALTH_PATH" default:"/minio/health/live"`
	// Минимальный размер фрагмента, кроме последнего (0 — без проверки)
	S3MinPartSize int64 `envconfig:"S3_MIN_PART_SIZE" default:"5242880"`

	// Максимальный размер загрузки в байтах
	MaxUploadSize int64 `envconfig:"MAX_UPLOAD_SIZE" default:"5368709120"`
	// Максимальный размер сериализованных метаданных клиента
	MaxMetadataSize int `envconfig:"MAX_METADATA_SIZE" default:"4096"`
	// Разрешённые MIME-шаблоны
	AllowMIME []string `envconfig:"ALLOW_MIME" default:"*/*"`
	// Схема имени файла: id или original
	FilenameScheme string `envconfig:"FILENAME_SCHEME" default:"id"`

	// Максимальный возраст загрузки (0 — без ограничения)
	ExpirationMaxAge time.Duration `envconfig:"EXPIRATION_MAX_AGE" default:"0"`
	// Интервал очистки устаревших загрузок
	PurgeInterval time.Duration `envconfig:"PURGE_INTERVAL" default:"1h"`
	// Отсчитывать возраст от последнего изменения
	ExpirationRolling bool `envconfig:"EXPIRATION_ROLLING" default:"false"`

	// Максимум одновременно записываемых загрузок (0 — без ограничения)
	ConcurrencyLimit int `envconfig:"CONCURRENCY_LIMIT" default:"0"`
	// Время жизни блокировки загрузки
	LockTTL time.Duration `envconfig:"LOCK_TTL" default:"5m"`
	// Размер LRU-кэша метаданных
	CacheSize int `envconfig:"CACHE_SIZE" default:"1000"`
	// TTL записи кэша метаданных (0 — без срока)
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"0"`
	// Алгоритм итоговой контрольной суммы файла (пусто — выключено)
	Checksum string `envconfig:"CHECKSUM"`

	// Формат ответов с ошибками: json или text
	ResponseMode string `envconfig:"RESPONSE_MODE" default:"json"`
	// Статус ответа «загрузка не завершена» протокола со смещениями
	ResumeStatus int `envconfig:"RESUME_STATUS" default:"308"`

	// URL JWKS endpoint (пусто — без аутентификации)
	JWKSUrl string `envconfig:"JWKS_URL"`
	// Путь к CA-сертификату для JWKS endpoint
	JWKSCACert string `envconfig:"JWKS_CA_CERT"`
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration `envconfig:"JWKS_CLIENT_TIMEOUT" default:"10s"`
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration `envconfig:"JWKS_REFRESH_INTERVAL" default:"15m"`
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration `envconfig:"JWT_LEEWAY" default:"5s"`

	// Разрешённые CORS origins (пусто — CORS выключен)
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`

	// URL NATS (пусто — события не публикуются)
	NATSUrl string `envconfig:"NATS_URL"`
	// Префикс subject событий
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"uploads"`

	// TLS сертификат и ключ (опционально)
	TLSCert string `envconfig:"TLS_CERT"`
	TLSKey  string `envconfig:"TLS_KEY"`

	// Уровень логирования (debug, info, warn, error)
	LogLevelName string `envconfig:"LOG_LEVEL" default:"info"`
	// Формат логов (json, text)
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	// LogLevel вычисляется из LogLevelName
	LogLevel slog.Level `ignored:"true"`

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"30s"`
	HTTPWriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"0"`
	HTTPIdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration `envconfig:"DEPHEALTH_CHECK_INTERVAL" default:"15s"`
	// Имя группы в метриках topologymetrics
	DephealthGroup string `envconfig:"DEPHEALTH_GROUP" default:"upload-module"`
	// Добавлять лейбл isentry=yes к зависимостям
	DephealthIsEntry bool `envconfig:"DEPHEALTH_ISENTRY" default:"false"`
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора переменных окружения: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate проверяет согласованность параметров.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("UM_PORT: значение %d вне допустимого диапазона 1-65535", c.Port)
	}

	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePath == "/" {
		c.BasePath = ""
	}

	switch c.Storage {
	case StorageDisk:
		if c.DataDir == "" {
			return fmt.Errorf("UM_DATA_DIR: обязательная переменная окружения для UM_STORAGE=disk")
		}
	case StorageS3, StorageGCS:
		if c.Storage == StorageGCS && c.S3Endpoint == "" {
			c.S3Endpoint = GCSEndpoint
		}
		if c.S3Endpoint == "" {
			return fmt.Errorf("UM_S3_ENDPOINT: обязательная переменная окружения для UM_STORAGE=%s", c.Storage)
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("UM_S3_BUCKET: обязательная переменная окружения для UM_STORAGE=%s", c.Storage)
		}
		if c.S3MinPartSize < 0 {
			return fmt.Errorf("UM_S3_MIN_PART_SIZE: значение %d не может быть отрицательным", c.S3MinPartSize)
		}
	default:
		return fmt.Errorf("UM_STORAGE: недопустимое значение %q, допустимые: disk, s3, gcs", c.Storage)
	}

	switch c.MetaStore {
	case MetaStoreDisk:
		if c.MetaDir == "" {
			c.MetaDir = c.DataDir
		}
		if c.MetaDir == "" {
			return fmt.Errorf("UM_META_DIR: обязательная переменная окружения для UM_META_STORE=disk")
		}
	case MetaStoreLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("UM_LEVELDB_PATH: обязательная переменная окружения для UM_META_STORE=leveldb")
		}
	case MetaStorePostgres:
		if c.DBUser == "" {
			return fmt.Errorf("UM_DB_USER: обязательная переменная окружения для UM_META_STORE=postgres")
		}
	default:
		return fmt.Errorf("UM_META_STORE: недопустимое значение %q, допустимые: disk, postgres, leveldb", c.MetaStore)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("UM_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}
	if c.MaxMetadataSize < 0 {
		return fmt.Errorf("UM_MAX_METADATA_SIZE: значение не может быть отрицательным")
	}
	if c.FilenameScheme != "id" && c.FilenameScheme != "original" {
		return fmt.Errorf("UM_FILENAME_SCHEME: недопустимое значение %q, допустимые: id, original", c.FilenameScheme)
	}
	if c.ExpirationMaxAge < 0 {
		return fmt.Errorf("UM_EXPIRATION_MAX_AGE: значение не может быть отрицательным")
	}
	if c.ExpirationMaxAge > 0 && c.PurgeInterval <= 0 {
		return fmt.Errorf("UM_PURGE_INTERVAL: значение должно быть положительным")
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("UM_CONCURRENCY_LIMIT: значение не может быть отрицательным")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("UM_LOCK_TTL: значение должно быть положительным")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("UM_CACHE_SIZE: значение должно быть положительным")
	}
	if c.ResponseMode != "json" && c.ResponseMode != "text" {
		return fmt.Errorf("UM_RESPONSE_MODE: недопустимое значение %q, допустимые: json, text", c.ResponseMode)
	}
	if c.ResumeStatus < 200 || c.ResumeStatus > 599 {
		return fmt.Errorf("UM_RESUME_STATUS: значение %d не является HTTP-статусом", c.ResumeStatus)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("UM_TLS_CERT и UM_TLS_KEY задаются только вместе")
	}

	level, err := parseLogLevel(c.LogLevelName)
	if err != nil {
		return fmt.Errorf("UM_LOG_LEVEL: %w", err)
	}
	c.LogLevel = level

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("UM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", c.LogFormat)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для миграций и меток).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// S3URL возвращает URL объектного хранилища для мониторинга.
func (c *Config) S3URL() string {
	scheme := "http"
	if c.S3UseSSL {
		scheme = "https"
	}
	return scheme + "://" + c.S3Endpoint
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
