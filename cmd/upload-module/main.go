// Точка входа Upload Module — сервиса возобновляемой загрузки файлов.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/upload-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-module/internal/config"
	"github.com/bigkaa/goartstore/upload-module/internal/database"
	"github.com/bigkaa/goartstore/upload-module/internal/events"
	"github.com/bigkaa/goartstore/upload-module/internal/events/natspub"
	"github.com/bigkaa/goartstore/upload-module/internal/server"
	"github.com/bigkaa/goartstore/upload-module/internal/service"
	"github.com/bigkaa/goartstore/upload-module/internal/storage"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/disk"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/meta"
	"github.com/bigkaa/goartstore/upload-module/internal/storage/s3"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)

	if cfg.ServiceID == "" {
		hostname, _ := os.Hostname()
		cfg.ServiceID = parseOwnerName(hostname)
	}

	logger.Info("Upload Module запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.String("storage", cfg.Storage),
		slog.String("meta_store", cfg.MetaStore),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Хранилище метаданных
	metaStore, pool, err := openMetaStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища метаданных", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Бэкенд хранения файлов
	namer, err := storage.NamerFor(cfg.FilenameScheme)
	if err != nil {
		logger.Error("Ошибка схемы именования", slog.String("error", err.Error()))
		os.Exit(1)
	}
	opts := storage.Options{
		AllowMIME:       cfg.AllowMIME,
		MaxUploadSize:   cfg.MaxUploadSize,
		MaxMetadataSize: cfg.MaxMetadataSize,
		Namer:           namer,
		Expiration: storage.Expiration{
			MaxAge:        cfg.ExpirationMaxAge,
			PurgeInterval: cfg.PurgeInterval,
			Rolling:       cfg.ExpirationRolling,
		},
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		LockTTL:          cfg.LockTTL,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
		Checksum:         cfg.Checksum,
		Meta:             metaStore,
	}

	store, err := openStorage(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. События жизненного цикла
	bus := events.NewBus(logger)
	var publisher *natspub.Publisher
	if cfg.NATSUrl != "" {
		publisher, err = natspub.Connect(ctx, cfg.NATSUrl, cfg.NATSSubject, logger)
		if err != nil {
			logger.Error("Ошибка подключения к NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bus.Subscribe(publisher.Observe)
	}

	// 4. Handlers
	handlerOpts := handlers.Options{
		TextErrors:   cfg.ResponseMode == "text",
		ResumeStatus: cfg.ResumeStatus,
	}
	dataDir := ""
	var capacity handlers.CapacityFunc
	if cfg.Storage == config.StorageDisk {
		dataDir = cfg.DataDir
		capacity = diskUsageFn(cfg.DataDir)
	}
	h := server.Handlers{
		Health:    handlers.NewHealthHandler(cfg.ServiceID, dataDir, store),
		Info:      handlers.NewInfoHandler(cfg, store, capacity, logger),
		Uploadx:   handlers.NewUploadxHandler(store, bus, handlerOpts, logger),
		Tus:       handlers.NewTusHandler(store, bus, handlerOpts, logger),
		Multipart: handlers.NewMultipartHandler(store, bus, handlerOpts, logger),
	}

	// 5. Фоновые процессы

	// 5.1 Очистка просроченных загрузок
	var purgeSvc *service.PurgeService
	if cfg.ExpirationMaxAge > 0 {
		purgeSvc = service.NewPurgeService(store, bus, cfg.PurgeInterval, 0, logger)
		purgeSvc.Start(ctx)
	}

	// 5.2 topologymetrics — мониторинг зависимостей
	dephealthSvc := startDephealth(ctx, cfg, pool, logger)

	// 6. JWT middleware
	var auth func(http.Handler) http.Handler
	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка настройки JWT аутентификации",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		auth = jwtAuth.Middleware()
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("UM_JWKS_URL не задан, загрузки анонимные")
	}

	// 7. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h, auth)
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	if purgeSvc != nil {
		purgeSvc.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("Ошибка закрытия соединения с NATS", slog.String("error", err.Error()))
		}
	}

	if err := store.Close(); err != nil {
		logger.Warn("Ошибка закрытия хранилища метаданных", slog.String("error", err.Error()))
	}
	if pool != nil {
		pool.Close()
	}

	logger.Info("Upload Module остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}

// openMetaStore создаёт хранилище метаданных по UM_META_STORE.
// Для postgres дополнительно возвращает пул подключений.
func openMetaStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (meta.MetaStorage, *pgxpool.Pool, error) {
	switch cfg.MetaStore {
	case config.MetaStorePostgres:
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(cfg, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return meta.NewPostgresStore(pool), pool, nil
	case config.MetaStoreLevelDB:
		ms, err := meta.NewLevelDBStore(cfg.LevelDBPath)
		return ms, nil, err
	default:
		ms, err := meta.NewDiskStore(cfg.MetaDir, logger)
		return ms, nil, err
	}
}

// openStorage создаёт бэкенд хранения по UM_STORAGE.
func openStorage(ctx context.Context, cfg *config.Config, opts storage.Options, logger *slog.Logger) (storage.Storage, error) {
	if cfg.Storage == config.StorageDisk {
		return disk.New(cfg.DataDir, opts, logger)
	}

	s3Cfg := s3.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,

		MinPartSize: cfg.S3MinPartSize,
	}
	client, err := s3.NewClient(s3Cfg)
	if err != nil {
		return nil, err
	}
	return s3.New(ctx, client, s3Cfg, cfg.DataDir, opts, logger)
}

// startDephealth запускает мониторинг настроенных зависимостей.
// Возвращает nil, если мониторить нечего или SDK недоступен.
func startDephealth(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *service.DephealthService {
	deps := service.DephealthDeps{JWKSURL: cfg.JWKSUrl}
	if pool != nil {
		deps.DB = stdlib.OpenDBFromPool(pool)
		deps.PostgresURL = cfg.DatabaseURL("postgres")
	}
	// Health endpoint есть только у S3-совместимых серверов (MinIO)
	if cfg.Storage == config.StorageS3 {
		deps.ObjectStorageURL = cfg.S3URL()
		deps.ObjectStorageHealthPath = cfg.S3HealthPath
	}

	dephealthSvc, err := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		deps,
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if errors.Is(err, service.ErrNoDependencies) {
		closeDB(deps.DB)
		logger.Info("Внешних зависимостей нет, мониторинг topologymetrics не запускается")
		return nil
	}
	if err != nil {
		closeDB(deps.DB)
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return dephealthSvc
}

func closeDB(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}

// diskUsageFn возвращает функцию для получения информации об ёмкости диска.
func diskUsageFn(dataDir string) handlers.CapacityFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(dataDir)
	}
}

// parseOwnerName извлекает имя владельца пода из hostname:
// Deployment (<name>-<hash>-<suffix>) и StatefulSet (<name>-<ordinal>).
// Иначе hostname возвращается без изменений.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)
	if n >= 3 && isLowerAlnum(parts[n-1], 5, 5) && isLowerAlnum(parts[n-2], 6, 10) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func isLowerAlnum(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
