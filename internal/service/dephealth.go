// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Upload Module мониторит только настроенные зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (UM_META_STORE=postgres, critical)
//   - объектное хранилище — HTTP checker к health endpoint (UM_STORAGE=s3|gcs, critical)
//   - JWKS endpoint — HTTP checker (UM_JWKS_URL, critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// Имена зависимостей в графе topologymetrics.
const (
	DepPostgres      = "postgresql"
	DepObjectStorage = "object-storage"
	DepJWKS          = "jwks"
)

// ErrNoDependencies — не настроено ни одной зависимости.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthDeps — зависимости для мониторинга. Пустые поля пропускаются.
type DephealthDeps struct {
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PostgresURL — URL PostgreSQL (для меток, не для подключения)
	PostgresURL string
	// ObjectStorageURL — URL S3-совместимого хранилища
	ObjectStorageURL string
	// ObjectStorageHealthPath — путь health endpoint хранилища
	ObjectStorageHealthPath string
	// JWKSURL — URL JWKS endpoint
	JWKSURL string
}

// Empty сообщает, что мониторить нечего.
func (d DephealthDeps) Empty() bool {
	return d.DB == nil && (d.ObjectStorageURL == "" || d.ObjectStorageHealthPath == "") && d.JWKSURL == ""
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (UM_SERVICE_ID)
//   - group — имя группы в метриках (UM_DEPHEALTH_GROUP)
//   - deps — настроенные зависимости
//   - checkInterval — интервал проверки (UM_DEPHEALTH_CHECK_INTERVAL)
//   - isEntry — при true добавляет лейбл isentry=yes ко всем зависимостям
func NewDephealthService(
	serviceID string,
	group string,
	deps DephealthDeps,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, deps, checkInterval, isEntry, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	deps DephealthDeps,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, deps, checkInterval, isEntry,
		logger, dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	deps DephealthDeps,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	if deps.Empty() {
		return nil, ErrNoDependencies
	}

	common := func(target string) []dephealth.DependencyOption {
		opts := []dephealth.DependencyOption{
			dephealth.FromURL(target),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		}
		if isEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return opts
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if deps.DB != nil {
		// Connection pool mode: проверка через существующий пул соединений
		opts = append(opts, dephealth.AddDependency(DepPostgres, dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(deps.DB)), common(deps.PostgresURL)...))
	}

	if deps.ObjectStorageURL != "" && deps.ObjectStorageHealthPath != "" {
		s3Opts := append(common(deps.ObjectStorageURL), dephealth.WithHTTPHealthPath(deps.ObjectStorageHealthPath))
		if isHTTPS(deps.ObjectStorageURL) {
			s3Opts = append(s3Opts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP(DepObjectStorage, s3Opts...))
	}

	if deps.JWKSURL != "" {
		jwksOpts := common(deps.JWKSURL)
		if isHTTPS(deps.JWKSURL) {
			jwksOpts = append(jwksOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP(DepJWKS, jwksOpts...))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// isHTTPS сообщает, что URL использует TLS.
func isHTTPS(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme == "https"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
