// Пакет config — загрузка и валидация конфигурации Upload Service
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Upload Service.
type Config struct {
	// Порт HTTP-сервера
	Port int

	// Параметры подключения к PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// URL HTTP API IPFS-узла (например, http://127.0.0.1:5001)
	IPFSURL string
	// Таймаут HTTP-запросов к IPFS-узлу
	IPFSTimeout time.Duration

	// Адрес Redis для pub/sub транспорта (host:port)
	RedisAddr string
	// Пароль Redis (опционально)
	RedisPassword string

	// Идентификатор сети — пространство имён pub/sub топиков
	NetworkID string

	// Максимальный размер загружаемого файла в байтах
	FileSizeLimit int64
	// Лимит загрузок с одного адреса за окно (окно = ClientsTTL)
	UploadLimitPerPeriod int

	// Интервал запуска Jobs GC
	JobsGCInterval time.Duration
	// TTL задания: по истечении задание удаляется, контент unpin-ится
	JobsTTL time.Duration
	// Интервал запуска Clients GC
	ClientsGCInterval time.Duration
	// TTL счётчика клиента (окно лимита загрузок)
	ClientsTTL time.Duration

	// Идентификатор экземпляра сервиса (вершина графа topologymetrics)
	InstanceID string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (US_DEPHEALTH_GROUP)
	DephealthGroup string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Некорректные значения интервалов и TTL GC — фатальная ошибка:
// GC не должен запускаться с неопределённым периодом.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// US_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("US_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("US_PORT: %w", err)
	}

	// US_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("US_DB_HOST")
	if err != nil {
		return nil, err
	}

	// US_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("US_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("US_DB_PORT: %w", err)
	}

	// US_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("US_DB_NAME")
	if err != nil {
		return nil, err
	}

	// US_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("US_DB_USER")
	if err != nil {
		return nil, err
	}

	// US_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("US_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// US_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("US_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("US_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// US_IPFS_URL — URL IPFS API (по умолчанию локальный узел)
	cfg.IPFSURL = getEnvDefault("US_IPFS_URL", "http://127.0.0.1:5001")

	// US_IPFS_TIMEOUT — таймаут запросов к IPFS (по умолчанию 30s)
	cfg.IPFSTimeout, err = getEnvDuration("US_IPFS_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_IPFS_TIMEOUT: %w", err)
	}

	// US_REDIS_ADDR — обязательный, адрес Redis для pub/sub
	cfg.RedisAddr, err = getEnvRequired("US_REDIS_ADDR")
	if err != nil {
		return nil, err
	}

	// US_REDIS_PASSWORD — пароль Redis (опционально)
	cfg.RedisPassword = getEnvDefault("US_REDIS_PASSWORD", "")

	// US_NETWORK_ID — обязательный, пространство имён топиков
	cfg.NetworkID, err = getEnvRequired("US_NETWORK_ID")
	if err != nil {
		return nil, err
	}

	// US_FILE_SIZE_LIMIT — максимальный размер файла (по умолчанию 10 MiB)
	cfg.FileSizeLimit, err = getEnvInt64("US_FILE_SIZE_LIMIT", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("US_FILE_SIZE_LIMIT: %w", err)
	}
	if cfg.FileSizeLimit <= 0 {
		return nil, fmt.Errorf("US_FILE_SIZE_LIMIT: значение должно быть положительным")
	}

	// US_UPLOAD_LIMIT_PER_PERIOD — лимит загрузок с адреса (по умолчанию 10)
	cfg.UploadLimitPerPeriod, err = getEnvInt("US_UPLOAD_LIMIT_PER_PERIOD", 10)
	if err != nil {
		return nil, fmt.Errorf("US_UPLOAD_LIMIT_PER_PERIOD: %w", err)
	}
	if cfg.UploadLimitPerPeriod <= 0 {
		return nil, fmt.Errorf("US_UPLOAD_LIMIT_PER_PERIOD: значение должно быть положительным")
	}

	// US_GC_JOBS_INTERVAL — интервал Jobs GC (по умолчанию 5m)
	cfg.JobsGCInterval, err = getEnvDuration("US_GC_JOBS_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("US_GC_JOBS_INTERVAL: %w", err)
	}

	// US_GC_JOBS_TTL — TTL задания (по умолчанию 1h)
	cfg.JobsTTL, err = getEnvDuration("US_GC_JOBS_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("US_GC_JOBS_TTL: %w", err)
	}

	// US_GC_CLIENTS_INTERVAL — интервал Clients GC (по умолчанию 1h)
	cfg.ClientsGCInterval, err = getEnvDuration("US_GC_CLIENTS_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("US_GC_CLIENTS_INTERVAL: %w", err)
	}

	// US_GC_CLIENTS_TTL — TTL счётчика клиента (по умолчанию 24h)
	cfg.ClientsTTL, err = getEnvDuration("US_GC_CLIENTS_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("US_GC_CLIENTS_TTL: %w", err)
	}

	// US_INSTANCE_ID — идентификатор экземпляра (по умолчанию "upload-service")
	cfg.InstanceID = getEnvDefault("US_INSTANCE_ID", "upload-service")

	// US_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("US_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// US_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "upload-service")
	cfg.DephealthGroup = getEnvDefault("US_DEPHEALTH_GROUP", "upload-service")

	// US_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("US_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("US_LOG_LEVEL: %w", err)
	}

	// US_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("US_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("US_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// US_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("US_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
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

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
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
