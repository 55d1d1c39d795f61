package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// setEnvVars устанавливает переменные окружения для теста и возвращает
// функцию очистки. Всегда вызывать defer cleanup().
func setEnvVars(t *testing.T, vars map[string]string) func() {
	t.Helper()

	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for k := range vars {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
	}

	for k, v := range vars {
		os.Setenv(k, v)
	}

	return func() {
		for k := range vars {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// clearAllUSEnvVars очищает все переменные окружения US_* для чистого теста.
func clearAllUSEnvVars(t *testing.T) func() {
	t.Helper()
	keys := []string{
		"US_PORT", "US_DB_HOST", "US_DB_PORT", "US_DB_NAME",
		"US_DB_USER", "US_DB_PASSWORD", "US_DB_SSL_MODE",
		"US_IPFS_URL", "US_IPFS_TIMEOUT",
		"US_REDIS_ADDR", "US_REDIS_PASSWORD", "US_NETWORK_ID",
		"US_FILE_SIZE_LIMIT", "US_UPLOAD_LIMIT_PER_PERIOD",
		"US_GC_JOBS_INTERVAL", "US_GC_JOBS_TTL",
		"US_GC_CLIENTS_INTERVAL", "US_GC_CLIENTS_TTL",
		"US_INSTANCE_ID", "US_DEPHEALTH_CHECK_INTERVAL", "US_DEPHEALTH_GROUP",
		"US_LOG_LEVEL", "US_LOG_FORMAT", "US_SHUTDOWN_TIMEOUT",
	}
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range keys {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"US_DB_HOST":     "localhost",
		"US_DB_NAME":     "upload_service",
		"US_DB_USER":     "postgres",
		"US_DB_PASSWORD": "secret",
		"US_REDIS_ADDR":  "localhost:6379",
		"US_NETWORK_ID":  "31",
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	defer clearAllUSEnvVars(t)()
	defer setEnvVars(t, requiredEnvVars())()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8030 {
		t.Errorf("Port: хотели 8030, получили %d", cfg.Port)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort: хотели 5432, получили %d", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode: хотели disable, получили %s", cfg.DBSSLMode)
	}
	if cfg.IPFSURL != "http://127.0.0.1:5001" {
		t.Errorf("IPFSURL: хотели http://127.0.0.1:5001, получили %s", cfg.IPFSURL)
	}
	if cfg.FileSizeLimit != 10*1024*1024 {
		t.Errorf("FileSizeLimit: хотели %d, получили %d", 10*1024*1024, cfg.FileSizeLimit)
	}
	if cfg.UploadLimitPerPeriod != 10 {
		t.Errorf("UploadLimitPerPeriod: хотели 10, получили %d", cfg.UploadLimitPerPeriod)
	}
	if cfg.JobsGCInterval != 5*time.Minute {
		t.Errorf("JobsGCInterval: хотели 5m, получили %s", cfg.JobsGCInterval)
	}
	if cfg.JobsTTL != time.Hour {
		t.Errorf("JobsTTL: хотели 1h, получили %s", cfg.JobsTTL)
	}
	if cfg.ClientsTTL != 24*time.Hour {
		t.Errorf("ClientsTTL: хотели 24h, получили %s", cfg.ClientsTTL)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: хотели info, получили %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: хотели json, получили %s", cfg.LogFormat)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	defer clearAllUSEnvVars(t)()

	required := []string{
		"US_DB_HOST", "US_DB_NAME", "US_DB_USER", "US_DB_PASSWORD",
		"US_REDIS_ADDR", "US_NETWORK_ID",
	}

	for _, missing := range required {
		t.Run(missing, func(t *testing.T) {
			vars := requiredEnvVars()
			delete(vars, missing)
			defer setEnvVars(t, vars)()

			if _, err := Load(); err == nil {
				t.Errorf("хотели ошибку при отсутствии %s, получили nil", missing)
			}
		})
	}
}

func TestLoad_InvalidGCDurations(t *testing.T) {
	defer clearAllUSEnvVars(t)()

	cases := map[string]string{
		"US_GC_JOBS_INTERVAL":    "не-длительность",
		"US_GC_JOBS_TTL":         "-5m",
		"US_GC_CLIENTS_INTERVAL": "0s",
		"US_GC_CLIENTS_TTL":      "abc",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			vars := requiredEnvVars()
			vars[key] = value
			defer setEnvVars(t, vars)()

			if _, err := Load(); err == nil {
				t.Errorf("хотели ошибку для %s=%q, получили nil", key, value)
			}
		})
	}
}

func TestLoad_InvalidSSLMode(t *testing.T) {
	defer clearAllUSEnvVars(t)()
	vars := requiredEnvVars()
	vars["US_DB_SSL_MODE"] = "maybe"
	defer setEnvVars(t, vars)()

	if _, err := Load(); err == nil {
		t.Error("хотели ошибку для недопустимого SSL-режима, получили nil")
	}
}

func TestLoad_InvalidFileSizeLimit(t *testing.T) {
	defer clearAllUSEnvVars(t)()

	for _, value := range []string{"0", "-1", "десять"} {
		vars := requiredEnvVars()
		vars["US_FILE_SIZE_LIMIT"] = value
		cleanup := setEnvVars(t, vars)

		if _, err := Load(); err == nil {
			t.Errorf("хотели ошибку для US_FILE_SIZE_LIMIT=%q, получили nil", value)
		}
		cleanup()
	}
}

func TestLoad_InvalidLogSettings(t *testing.T) {
	defer clearAllUSEnvVars(t)()

	vars := requiredEnvVars()
	vars["US_LOG_LEVEL"] = "verbose"
	cleanup := setEnvVars(t, vars)
	if _, err := Load(); err == nil {
		t.Error("хотели ошибку для недопустимого уровня логирования, получили nil")
	}
	cleanup()

	vars = requiredEnvVars()
	vars["US_LOG_FORMAT"] = "xml"
	defer setEnvVars(t, vars)()
	if _, err := Load(); err == nil {
		t.Error("хотели ошибку для недопустимого формата логов, получили nil")
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.local",
		DBPort:     5433,
		DBName:     "uploads",
		DBUser:     "svc",
		DBPassword: "pw",
		DBSSLMode:  "require",
	}

	want := "postgres://svc:pw@db.local:5433/uploads?sslmode=require"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN: хотели %q, получили %q", want, got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseLogLevel(%q): хотели %s, получили %s", in, want, got)
		}
	}

	if _, err := parseLogLevel("trace"); err == nil {
		t.Error("хотели ошибку для недопустимого уровня, получили nil")
	}
}
