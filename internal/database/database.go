// Пакет database — подключение к PostgreSQL, схема и проверка готовности.
// Миграции встроены в бинарник и применяются на старте до открытия пула.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pingTimeout ограничивает проверку соединения при старте и в readiness.
const pingTimeout = 3 * time.Second

// Connect открывает пул подключений и проверяет его ping-ом.
// Закрытие пула — обязанность вызывающего.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("некорректный DSN PostgreSQL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать пул подключений: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL недоступен: %w", err)
	}

	logger.Info("PostgreSQL подключен",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)
	return pool, nil
}

// Migrate приводит схему к текущей версии из embedded-миграций.
// Отсутствие новых миграций не считается ошибкой.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("не удалось прочитать embedded-миграции: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		return fmt.Errorf("не удалось инициализировать миграции: %w", err)
	}
	defer m.Close()

	err = m.Up()
	switch {
	case err == nil:
		version, dirty, _ := m.Version()
		logger.Info("Схема обновлена",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("Схема актуальна, миграции не требуются")
	default:
		return fmt.Errorf("не удалось применить миграции: %w", err)
	}
	return nil
}

// migrateURL собирает URL для golang-migrate (схема pgx5).
// Пароль экранируется: DSN из конфига для этого не годится.
func migrateURL(cfg *config.Config) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		Path:     cfg.DBName,
		RawQuery: "sslmode=" + cfg.DBSSLMode,
	}
	return u.String()
}

// ReadinessChecker сообщает /health/ready о доступности PostgreSQL.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady выполняет ping пула с таймаутом.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
