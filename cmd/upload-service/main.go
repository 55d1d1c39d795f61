// Точка входа Upload Service — координатора загрузки и pinning контента.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/api/handlers"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/comms"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/config"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/database"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/ipfs"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/repository"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/server"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/service"
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
	logger.Info("Upload Service запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("network_id", cfg.NetworkID),
	)

	// --- Инициализация компонентов ---

	ctx := context.Background()

	// 1. Миграции и подключение к PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграции базы данных", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к базе данных", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Репозитории
	jobRepo := repository.NewUploadJobRepository(pool)
	clientRepo := repository.NewUploadClientRepository(pool)

	// 3. Клиент шлюза хранения (IPFS HTTP API)
	storage := ipfs.New(cfg.IPFSURL, cfg.IPFSTimeout, logger)
	if version, verr := storage.Version(ctx); verr != nil {
		logger.Warn("IPFS-узел недоступен при старте",
			slog.String("url", cfg.IPFSURL),
			slog.String("error", verr.Error()),
		)
	} else {
		logger.Info("IPFS-узел подключен",
			slog.String("url", cfg.IPFSURL),
			slog.String("version", version),
		)
	}

	// 4. Pub/sub транспорт и реестр комнат
	transport := comms.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, logger)
	defer transport.Close()

	registry := comms.NewRegistry(transport, logger)

	// 5. Координатор загрузок
	uploadSvc := service.NewUploadService(cfg, jobRepo, clientRepo, storage, registry, logger)

	// 6. Фоновые процессы

	// 6.1 GC заданий — unpin и удаление просроченных заданий
	jobsGC, err := service.NewJobsGCService(jobRepo, storage, registry, cfg.JobsGCInterval, cfg.JobsTTL, logger)
	if err != nil {
		logger.Error("Ошибка инициализации GC заданий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	jobsGC.Start(ctx)

	// 6.2 GC счётчиков клиентов — сброс окон лимита загрузок
	clientsGC, err := service.NewClientsGCService(clientRepo, cfg.ClientsGCInterval, cfg.ClientsTTL, logger)
	if err != nil {
		logger.Error("Ошибка инициализации GC счётчиков", slog.String("error", err.Error()))
		os.Exit(1)
	}
	clientsGC.Start(ctx)

	// 6.3 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.InstanceID,
		cfg.DephealthGroup,
		cfg.IPFSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		}
	}

	// 7. Handlers
	uploadHandler := handlers.NewUploadHandler(uploadSvc, cfg.FileSizeLimit, logger)

	healthHandler := handlers.NewHealthHandler()
	healthHandler.AddChecker("postgresql", database.NewReadinessChecker(pool))
	healthHandler.AddChecker("ipfs", storage)
	healthHandler.AddChecker("redis", transport)

	// 8. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, uploadHandler, healthHandler)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	jobsGC.Stop()
	clientsGC.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	registry.Close()

	logger.Info("Upload Service остановлен")
}
