// gc.go — фоновые сервисы очистки.
//
// JobsGCService убирает задания, не получившие подтверждения pinning
// за отведённый TTL: снимает пин контента, удаляет запись и закрывает
// осиротевшие комнаты. ClientsGCService удаляет просроченные счётчики
// загрузок, открывая клиентам новое окно лимита.
//
// Оба запускаются горутинами с периодическим тикером
// (US_GC_JOBS_INTERVAL / US_GC_CLIENTS_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/comms"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/ipfs"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/repository"
)

// Prometheus метрики GC
var (
	// gcJobsRunsTotal — количество запусков GC заданий.
	gcJobsRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_gc_jobs_runs_total",
		Help: "Общее количество запусков GC заданий",
	})

	// gcJobsDeletedTotal — количество удалённых просроченных заданий.
	gcJobsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_gc_jobs_deleted_total",
		Help: "Общее количество заданий, удалённых GC",
	})

	// gcJobsUnpinnedTotal — количество снятых пинов.
	gcJobsUnpinnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_gc_jobs_unpinned_total",
		Help: "Общее количество пинов, снятых GC",
	})

	// gcJobsDurationSeconds — длительность выполнения GC заданий.
	gcJobsDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "us_gc_jobs_duration_seconds",
		Help:    "Длительность выполнения GC заданий в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// gcClientsRunsTotal — количество запусков GC счётчиков клиентов.
	gcClientsRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_gc_clients_runs_total",
		Help: "Общее количество запусков GC счётчиков клиентов",
	})

	// gcClientsDeletedTotal — количество удалённых счётчиков.
	gcClientsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_gc_clients_deleted_total",
		Help: "Общее количество счётчиков клиентов, удалённых GC",
	})
)

// JobsGCResult — результат одного запуска GC заданий.
type JobsGCResult struct {
	// DeletedCount — количество удалённых заданий
	DeletedCount int
	// UnpinnedCount — количество снятых пинов
	UnpinnedCount int
	// RoomsClosed — количество закрытых осиротевших комнат
	RoomsClosed int
	// Errors — количество ошибок при обработке заданий
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// JobsGCService — фоновая очистка просроченных заданий.
type JobsGCService struct {
	jobs     repository.UploadJobRepository
	storage  Storage
	registry *comms.Registry
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewJobsGCService создаёт сервис очистки заданий.
// Интервал и TTL обязаны быть положительными: молчаливый ноль
// означал бы отключённую очистку и вечные пины.
func NewJobsGCService(
	jobs repository.UploadJobRepository,
	storage Storage,
	registry *comms.Registry,
	interval, ttl time.Duration,
	logger *slog.Logger,
) (*JobsGCService, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("некорректный интервал GC заданий: %s", interval)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("некорректный TTL заданий: %s", ttl)
	}
	return &JobsGCService{
		jobs:     jobs,
		storage:  storage,
		registry: registry,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "jobs_gc")),
	}, nil
}

// Start запускает фоновую горутину GC с периодическим тикером.
// Вызывается один раз при старте приложения.
func (gc *JobsGCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("GC заданий запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("ttl", gc.ttl.String()),
	)
}

// Stop останавливает фоновый процесс GC.
func (gc *JobsGCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("GC заданий остановлен")
}

// run — основной цикл фоновой горутины.
func (gc *JobsGCService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	gc.RunOnce(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки заданий.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
//
// Порядок обработки:
//  1. Просроченные задания: снятие пина + удаление записи
//  2. Осиротевшие комнаты: выход из топиков без заданий
//
// Задания обрабатываются независимо: ошибка одного не прерывает
// обработку остальных.
func (gc *JobsGCService) RunOnce(ctx context.Context) *JobsGCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &JobsGCResult{}

	gc.logger.Debug("GC заданий: запуск начат")

	cutoff := time.Now().UTC().Add(-gc.ttl)

	// Фаза 1: просроченные задания
	expired, err := gc.jobs.FindExpired(ctx, cutoff)
	if err != nil {
		gc.logger.Error("GC заданий: ошибка выборки просроченных", slog.String("error", err.Error()))
		result.Errors++
	}

	for _, job := range expired {
		// Снимаем пин сохранённого контента. Отсутствие пина не ошибка:
		// его мог убрать обработчик подтверждения другого задания.
		if job.FileHash != "" {
			err := gc.storage.Rm(ctx, job.FileHash)
			switch {
			case errors.Is(err, ipfs.ErrNotPinned):
				// уже снят
			case err != nil:
				// Пин не снят — запись оставляем, попробуем в следующем цикле
				gc.logger.Error("GC заданий: ошибка снятия пина",
					slog.String("job_id", job.ID),
					slog.String("file_hash", job.FileHash),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			default:
				result.UnpinnedCount++
			}
		}

		if _, err := gc.jobs.Delete(ctx, job.ID); err != nil {
			gc.logger.Error("GC заданий: ошибка удаления задания",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		gc.logger.Debug("GC заданий: задание удалено",
			slog.String("job_id", job.ID),
			slog.String("file_hash", job.FileHash),
		)
		result.DeletedCount++
	}

	// Фаза 2: осиротевшие комнаты
	result.RoomsClosed = gc.sweepRooms(ctx, result)

	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	gcJobsRunsTotal.Inc()
	gcJobsDeletedTotal.Add(float64(result.DeletedCount))
	gcJobsUnpinnedTotal.Add(float64(result.UnpinnedCount))
	gcJobsDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC заданий завершён",
		slog.Int("deleted", result.DeletedCount),
		slog.Int("unpinned", result.UnpinnedCount),
		slog.Int("rooms_closed", result.RoomsClosed),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweepRooms закрывает комнаты, на топики которых не осталось заданий.
func (gc *JobsGCService) sweepRooms(ctx context.Context, result *JobsGCResult) int {
	closed := 0
	for _, topic := range gc.registry.Topics() {
		contract, offerID, err := comms.ParseTopic(topic)
		if err != nil {
			gc.logger.Error("GC заданий: некорректный топик комнаты",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		count, err := gc.jobs.CountByTopic(ctx, offerID, contract)
		if err != nil {
			gc.logger.Error("GC заданий: ошибка пересчёта заданий топика",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if count > 0 {
			continue
		}

		gc.registry.Leave(topic)
		gc.logger.Debug("GC заданий: комната закрыта", slog.String("topic", topic))
		closed++
	}
	return closed
}

// ClientsGCService — фоновая очистка счётчиков загрузок клиентов.
type ClientsGCService struct {
	clients  repository.UploadClientRepository
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewClientsGCService создаёт сервис очистки счётчиков.
func NewClientsGCService(
	clients repository.UploadClientRepository,
	interval, ttl time.Duration,
	logger *slog.Logger,
) (*ClientsGCService, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("некорректный интервал GC счётчиков: %s", interval)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("некорректный TTL счётчиков: %s", ttl)
	}
	return &ClientsGCService{
		clients:  clients,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "clients_gc")),
	}, nil
}

// Start запускает фоновую горутину GC счётчиков.
func (gc *ClientsGCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel

	go gc.run(gcCtx)

	gc.logger.Info("GC счётчиков запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("ttl", gc.ttl.String()),
	)
}

// Stop останавливает фоновый процесс GC счётчиков.
func (gc *ClientsGCService) Stop() {
	if gc.cancel != nil {
		gc.cancel()
	}
	gc.logger.Info("GC счётчиков остановлен")
}

func (gc *ClientsGCService) run(ctx context.Context) {
	gc.RunOnce(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce удаляет счётчики, чьё окно лимита истекло.
// Возвращает количество удалённых записей.
func (gc *ClientsGCService) RunOnce(ctx context.Context) int64 {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	cutoff := time.Now().UTC().Add(-gc.ttl)

	deleted, err := gc.clients.DeleteExpired(ctx, cutoff)
	if err != nil {
		gc.logger.Error("GC счётчиков: ошибка удаления", slog.String("error", err.Error()))
		return 0
	}

	gcClientsRunsTotal.Inc()
	gcClientsDeletedTotal.Add(float64(deleted))

	gc.logger.Info("GC счётчиков завершён", slog.Int64("deleted", deleted))
	return deleted
}
