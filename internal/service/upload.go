// Пакет service — бизнес-логика Upload Service.
// upload.go — координатор загрузки: принимает файл, пишет его в шлюз
// хранения и подписывается на подтверждение pinning от удалённого узла.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/rsksmart/rif-marketplace-upload-service/internal/api/errors"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/comms"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/config"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/repository"
)

// Storage — операции шлюза хранения, нужные координатору.
type Storage interface {
	Add(ctx context.Context, name string, r io.Reader) (string, error)
	Rm(ctx context.Context, fileHash string) error
	Size(ctx context.Context, fileHash string) (int64, error)
}

// UploadParams — параметры одной загрузки.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — оригинальное имя файла
	Filename string
	// Account — аккаунт инициатора загрузки
	Account string
	// OfferID — идентификатор оффера
	OfferID string
	// Contract — адрес контракта
	Contract string
	// PeerID — узел, от которого ожидается подтверждение pinning
	PeerID string
	// ClientIP — IP клиента для учёта лимита загрузок
	ClientIP string
}

// UploadResult — ответ на успешную загрузку.
type UploadResult struct {
	Message  string `json:"message"`
	FileHash string `json:"fileHash"`
	FileSize int64  `json:"fileSize"`
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UploadService — координатор загрузок.
type UploadService struct {
	cfg      *config.Config
	jobs     repository.UploadJobRepository
	clients  repository.UploadClientRepository
	storage  Storage
	registry *comms.Registry
	logger   *slog.Logger
}

// NewUploadService создаёт координатор загрузок.
func NewUploadService(
	cfg *config.Config,
	jobs repository.UploadJobRepository,
	clients repository.UploadClientRepository,
	storage Storage,
	registry *comms.Registry,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:      cfg,
		jobs:     jobs,
		clients:  clients,
		storage:  storage,
		registry: registry,
		logger:   logger.With(slog.String("component", "upload_service")),
	}
}

// Upload выполняет полный цикл приёма файла.
//
// Поток:
//  1. Валидация параметров
//  2. Проверка лимита загрузок клиента
//  3. Создание задания в статусе UPLOADING
//  4. Запись контента в шлюз хранения
//  5. Перевод задания в WAITING_FOR_PINNING (file_hash заполнен)
//  6. Инкремент счётчика клиента
//  7. Вход в комнату топика и подписка на подтверждение pinning
//
// При ошибке записи в хранилище предварительная запись задания удаляется.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*UploadResult, *UploadError) {
	// 1. Валидация параметров
	if verr := validateUploadParams(params); verr != nil {
		return nil, verr
	}

	// 2. Лимит загрузок: считаем по IP клиента за окно GC счётчиков
	client, err := s.clients.Get(ctx, params.ClientIP)
	if err != nil && !isNotFound(err) {
		s.logger.Error("Ошибка чтения счётчика клиента", slog.String("error", err.Error()))
		return nil, internalUploadError("Внутренняя ошибка при проверке лимита загрузок")
	}
	if client != nil && client.Uploads >= s.cfg.UploadLimitPerPeriod {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeRateLimited,
			Message:    fmt.Sprintf("Превышен лимит загрузок: %d за период", s.cfg.UploadLimitPerPeriod),
		}
	}

	offerID := strings.ToLower(params.OfferID)
	contract := strings.ToLower(params.Contract)

	// 3. Предварительная запись задания
	job := &model.UploadJob{
		ID:       uuid.New().String(),
		OfferID:  offerID,
		Contract: contract,
		Account:  params.Account,
		PeerID:   params.PeerID,
		Meta:     map[string]any{"filename": params.Filename},
		Status:   model.StatusUploading,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.Error("Ошибка создания задания", slog.String("error", err.Error()))
		return nil, internalUploadError("Внутренняя ошибка при создании задания")
	}

	// 4. Запись контента в шлюз хранения.
	// Размер считаем по фактически прочитанным байтам потока.
	counted := &countingReader{r: params.Reader}
	cid, err := s.storage.Add(ctx, params.Filename, counted)
	if err != nil {
		// Откат предварительной записи — best effort
		if _, derr := s.jobs.Delete(ctx, job.ID); derr != nil {
			s.logger.Error("Ошибка отката задания",
				slog.String("job_id", job.ID),
				slog.String("error", derr.Error()),
			)
		}
		s.logger.Error("Ошибка записи в хранилище",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, internalUploadError("Ошибка записи контента в хранилище")
	}
	fileHash := model.PrefixHash(cid)

	// 5. Контент сохранён — фиксируем хэш и переводим статус.
	// Если запись не удалась, задание без хэша бесполезно — откатываем
	// и его; сам контент остаётся запиненным на усмотрение оператора.
	if err := s.jobs.MarkStored(ctx, job.ID, fileHash); err != nil {
		if _, derr := s.jobs.Delete(ctx, job.ID); derr != nil {
			s.logger.Error("Ошибка отката задания",
				slog.String("job_id", job.ID),
				slog.String("error", derr.Error()),
			)
		}
		s.logger.Error("Ошибка перевода задания в ожидание pinning",
			slog.String("job_id", job.ID),
			slog.String("file_hash", fileHash),
			slog.String("error", err.Error()),
		)
		return nil, internalUploadError("Внутренняя ошибка при обновлении задания")
	}
	job.FileHash = fileHash
	job.Status = model.StatusWaitingForPinning

	// 6. Учёт загрузки клиента
	if err := s.clients.Increment(ctx, params.ClientIP); err != nil {
		// Загрузка уже состоялась, счётчик — best effort
		s.logger.Error("Ошибка инкремента счётчика клиента",
			slog.String("ip", params.ClientIP),
			slog.String("error", err.Error()),
		)
	}

	// 7. Комната топика и слушатель подтверждения
	topic := comms.Topic(s.cfg.NetworkID, contract, offerID)
	room, err := s.registry.GetOrCreate(ctx, topic)
	if err != nil {
		s.logger.Error("Ошибка входа в комнату",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return nil, internalUploadError("Внутренняя ошибка подписки на подтверждение")
	}
	handler := comms.PinnedHandler(s.jobs, s.storage, s.registry, s.logger, topic, offerID, contract, params.PeerID)
	room.AddListener(handler, s.cfg.JobsTTL)

	s.logger.Info("Файл принят",
		slog.String("job_id", job.ID),
		slog.String("file_hash", fileHash),
		slog.Int64("size", counted.n),
		slog.String("offer_id", offerID),
		slog.String("peer_id", params.PeerID),
	)

	return &UploadResult{
		Message:  "Файл принят, ожидается подтверждение pinning",
		FileHash: fileHash,
		FileSize: counted.n,
	}, nil
}

// FileSize возвращает размер контента по его хэшу.
func (s *UploadService) FileSize(ctx context.Context, hash string) (int64, error) {
	return s.storage.Size(ctx, model.PrefixHash(hash))
}

// SizeLimit возвращает максимальный размер принимаемого файла в байтах.
func (s *UploadService) SizeLimit() int64 {
	return s.cfg.FileSizeLimit
}

func validateUploadParams(params UploadParams) *UploadError {
	missing := func(field string) *UploadError {
		return &UploadError{
			StatusCode: 422,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Не указан обязательный параметр %s", field),
		}
	}

	switch {
	case params.Reader == nil:
		return missing("files")
	case params.Account == "":
		return missing("account")
	case params.OfferID == "":
		return missing("offerId")
	case params.Contract == "":
		return missing("contractAddress")
	case params.PeerID == "":
		return missing("peerId")
	case params.ClientIP == "":
		return missing("clientIP")
	}
	return nil
}

func internalUploadError(msg string) *UploadError {
	return &UploadError{
		StatusCode: 500,
		Code:       apierrors.CodeInternalError,
		Message:    msg,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// countingReader считает фактически прочитанные байты потока.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
