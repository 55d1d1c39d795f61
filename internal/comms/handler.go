// handler.go — слушатель подтверждения пиннинга для одного задания.
package comms

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/ipfs"
	"github.com/rsksmart/rif-marketplace-upload-service/internal/repository"
)

// Unpinner убирает пин контента в шлюзе хранения.
type Unpinner interface {
	Rm(ctx context.Context, fileHash string) error
}

// PinnedHandler создаёт слушателя, ожидающего подтверждения пиннинга
// от конкретного пира по конкретному офферу. Слушатель возвращает
// Done, когда подтверждение обработано и ждать больше нечего; все
// прочие исходы (чужой отправитель, другой код, временная ошибка)
// оставляют слушателя прикреплённым.
func PinnedHandler(
	jobs repository.UploadJobRepository,
	storage Unpinner,
	registry *Registry,
	logger *slog.Logger,
	topic, offerID, contract, peerID string,
) Listener {
	log := logger.With(
		slog.String("component", "pinned-handler"),
		slog.String("offer_id", offerID),
		slog.String("peer_id", peerID),
	)

	return func(ctx context.Context, env Envelope) Result {
		if env.From != peerID {
			log.Debug("Сообщение от чужого пира проигнорировано", slog.String("from", env.From))
			return Result{}
		}

		if env.Message.Code != model.CodeHashPinned {
			log.Debug("Неподдерживаемый код сообщения", slog.String("code", env.Message.Code))
			return Result{}
		}

		var payload model.HashInfoPayload
		if err := json.Unmarshal(env.Message.Payload, &payload); err != nil {
			log.Warn("Некорректная полезная нагрузка подтверждения", slog.String("error", err.Error()))
			return Result{}
		}

		fileHash := model.PrefixHash(payload.Hash)
		job, err := jobs.FindByHashAndTopic(ctx, fileHash, offerID, contract)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Задание уже убрано (повторное подтверждение или GC
				// опередил). Подтверждение отработано, ждать нечего.
				log.Info("Подтверждение без задания", slog.String("file_hash", fileHash))
				return Result{Done: true}
			}
			log.Error("Ошибка поиска задания", slog.String("error", err.Error()))
			return Result{}
		}

		remainingForHash, remainingForTopic, err := jobs.ConfirmPinned(ctx, job)
		if err != nil {
			log.Error("Ошибка подтверждения пиннинга", slog.String("error", err.Error()))
			return Result{}
		}

		log.Info("Пиннинг подтверждён",
			slog.String("job_id", job.ID),
			slog.String("file_hash", fileHash),
			slog.Int64("remaining_for_hash", remainingForHash),
			slog.Int64("remaining_for_topic", remainingForTopic),
		)

		// Контент больше никем не ожидается — убираем наш пин.
		// Отсутствие пина не ошибка: контент могли убрать раньше.
		if remainingForHash == 0 {
			if err := storage.Rm(ctx, fileHash); err != nil && !errors.Is(err, ipfs.ErrNotPinned) {
				log.Error("Ошибка снятия пина", slog.String("file_hash", fileHash), slog.String("error", err.Error()))
			}
		}

		// Последнее задание топика — комната больше не нужна.
		if remainingForTopic == 0 {
			registry.Leave(topic)
		}

		return Result{Done: true}
	}
}
