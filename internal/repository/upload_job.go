package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// UploadJobRepository — интерфейс доступа к таблице upload_jobs.
type UploadJobRepository interface {
	// Create создаёт новое задание на загрузку.
	Create(ctx context.Context, j *model.UploadJob) error
	// MarkStored фиксирует content-хэш и переводит задание в WAITING_FOR_PINNING.
	// Переход выполняется ровно один раз: повторный вызов для задания
	// не в статусе UPLOADING возвращает ErrNotFound.
	MarkStored(ctx context.Context, id, fileHash string) error
	// Delete удаляет задание. Возвращает количество удалённых строк:
	// удаление уже удалённой записи — ноль строк, не ошибка.
	Delete(ctx context.Context, id string) (int64, error)
	// FindByHashAndTopic возвращает задание по (file_hash, offer_id, contract).
	FindByHashAndTopic(ctx context.Context, fileHash, offerID, contract string) (*model.UploadJob, error)
	// FindExpired возвращает задания, созданные не позже olderThan.
	FindExpired(ctx context.Context, olderThan time.Time) ([]*model.UploadJob, error)
	// CountByFileHash возвращает количество заданий с данным content-хэшем.
	CountByFileHash(ctx context.Context, fileHash string) (int64, error)
	// CountByTopic возвращает количество заданий для пары (offer_id, contract).
	CountByTopic(ctx context.Context, offerID, contract string) (int64, error)
	// ConfirmPinned атомарно удаляет задание и пересчитывает оставшиеся
	// задания по его content-хэшу и по его топику. Подсчёты выполняются
	// в той же транзакции, что и удаление, поэтому отражают его.
	ConfirmPinned(ctx context.Context, j *model.UploadJob) (remainingForHash, remainingForTopic int64, err error)
}

// uploadJobRepo — реализация UploadJobRepository.
type uploadJobRepo struct {
	db DBTX
	tx *TxRunner
}

// NewUploadJobRepository создаёт репозиторий заданий на загрузку.
func NewUploadJobRepository(pool *pgxpool.Pool) UploadJobRepository {
	return &uploadJobRepo{db: pool, tx: NewTxRunner(pool)}
}

const uploadJobColumns = `id, offer_id, contract, account, peer_id, file_hash, meta, status, created_at, updated_at`

func (r *uploadJobRepo) Create(ctx context.Context, j *model.UploadJob) error {
	query := `
		INSERT INTO upload_jobs (id, offer_id, contract, account, peer_id, file_hash, meta, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		j.ID, j.OfferID, j.Contract, j.Account, j.PeerID, j.FileHash, j.Meta, j.Status,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: задание с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания задания: %w", err)
	}
	return nil
}

func (r *uploadJobRepo) MarkStored(ctx context.Context, id, fileHash string) error {
	query := `
		UPDATE upload_jobs
		SET file_hash = $2, status = $3, updated_at = now()
		WHERE id = $1 AND status = $4`

	tag, err := r.db.Exec(ctx, query, id, fileHash, model.StatusWaitingForPinning, model.StatusUploading)
	if err != nil {
		return fmt.Errorf("ошибка обновления задания: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *uploadJobRepo) Delete(ctx context.Context, id string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM upload_jobs WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления задания: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *uploadJobRepo) FindByHashAndTopic(ctx context.Context, fileHash, offerID, contract string) (*model.UploadJob, error) {
	query := `
		SELECT ` + uploadJobColumns + `
		FROM upload_jobs
		WHERE file_hash = $1 AND offer_id = $2 AND contract = $3
		LIMIT 1`

	j := &model.UploadJob{}
	err := r.db.QueryRow(ctx, query, fileHash, offerID, contract).Scan(
		&j.ID, &j.OfferID, &j.Contract, &j.Account, &j.PeerID, &j.FileHash,
		&j.Meta, &j.Status, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения задания: %w", err)
	}
	return j, nil
}

func (r *uploadJobRepo) FindExpired(ctx context.Context, olderThan time.Time) ([]*model.UploadJob, error) {
	query := `
		SELECT ` + uploadJobColumns + `
		FROM upload_jobs
		WHERE created_at <= $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки просроченных заданий: %w", err)
	}
	defer rows.Close()

	var result []*model.UploadJob
	for rows.Next() {
		j := &model.UploadJob{}
		if err := rows.Scan(
			&j.ID, &j.OfferID, &j.Contract, &j.Account, &j.PeerID, &j.FileHash,
			&j.Meta, &j.Status, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования задания: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (r *uploadJobRepo) CountByFileHash(ctx context.Context, fileHash string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM upload_jobs WHERE file_hash = $1`, fileHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта заданий по хэшу: %w", err)
	}
	return count, nil
}

func (r *uploadJobRepo) CountByTopic(ctx context.Context, offerID, contract string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM upload_jobs WHERE offer_id = $1 AND contract = $2`,
		offerID, contract,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта заданий по топику: %w", err)
	}
	return count, nil
}

// ConfirmPinned выполняет "удалить задание → пересчитать по хэшу →
// пересчитать по топику" одной транзакцией, чтобы конкурирующий GC и
// обработчик подтверждений не наблюдали частичное состояние.
func (r *uploadJobRepo) ConfirmPinned(ctx context.Context, j *model.UploadJob) (remainingForHash, remainingForTopic int64, err error) {
	err = r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if _, txErr := tx.Exec(ctx, `DELETE FROM upload_jobs WHERE id = $1`, j.ID); txErr != nil {
			return fmt.Errorf("ошибка удаления задания: %w", txErr)
		}
		if txErr := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM upload_jobs WHERE file_hash = $1`, j.FileHash,
		).Scan(&remainingForHash); txErr != nil {
			return fmt.Errorf("ошибка подсчёта заданий по хэшу: %w", txErr)
		}
		if txErr := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM upload_jobs WHERE offer_id = $1 AND contract = $2`, j.OfferID, j.Contract,
		).Scan(&remainingForTopic); txErr != nil {
			return fmt.Errorf("ошибка подсчёта заданий по топику: %w", txErr)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return remainingForHash, remainingForTopic, nil
}
