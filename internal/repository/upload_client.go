package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rsksmart/rif-marketplace-upload-service/internal/domain/model"
)

// UploadClientRepository — интерфейс доступа к таблице upload_clients.
type UploadClientRepository interface {
	// Get возвращает счётчик клиента по адресу или ErrNotFound.
	Get(ctx context.Context, ip string) (*model.UploadClient, error)
	// Increment увеличивает счётчик загрузок клиента, создавая запись
	// при первой загрузке (upsert).
	Increment(ctx context.Context, ip string) error
	// DeleteExpired удаляет счётчики, созданные не позже olderThan.
	// Возвращает количество удалённых записей.
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

// uploadClientRepo — реализация UploadClientRepository.
type uploadClientRepo struct {
	db DBTX
}

// NewUploadClientRepository создаёт репозиторий счётчиков клиентов.
func NewUploadClientRepository(db DBTX) UploadClientRepository {
	return &uploadClientRepo{db: db}
}

func (r *uploadClientRepo) Get(ctx context.Context, ip string) (*model.UploadClient, error) {
	query := `
		SELECT ip, uploads, created_at, updated_at
		FROM upload_clients
		WHERE ip = $1`

	c := &model.UploadClient{}
	err := r.db.QueryRow(ctx, query, ip).Scan(&c.IP, &c.Uploads, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения счётчика клиента: %w", err)
	}
	return c, nil
}

func (r *uploadClientRepo) Increment(ctx context.Context, ip string) error {
	query := `
		INSERT INTO upload_clients (ip, uploads)
		VALUES ($1, 1)
		ON CONFLICT (ip) DO UPDATE SET
			uploads = upload_clients.uploads + 1,
			updated_at = now()`

	if _, err := r.db.Exec(ctx, query, ip); err != nil {
		return fmt.Errorf("ошибка инкремента счётчика клиента: %w", err)
	}
	return nil
}

func (r *uploadClientRepo) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM upload_clients WHERE created_at <= $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления просроченных счётчиков: %w", err)
	}
	return tag.RowsAffected(), nil
}
