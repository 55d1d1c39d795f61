// Пакет repository — доступ к таблицам upload_jobs и upload_clients.
// Чистый SQL через pgx; подтверждение пиннинга и пересчёты идут
// в одной транзакции через TxRunner.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound — задание или счётчик клиента не найдены.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — задание с таким id уже существует.
	ErrConflict = errors.New("запись уже существует")
)

// DBTX покрывает и *pgxpool.Pool, и pgx.Tx: одни и те же методы
// репозитория работают как вне транзакции, так и внутри неё.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner открывает транзакции над пулом.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn в транзакции: ошибка fn откатывает её,
// успешное завершение — коммитит.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// unique_violation (23505) транслируется в ErrConflict на уровне Create.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
