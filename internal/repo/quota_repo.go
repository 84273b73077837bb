package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/quota"
)

// QuotaRepo — хранилище квотных транзакций. Реализует quota.Store.
//
// Атомарность резерва обеспечивается одной БД-транзакцией:
// check-and-decrement баланса и вставка квотной записи либо проходят
// вместе, либо откатываются вместе. Финализация защищена условием
// phase='RESERVED' — конкурентный финал видит 0 затронутых строк.
type QuotaRepo struct {
	pool *pgxpool.Pool
}

// NewQuotaRepo создаёт новый QuotaRepo.
func NewQuotaRepo(pool *pgxpool.Pool) *QuotaRepo {
	return &QuotaRepo{pool: pool}
}

// Reserve атомарно списывает баланс и создаёт транзакцию RESERVED.
func (r *QuotaRepo) Reserve(ctx context.Context, qt *domain.QuotaTransaction) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Check-and-decrement одним UPDATE: двум конкурентным резервам
	// не дано пройти по одному и тому же остатку.
	result, err := tx.Exec(ctx, `
		UPDATE users
		SET quota_balance = quota_balance - $2
		WHERE id = $1 AND quota_balance >= $2
	`, qt.UserID, qt.Amount)
	if err != nil {
		return fmt.Errorf("decrement balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return quota.ErrInsufficientQuota
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_transactions (id, task_id, user_id, amount, phase, idempotent_done, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, qt.ID, qt.TaskID, qt.UserID, qt.Amount, qt.Phase, qt.IdempotentDone, qt.CreatedAt, qt.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return quota.ErrDuplicateTask
		}
		return fmt.Errorf("insert quota transaction: %w", err)
	}

	return tx.Commit(ctx)
}

// GetByTaskID возвращает квотную транзакцию task.
func (r *QuotaRepo) GetByTaskID(ctx context.Context, taskID uuid.UUID) (*domain.QuotaTransaction, error) {
	var qt domain.QuotaTransaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, task_id, user_id, amount, phase, idempotent_done, created_at, updated_at
		FROM quota_transactions
		WHERE task_id = $1
	`, taskID).Scan(
		&qt.ID,
		&qt.TaskID,
		&qt.UserID,
		&qt.Amount,
		&qt.Phase,
		&qt.IdempotentDone,
		&qt.CreatedAt,
		&qt.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota transaction: %w", err)
	}
	return &qt, nil
}

// Finalize переводит RESERVED транзакцию в терминальную фазу.
// Возвращает false, если транзакция уже не в RESERVED.
func (r *QuotaRepo) Finalize(ctx context.Context, taskID uuid.UUID, phase domain.QuotaPhase, refund bool) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE quota_transactions
		SET phase = $2, updated_at = now()
		WHERE task_id = $1 AND phase = 'RESERVED'
		RETURNING user_id, amount
	`, taskID, phase).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finalize quota transaction: %w", err)
	}

	if refund {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET quota_balance = quota_balance + $2 WHERE id = $1
		`, userID, amount); err != nil {
			return false, fmt.Errorf("refund balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finalize: %w", err)
	}
	return true, nil
}

// MarkIdempotentDone взводит флаг повторного финала.
func (r *QuotaRepo) MarkIdempotentDone(ctx context.Context, taskID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE quota_transactions SET idempotent_done = true, updated_at = now()
		WHERE task_id = $1
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark idempotent done: %w", err)
	}
	return nil
}

// GetBalance возвращает текущий баланс пользователя.
func (r *QuotaRepo) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT quota_balance FROM users WHERE id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}
