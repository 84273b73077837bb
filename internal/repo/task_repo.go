package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// TaskRepo — репозиторий для работы с tasks.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, user_id, feature_id, schema_id, input, quota_cost, status,
	       artifacts, error, started_at, finished_at, created_at`

// Create создаёт новый task.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	inputJSON, err := json.Marshal(task.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := `
		INSERT INTO tasks (id, user_id, feature_id, schema_id, input, quota_cost, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.UserID,
		task.FeatureID,
		task.SchemaID,
		inputJSON,
		task.QuotaCost,
		task.Status,
		task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// Update обновляет task.
func (r *TaskRepo) Update(ctx context.Context, task *domain.Task) error {
	artifactsJSON, err := json.Marshal(task.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $2, artifacts = $3, error = $4, started_at = $5, finished_at = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		task.Status,
		artifactsJSON,
		nullString(task.Error),
		task.StartedAt,
		task.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending возвращает tasks в статусе PENDING (старые первыми).
func (r *TaskRepo) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.listTasks(ctx, query, limit)
}

// ListStaleRunning возвращает RUNNING tasks, стартовавшие до deadline.
// Используется reconciler'ом для добивания зависших tasks.
func (r *TaskRepo) ListStaleRunning(ctx context.Context, deadline time.Time, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'RUNNING' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`
	return r.listTasks(ctx, query, deadline, limit)
}

// ListByUser возвращает tasks пользователя (новые первыми).
func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.listTasks(ctx, query, userID, limit, offset)
}

func (r *TaskRepo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// scanTask читает task из строки результата.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var inputJSON, artifactsJSON []byte
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.FeatureID,
		&task.SchemaID,
		&inputJSON,
		&task.QuotaCost,
		&task.Status,
		&artifactsJSON,
		&taskError,
		&task.StartedAt,
		&task.FinishedAt,
		&task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &task.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if artifactsJSON != nil {
		if err := json.Unmarshal(artifactsJSON, &task.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if taskError != nil {
		task.Error = *taskError
	}

	return &task, nil
}
