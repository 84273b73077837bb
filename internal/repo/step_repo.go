package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// StepRepo — репозиторий для работы с task_steps.
//
// Записи append-only: step никогда не удаляется. Уникальный индекс
// (task_id, step_index, branch_id) страхует инвариант позиций на
// уровне БД.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `id, task_id, step_index, branch_id, parent_step_id, node_id, node_type,
	       provider_ref, status, input, output, join_strategy, branch_results,
	       retry_count, error, started_at, finished_at, created_at`

// Create создаёт step. Конфликт позиции — ErrAlreadyExists.
func (r *StepRepo) Create(ctx context.Context, step *domain.Step) error {
	inputJSON, outputJSON, resultsJSON, err := marshalStepJSON(step)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO task_steps (id, task_id, step_index, branch_id, parent_step_id, node_id,
		                        node_type, provider_ref, status, input, output, join_strategy,
		                        branch_results, retry_count, error, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = r.pool.Exec(ctx, query,
		step.ID,
		step.TaskID,
		step.StepIndex,
		step.BranchID,
		step.ParentStepID,
		step.NodeID,
		step.NodeType,
		nullString(step.ProviderRef),
		step.Status,
		inputJSON,
		outputJSON,
		nullString(string(step.JoinStrategy)),
		resultsJSON,
		step.RetryCount,
		nullString(step.Error),
		step.StartedAt,
		step.FinishedAt,
		step.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Update обновляет мутабельные поля step.
func (r *StepRepo) Update(ctx context.Context, step *domain.Step) error {
	_, outputJSON, resultsJSON, err := marshalStepJSON(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE task_steps
		SET status = $2, output = $3, branch_results = $4, retry_count = $5,
		    provider_ref = $6, error = $7, started_at = $8, finished_at = $9
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		step.ID,
		step.Status,
		outputJSON,
		resultsJSON,
		step.RetryCount,
		nullString(step.ProviderRef),
		nullString(step.Error),
		step.StartedAt,
		step.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByTaskID возвращает все steps task по (branch_id, step_index).
func (r *StepRepo) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]domain.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM task_steps
		WHERE task_id = $1
		ORDER BY branch_id ASC, step_index ASC
	`
	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func marshalStepJSON(step *domain.Step) (input, output, results []byte, err error) {
	if input, err = json.Marshal(step.Input); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal step input: %w", err)
	}
	if output, err = json.Marshal(step.Output); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal step output: %w", err)
	}
	if results, err = json.Marshal(step.BranchResults); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal branch results: %w", err)
	}
	return input, output, results, nil
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	var inputJSON, outputJSON, resultsJSON []byte
	var providerRef, joinStrategy, stepError *string

	err := row.Scan(
		&step.ID,
		&step.TaskID,
		&step.StepIndex,
		&step.BranchID,
		&step.ParentStepID,
		&step.NodeID,
		&step.NodeType,
		&providerRef,
		&step.Status,
		&inputJSON,
		&outputJSON,
		&joinStrategy,
		&resultsJSON,
		&step.RetryCount,
		&stepError,
		&step.StartedAt,
		&step.FinishedAt,
		&step.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
	}
	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &step.BranchResults); err != nil {
			return nil, fmt.Errorf("unmarshal branch results: %w", err)
		}
	}
	if providerRef != nil {
		step.ProviderRef = *providerRef
	}
	if joinStrategy != nil {
		step.JoinStrategy = domain.JoinStrategy(*joinStrategy)
	}
	if stepError != nil {
		step.Error = *stepError
	}

	return &step, nil
}
