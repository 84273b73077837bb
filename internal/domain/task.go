package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — запрос пользователя, проходящий через pipeline.
//
// Task создаётся когда:
// - Пользователь отправляет запрос через API/CLI
// - Reconciler переотправляет осиротевший PENDING task
//
// Каждый task выполняет конкретную версию pipeline-схемы и владеет
// упорядоченной коллекцией Step-записей (ключ: step_index + branch_id).
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// UserID — владелец task (с его баланса резервируется квота).
	UserID uuid.UUID `json:"user_id"`

	// FeatureID — идентификатор фичи продукта, от имени которой запущен task.
	FeatureID string `json:"feature_id"`

	// SchemaID — ссылка на pipeline-схему, по которой выполняется task.
	SchemaID uuid.UUID `json:"schema_id"`

	// Input — входные данные запроса (непрозрачный структурированный payload).
	Input map[string]any `json:"input,omitempty"`

	// QuotaCost — стоимость task в единицах квоты.
	// Резервируется с баланса пользователя перед запуском.
	QuotaCost int64 `json:"quota_cost"`

	// Status — текущий статус выполнения.
	Status TaskStatus `json:"status"`

	// Artifacts — агрегированные результаты успешных шагов (node_id → output).
	Artifacts map[string]any `json:"artifacts,omitempty"`

	// Error — текст ошибки, если task завершился с FAILED.
	// Человекочитаемое описание первого упавшего шага.
	Error string `json:"error,omitempty"`

	// StartedAt — время начала выполнения (когда статус стал RUNNING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения (в любом финальном статусе).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания task.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если task завершён (в любом статусе).
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если task ещё не завершён.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// MarkRunning переводит task в статус RUNNING.
func (t *Task) MarkRunning() {
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
}

// MarkCompleted переводит task в статус COMPLETED с артефактами.
func (t *Task) MarkCompleted(artifacts map[string]any) {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.FinishedAt = &now
	t.Artifacts = artifacts
}

// MarkFailed переводит task в статус FAILED с ошибкой.
func (t *Task) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.FinishedAt = &now
	t.Error = err
}

// MarkCancelled переводит task в статус CANCELLED.
func (t *Task) MarkCancelled() {
	now := time.Now()
	t.Status = TaskStatusCancelled
	t.FinishedAt = &now
}
