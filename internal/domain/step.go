package domain

import (
	"time"

	"github.com/google/uuid"
)

// BranchMain — branch_id главной ветки выполнения.
const BranchMain = "main"

// JoinStrategy — стратегия ожидания веток на JOIN-узле.
type JoinStrategy string

const (
	// JoinAll — ждать все ветки; любая упавшая ветка роняет JOIN.
	JoinAll JoinStrategy = "ALL"

	// JoinAny — продолжить после первой успешной ветки,
	// остальные помечаются SKIPPED.
	JoinAny JoinStrategy = "ANY"

	// JoinFirst — как ANY, но при одновременном завершении нескольких
	// веток выбирается лексикографически меньший branch_id.
	JoinFirst JoinStrategy = "FIRST"
)

// Step — одна единица выполнения внутри task, привязанная к позиции
// в одной ветке.
//
// Step создаётся лениво, когда оркестратор доходит до позиции графа.
// Записи append-only: step никогда не удаляется (audit trail).
// Инвариант: (task_id, step_index, branch_id) уникален.
type Step struct {
	// ID — уникальный идентификатор step.
	ID uuid.UUID `json:"id"`

	// TaskID — ссылка на родительский task.
	TaskID uuid.UUID `json:"task_id"`

	// StepIndex — позиция внутри своей ветки (0, 1, 2, ...).
	StepIndex int `json:"step_index"`

	// BranchID — ветка: "main" или "forkN" для порождённых веток.
	BranchID string `json:"branch_id"`

	// ParentStepID — FORK-step, породивший эту ветку (nil для main).
	ParentStepID *uuid.UUID `json:"parent_step_id,omitempty"`

	// NodeID — ID узла схемы, которому соответствует step.
	NodeID string `json:"node_id"`

	// NodeType — тип узла: "provider", "fork", "join".
	NodeType string `json:"node_type"`

	// ProviderRef — ссылка на провайдера (для узлов типа "provider").
	ProviderRef string `json:"provider_ref,omitempty"`

	// Status — текущий статус step.
	Status StepStatus `json:"status"`

	// Input — входные данные шага.
	Input map[string]any `json:"input,omitempty"`

	// Output — результат выполнения шага.
	Output map[string]any `json:"output,omitempty"`

	// JoinStrategy — стратегия объединения веток (только для JOIN-узлов).
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty"`

	// BranchResults — агрегация выходов веток (только для JOIN-узлов):
	// branch_id → output последнего шага ветки.
	BranchResults map[string]map[string]any `json:"branch_results,omitempty"`

	// RetryCount — количество выполненных попыток.
	RetryCount int `json:"retry_count"`

	// Error — текст ошибки при неудаче.
	Error string `json:"error,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания step.
	CreatedAt time.Time `json:"created_at"`
}

// NewStep создаёт step в статусе PENDING для позиции графа.
func NewStep(taskID uuid.UUID, index int, branchID string, node *NodeDef, parent *uuid.UUID) *Step {
	return &Step{
		ID:           uuid.New(),
		TaskID:       taskID,
		StepIndex:    index,
		BranchID:     branchID,
		ParentStepID: parent,
		NodeID:       node.ID,
		NodeType:     node.Type,
		ProviderRef:  node.ProviderRef,
		Status:       StepStatusPending,
		JoinStrategy: node.JoinStrategy,
		CreatedAt:    time.Now(),
	}
}

// IsFinished возвращает true, если step завершён.
func (s *Step) IsFinished() bool {
	return s.Status.IsTerminal()
}

// MarkRunning переводит step в статус RUNNING.
func (s *Step) MarkRunning() {
	now := time.Now()
	s.Status = StepStatusRunning
	s.StartedAt = &now
}

// MarkSucceeded переводит step в статус SUCCEEDED с результатом.
func (s *Step) MarkSucceeded(output map[string]any) {
	now := time.Now()
	s.Status = StepStatusSucceeded
	s.FinishedAt = &now
	s.Output = output
}

// MarkFailed переводит step в статус FAILED с ошибкой.
func (s *Step) MarkFailed(err string) {
	now := time.Now()
	s.Status = StepStatusFailed
	s.FinishedAt = &now
	s.Error = err
}

// MarkSkipped переводит step в статус SKIPPED.
// Применяется к шагам после упавшего узла и к отброшенным веткам.
func (s *Step) MarkSkipped() {
	now := time.Now()
	s.Status = StepStatusSkipped
	s.FinishedAt = &now
}
