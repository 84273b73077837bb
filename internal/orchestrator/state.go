package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/engine"
)

// stepKey — позиция step внутри task.
// Инвариант уникальности (task_id, step_index, branch_id) в памяти
// держится на этом ключе, в БД — на unique-индексе.
type stepKey struct {
	branchID string
	index    int
}

// TaskState — рабочее состояние одного активного task.
//
// Арена всех step-записей task плюс флаг отмены. Мутируется из
// главной горутины task и из горутин веток, поэтому всё под мьютексом.
type TaskState struct {
	task *domain.Task
	plan *engine.Plan

	mu           sync.Mutex
	steps        map[stepKey]*domain.Step
	cancelled    bool
	cancelReason string
	cancelFn     func()
}

// TaskStats — сводка по шагам активного task.
type TaskStats struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// newTaskState создаёт состояние для task с компилированным планом.
func newTaskState(task *domain.Task, plan *engine.Plan) *TaskState {
	return &TaskState{
		task:  task,
		plan:  plan,
		steps: make(map[stepKey]*domain.Step),
	}
}

// TaskID возвращает идентификатор task.
func (s *TaskState) TaskID() uuid.UUID {
	return s.task.ID
}

// NewStep создаёт step на позиции (branchID, index).
// Повторное создание той же позиции — ErrDuplicateStep.
func (s *TaskState) NewStep(branchID string, index int, node *domain.NodeDef, parent *uuid.UUID) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{branchID: branchID, index: index}
	if _, exists := s.steps[key]; exists {
		return nil, fmt.Errorf("branch %s index %d: %w", branchID, index, ErrDuplicateStep)
	}

	step := domain.NewStep(s.task.ID, index, branchID, node, parent)
	s.steps[key] = step
	return step, nil
}

// Step возвращает step на позиции или nil.
func (s *TaskState) Step(branchID string, index int) *domain.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[stepKey{branchID: branchID, index: index}]
}

// Steps возвращает все steps, отсортированные по (branch_id, step_index).
func (s *TaskState) Steps() []*domain.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Step, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchID != out[j].BranchID {
			return out[i].BranchID < out[j].BranchID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out
}

// BranchSteps возвращает steps одной ветки по порядку step_index.
func (s *TaskState) BranchSteps(branchID string) []*domain.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Step
	for key, step := range s.steps {
		if key.branchID == branchID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// Artifacts агрегирует выходы успешных шагов: node_id → output.
func (s *TaskState) Artifacts() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifacts := make(map[string]any)
	for _, step := range s.steps {
		if step.Status == domain.StepStatusSucceeded && step.Output != nil {
			artifacts[step.NodeID] = step.Output
		}
	}
	return artifacts
}

// MarkCancelled взводит флаг отмены и будит in-flight ветки.
func (s *TaskState) MarkCancelled(reason string) {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	if s.cancelReason == "" {
		s.cancelReason = reason
	}
	cancelFn := s.cancelFn
	s.mu.Unlock()

	if !already && cancelFn != nil {
		cancelFn()
	}
}

// IsCancelled проверяет, запрошена ли отмена.
func (s *TaskState) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// CancelReason возвращает причину отмены.
func (s *TaskState) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

// setCancelFunc привязывает cancel контекста выполнения task.
func (s *TaskState) setCancelFunc(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFn = fn
}

// Stats возвращает сводку по шагам.
func (s *TaskState) Stats() TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := TaskStats{Total: len(s.steps)}
	for _, step := range s.steps {
		switch step.Status {
		case domain.StepStatusSucceeded:
			stats.Succeeded++
		case domain.StepStatusFailed:
			stats.Failed++
		case domain.StepStatusSkipped:
			stats.Skipped++
		}
	}
	return stats
}
