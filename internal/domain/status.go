package domain

// TaskStatus — статус выполнения task.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	          (или) → CANCELLED (из PENDING или RUNNING)
type TaskStatus string

const (
	// TaskStatusPending — task создан, квота ещё не зарезервирована.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning — квота зарезервирована, шаги выполняются.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted — все обязательные шаги завершились успешно.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed — task завершился с ошибкой.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusCancelled — task отменён пользователем.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (task завершён).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus — статус выполнения step.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	PENDING → SKIPPED (шаг после упавшего узла или отброшенная ветка)
type StepStatus string

const (
	// StepStatusPending — step создан, ожидает выполнения.
	StepStatusPending StepStatus = "PENDING"

	// StepStatusRunning — step выполняется против провайдера.
	StepStatusRunning StepStatus = "RUNNING"

	// StepStatusSucceeded — step успешно завершён.
	StepStatusSucceeded StepStatus = "SUCCEEDED"

	// StepStatusFailed — step завершился с ошибкой (после всех retry).
	StepStatusFailed StepStatus = "FAILED"

	// StepStatusSkipped — step не выполнялся (ветка отброшена или
	// предыдущий узел упал).
	StepStatusSkipped StepStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}
