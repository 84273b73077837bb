package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrTaskAlreadyActive — task уже обрабатывается этим процессом.
	ErrTaskAlreadyActive = errors.New("task is already active")

	// ErrTaskFinished — task уже в терминальном статусе.
	ErrTaskFinished = errors.New("task is already finished")

	// ErrDuplicateStep — step с таким (branch_id, step_index) уже есть.
	ErrDuplicateStep = errors.New("duplicate step position")

	// ErrBranchFailed — ветка FORK-блока завершилась неудачей.
	ErrBranchFailed = errors.New("branch failed")

	// ErrAllBranchesFailed — ни одна ветка не завершилась успешно
	// (для стратегий ANY и FIRST).
	ErrAllBranchesFailed = errors.New("all branches failed")
)
