package executor

import "errors"

// Ошибки исполнителя шагов.
var (
	// ErrMissingProvider — у узла нет ни provider_ref, ни provider_type.
	ErrMissingProvider = errors.New("node has no provider reference")

	// ErrAttemptsExhausted — все попытки выполнения шага исчерпаны.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)
