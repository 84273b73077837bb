package quota

import "errors"

// Ошибки квотной саги.
var (
	// ErrInsufficientQuota — баланса пользователя не хватает на резерв.
	ErrInsufficientQuota = errors.New("insufficient quota")

	// ErrReservationNotFound — для task нет квотной транзакции.
	ErrReservationNotFound = errors.New("quota reservation not found")

	// ErrDuplicateTask — для task уже существует квотная транзакция.
	ErrDuplicateTask = errors.New("duplicate quota transaction for task")

	// ErrInvariantViolation — попытка недопустимого перехода фазы
	// (confirm/cancel без резерва, confirm после cancel и наоборот).
	ErrInvariantViolation = errors.New("quota invariant violation")
)
