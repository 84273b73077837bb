package provider

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки реестра провайдеров.
var (
	// ErrProviderNotFound — ссылка на незарегистрированного провайдера.
	ErrProviderNotFound = errors.New("provider not registered")

	// ErrNoProviderAvailable — в группе нет пригодного провайдера.
	ErrNoProviderAvailable = errors.New("no provider available for type")

	// ErrCircuitOpen — circuit breaker открыт, запрос не отправлялся.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ProviderError — классифицированная ошибка вызова провайдера.
//
// Transient (таймаут, транспортная ошибка, 5xx) — подлежит retry.
// Permanent (явный отказ вендора, 4xx) — retry не делается.
type ProviderError struct {
	// Ref — провайдер, вернувший ошибку.
	Ref string

	// Transient — подлежит ли ошибка retry.
	Transient bool

	// Err — базовая ошибка.
	Err error
}

// Error реализует интерфейс error.
func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Ref, kind, e.Err)
}

// Unwrap возвращает базовую ошибку.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError создаёт transient-ошибку провайдера.
func NewTransientError(ref string, err error) *ProviderError {
	return &ProviderError{Ref: ref, Transient: true, Err: err}
}

// NewPermanentError создаёт permanent-ошибку провайдера.
func NewPermanentError(ref string, err error) *ProviderError {
	return &ProviderError{Ref: ref, Transient: false, Err: err}
}

// CircuitOpenError — запрос отклонён открытым circuit breaker'ом.
// Для политики маршрутизации считается transient: вызывающий может
// попробовать альтернативного провайдера той же группы.
type CircuitOpenError struct {
	// Ref — провайдер с открытым breaker'ом.
	Ref string

	// RetryAfter — время до следующей half-open пробы.
	RetryAfter time.Duration
}

// Error реализует интерфейс error.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("provider %s: circuit open, retry after %s", e.Ref, e.RetryAfter)
}

// Unwrap возвращает сентинел ErrCircuitOpen.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// IsTransient сообщает, можно ли повторить вызов после ошибки.
// CircuitOpenError считается transient для целей маршрутизации.
func IsTransient(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return false
}
