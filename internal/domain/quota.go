package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuotaPhase — фаза квотной транзакции.
//
// Жизненный цикл (единственные легальные переходы):
//
//	RESERVED → CONFIRMED
//	RESERVED → CANCELLED
//
// Из CONFIRMED и CANCELLED переходов нет.
type QuotaPhase string

const (
	// QuotaReserved — квота списана с баланса, исход task неизвестен.
	QuotaReserved QuotaPhase = "RESERVED"

	// QuotaConfirmed — task завершился успешно, списание подтверждено.
	QuotaConfirmed QuotaPhase = "CONFIRMED"

	// QuotaCancelled — task упал или отменён, квота возвращена.
	QuotaCancelled QuotaPhase = "CANCELLED"
)

// CanTransitionTo проверяет легальность перехода фазы.
// Кодирует конечный автомат саги: только RESERVED может двигаться дальше.
func (p QuotaPhase) CanTransitionTo(next QuotaPhase) bool {
	if p != QuotaReserved {
		return false
	}
	return next == QuotaConfirmed || next == QuotaCancelled
}

// IsTerminal возвращает true, если фаза финальная.
func (p QuotaPhase) IsTerminal() bool {
	return p == QuotaConfirmed || p == QuotaCancelled
}

// QuotaTransaction — учёт квоты одного task.
//
// Инварианты:
// - На task существует не более одной транзакции (task_id уникален).
// - Создаётся атомарно со списанием баланса (check-and-decrement).
// - Мутируется не более одного раза: reserve→confirm или reserve→cancel.
type QuotaTransaction struct {
	// ID — уникальный идентификатор транзакции.
	ID uuid.UUID `json:"id"`

	// TaskID — task, за который зарезервирована квота. Уникален.
	TaskID uuid.UUID `json:"task_id"`

	// UserID — пользователь, с баланса которого списана квота.
	UserID uuid.UUID `json:"user_id"`

	// Amount — размер списания.
	Amount int64 `json:"amount"`

	// Phase — текущая фаза транзакции.
	Phase QuotaPhase `json:"phase"`

	// IdempotentDone — флаг завершённости: повторный confirm/cancel
	// для того же task — no-op, без двойного списания или возврата.
	IdempotentDone bool `json:"idempotent_done"`

	// CreatedAt — время резервирования.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего перехода фазы.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQuotaTransaction создаёт транзакцию в фазе RESERVED.
func NewQuotaTransaction(taskID, userID uuid.UUID, amount int64) *QuotaTransaction {
	now := time.Now()
	return &QuotaTransaction{
		ID:        uuid.New(),
		TaskID:    taskID,
		UserID:    userID,
		Amount:    amount,
		Phase:     QuotaReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
