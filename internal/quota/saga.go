package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

// Store — хранилище квотных транзакций.
//
// Reserve обязан атомарно проверить и списать баланс пользователя и
// вставить транзакцию в фазе RESERVED; при нехватке баланса —
// ErrInsufficientQuota, при существующей транзакции для task —
// ErrDuplicateTask.
//
// Finalize переводит транзакцию из RESERVED в терминальную фазу
// (с возвратом баланса при refund) и возвращает false, если
// транзакция уже не в RESERVED.
type Store interface {
	Reserve(ctx context.Context, tx *domain.QuotaTransaction) error
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (*domain.QuotaTransaction, error)
	Finalize(ctx context.Context, taskID uuid.UUID, phase domain.QuotaPhase, refund bool) (bool, error)
	MarkIdempotentDone(ctx context.Context, taskID uuid.UUID) error
}

// Saga управляет жизненным циклом квоты одного task.
//
// Все решения о допустимости перехода принимаются здесь; Store
// обеспечивает только атомарность отдельных операций.
type Saga struct {
	store  Store
	logger *slog.Logger
}

// SagaConfig — конфигурация саги.
type SagaConfig struct {
	Store  Store
	Logger *slog.Logger
}

// NewSaga создаёт сагу.
func NewSaga(cfg SagaConfig) *Saga {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{
		store:  cfg.Store,
		logger: logger,
	}
}

// Reserve резервирует квоту под task.
//
// Идемпотентен: повторный вызов для task с живым резервом возвращает
// существующую транзакцию. Нехватка баланса — ErrInsufficientQuota,
// баланс при этом не меняется.
func (s *Saga) Reserve(ctx context.Context, taskID, userID uuid.UUID, amount int64) (*domain.QuotaTransaction, error) {
	tx := domain.NewQuotaTransaction(taskID, userID, amount)

	err := s.store.Reserve(ctx, tx)
	if err == nil {
		telemetry.QuotaOps.WithLabelValues("reserve").Inc()
		s.logger.Info("quota reserved",
			"task_id", taskID,
			"user_id", userID,
			"amount", amount,
		)
		return tx, nil
	}

	if errors.Is(err, ErrInsufficientQuota) {
		telemetry.QuotaOps.WithLabelValues("insufficient").Inc()
		return nil, fmt.Errorf("reserve quota for task %s: %w", taskID, ErrInsufficientQuota)
	}

	if errors.Is(err, ErrDuplicateTask) {
		existing, getErr := s.store.GetByTaskID(ctx, taskID)
		if getErr != nil {
			return nil, fmt.Errorf("load existing reservation for task %s: %w", taskID, getErr)
		}
		if existing.Phase != domain.QuotaReserved {
			return nil, fmt.Errorf("task %s already finalized as %s: %w",
				taskID, existing.Phase, ErrInvariantViolation)
		}
		return existing, nil
	}

	return nil, fmt.Errorf("reserve quota for task %s: %w", taskID, err)
}

// Confirm переводит резерв в CONFIRMED (списание становится окончательным).
//
// Повторный Confirm — идемпотентный no-op. Confirm без резерва или
// после Cancel — ErrInvariantViolation.
func (s *Saga) Confirm(ctx context.Context, taskID uuid.UUID) error {
	return s.finalize(ctx, taskID, domain.QuotaConfirmed, false)
}

// Cancel переводит резерв в CANCELLED и возвращает сумму на баланс.
//
// Повторный Cancel — идемпотентный no-op (возврат выполняется ровно
// один раз). Cancel без резерва или после Confirm — ErrInvariantViolation.
func (s *Saga) Cancel(ctx context.Context, taskID uuid.UUID) error {
	return s.finalize(ctx, taskID, domain.QuotaCancelled, true)
}

func (s *Saga) finalize(ctx context.Context, taskID uuid.UUID, target domain.QuotaPhase, refund bool) error {
	op := "confirm"
	if target == domain.QuotaCancelled {
		op = "cancel"
	}

	tx, err := s.store.GetByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			s.logger.Error("quota finalize without reservation",
				"task_id", taskID,
				"op", op,
			)
			return fmt.Errorf("%s quota for task %s without reservation: %w",
				op, taskID, ErrInvariantViolation)
		}
		return fmt.Errorf("load reservation for task %s: %w", taskID, err)
	}

	if tx.Phase == target {
		// Повтор того же финала — допустимый replay.
		if !tx.IdempotentDone {
			if err := s.store.MarkIdempotentDone(ctx, taskID); err != nil {
				s.logger.Warn("mark idempotent replay failed", "task_id", taskID, "error", err)
			}
		}
		s.logger.Debug("quota finalize replay", "task_id", taskID, "op", op)
		return nil
	}

	if !tx.Phase.CanTransitionTo(target) {
		s.logger.Error("quota phase conflict",
			"task_id", taskID,
			"phase", tx.Phase,
			"target", target,
		)
		return fmt.Errorf("%s quota for task %s in phase %s: %w",
			op, taskID, tx.Phase, ErrInvariantViolation)
	}

	moved, err := s.store.Finalize(ctx, taskID, target, refund)
	if err != nil {
		return fmt.Errorf("%s quota for task %s: %w", op, taskID, err)
	}
	if !moved {
		// Конкурентный финал успел раньше: перечитываем и решаем.
		current, getErr := s.store.GetByTaskID(ctx, taskID)
		if getErr != nil {
			return fmt.Errorf("reload reservation for task %s: %w", taskID, getErr)
		}
		if current.Phase == target {
			return nil
		}
		return fmt.Errorf("%s quota for task %s lost race to %s: %w",
			op, taskID, current.Phase, ErrInvariantViolation)
	}

	telemetry.QuotaOps.WithLabelValues(op).Inc()
	s.logger.Info("quota finalized",
		"task_id", taskID,
		"phase", target,
		"refund", refund,
	)
	return nil
}
