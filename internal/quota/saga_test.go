package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// memStore — in-memory реализация Store с балансами пользователей.
type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	txs      map[uuid.UUID]*domain.QuotaTransaction // по task_id
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[uuid.UUID]int64),
		txs:      make(map[uuid.UUID]*domain.QuotaTransaction),
	}
}

func (s *memStore) Reserve(_ context.Context, tx *domain.QuotaTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.TaskID]; exists {
		return ErrDuplicateTask
	}
	if s.balances[tx.UserID] < tx.Amount {
		return ErrInsufficientQuota
	}
	s.balances[tx.UserID] -= tx.Amount
	cp := *tx
	s.txs[tx.TaskID] = &cp
	return nil
}

func (s *memStore) GetByTaskID(_ context.Context, taskID uuid.UUID) (*domain.QuotaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[taskID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *memStore) Finalize(_ context.Context, taskID uuid.UUID, phase domain.QuotaPhase, refund bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[taskID]
	if !ok || tx.Phase != domain.QuotaReserved {
		return false, nil
	}
	tx.Phase = phase
	tx.UpdatedAt = time.Now()
	if refund {
		s.balances[tx.UserID] += tx.Amount
	}
	return true, nil
}

func (s *memStore) MarkIdempotentDone(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.txs[taskID]; ok {
		tx.IdempotentDone = true
	}
	return nil
}

func (s *memStore) balance(userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func newTestSaga(balance int64) (*Saga, *memStore, uuid.UUID) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = balance
	return NewSaga(SagaConfig{Store: store}), store, userID
}

func TestSagaReserveDecrementsBalance(t *testing.T) {
	saga, store, userID := newTestSaga(10)
	taskID := uuid.New()

	tx, err := saga.Reserve(context.Background(), taskID, userID, 3)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if tx.Phase != domain.QuotaReserved {
		t.Errorf("ожидалась фаза RESERVED, получена %s", tx.Phase)
	}
	if got := store.balance(userID); got != 7 {
		t.Errorf("ожидался баланс 7, получен %d", got)
	}
}

func TestSagaReserveInsufficientQuota(t *testing.T) {
	saga, store, userID := newTestSaga(2)
	taskID := uuid.New()

	_, err := saga.Reserve(context.Background(), taskID, userID, 3)
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("ожидался ErrInsufficientQuota, получено %v", err)
	}
	// Баланс не тронут.
	if got := store.balance(userID); got != 2 {
		t.Errorf("баланс изменился при отказе: %d", got)
	}
}

func TestSagaReserveIdempotent(t *testing.T) {
	saga, store, userID := newTestSaga(10)
	taskID := uuid.New()
	ctx := context.Background()

	first, err := saga.Reserve(ctx, taskID, userID, 3)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	second, err := saga.Reserve(ctx, taskID, userID, 3)
	if err != nil {
		t.Fatalf("повторный Reserve должен вернуть существующий резерв: %v", err)
	}
	if second.ID != first.ID {
		t.Error("повторный Reserve вернул другую транзакцию")
	}
	// Списание ровно одно.
	if got := store.balance(userID); got != 7 {
		t.Errorf("ожидался баланс 7, получен %d", got)
	}
}

func TestSagaConfirm(t *testing.T) {
	saga, store, userID := newTestSaga(10)
	taskID := uuid.New()
	ctx := context.Background()

	if _, err := saga.Reserve(ctx, taskID, userID, 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := saga.Confirm(ctx, taskID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	tx, _ := store.GetByTaskID(ctx, taskID)
	if tx.Phase != domain.QuotaConfirmed {
		t.Errorf("ожидалась фаза CONFIRMED, получена %s", tx.Phase)
	}
	// Подтверждение не возвращает баланс.
	if got := store.balance(userID); got != 7 {
		t.Errorf("ожидался баланс 7, получен %d", got)
	}

	// Повторный confirm — no-op.
	if err := saga.Confirm(ctx, taskID); err != nil {
		t.Fatalf("повторный confirm должен быть no-op: %v", err)
	}
}

func TestSagaCancelRefundsOnce(t *testing.T) {
	saga, store, userID := newTestSaga(10)
	taskID := uuid.New()
	ctx := context.Background()

	if _, err := saga.Reserve(ctx, taskID, userID, 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := saga.Cancel(ctx, taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := store.balance(userID); got != 10 {
		t.Errorf("ожидался полный возврат до 10, получен %d", got)
	}

	// Повторный cancel — no-op, без второго возврата.
	if err := saga.Cancel(ctx, taskID); err != nil {
		t.Fatalf("повторный cancel должен быть no-op: %v", err)
	}
	if got := store.balance(userID); got != 10 {
		t.Errorf("двойной возврат: баланс %d", got)
	}
}

func TestSagaConfirmWithoutReservation(t *testing.T) {
	saga, _, _ := newTestSaga(10)

	err := saga.Confirm(context.Background(), uuid.New())
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("ожидался ErrInvariantViolation, получено %v", err)
	}
}

func TestSagaMixedFinalsConflict(t *testing.T) {
	saga, _, userID := newTestSaga(10)
	ctx := context.Background()

	// Cancel после Confirm.
	taskA := uuid.New()
	if _, err := saga.Reserve(ctx, taskA, userID, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := saga.Confirm(ctx, taskA); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := saga.Cancel(ctx, taskA); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("cancel после confirm: ожидался ErrInvariantViolation, получено %v", err)
	}

	// Confirm после Cancel.
	taskB := uuid.New()
	if _, err := saga.Reserve(ctx, taskB, userID, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := saga.Cancel(ctx, taskB); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := saga.Confirm(ctx, taskB); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("confirm после cancel: ожидался ErrInvariantViolation, получено %v", err)
	}
}

func TestSagaConcurrentFinalize(t *testing.T) {
	saga, store, userID := newTestSaga(10)
	taskID := uuid.New()
	ctx := context.Background()

	if _, err := saga.Reserve(ctx, taskID, userID, 3); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = saga.Cancel(ctx, taskID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("конкурентный cancel %d: %v", i, err)
		}
	}
	if got := store.balance(userID); got != 10 {
		t.Errorf("возврат выполнен не ровно один раз: баланс %d", got)
	}
}
