package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
)

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task

	listStaleErr error
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *memTaskStore) add(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *memTaskStore) get(id uuid.UUID) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memTaskStore) ListStaleRunning(_ context.Context, deadline time.Time, limit int) ([]domain.Task, error) {
	if s.listStaleErr != nil {
		return nil, s.listStaleErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, task := range s.tasks {
		if len(out) >= limit {
			break
		}
		if task.Status != domain.TaskStatusRunning {
			continue
		}
		if task.StartedAt != nil && task.StartedAt.Before(deadline) {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListPending(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, task := range s.tasks {
		if len(out) >= limit {
			break
		}
		if task.Status == domain.TaskStatusPending {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (s *memTaskStore) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

type fakeSaga struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]int
	err     error
}

func newFakeSaga() *fakeSaga {
	return &fakeSaga{cancels: make(map[uuid.UUID]int)}
}

func (s *fakeSaga) Cancel(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[taskID]++
	return s.err
}

type fakePublisher struct {
	mu         sync.Mutex
	pending    []uuid.UUID
	finished   []mq.TaskFinishedPayload
	pendingErr error
}

func (p *fakePublisher) PublishTaskPending(_ context.Context, taskID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingErr != nil {
		return p.pendingErr
	}
	p.pending = append(p.pending, taskID)
	return nil
}

func (p *fakePublisher) PublishTaskFinished(_ context.Context, payload mq.TaskFinishedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, payload)
	return nil
}

func testReconciler(tasks *memTaskStore, saga *fakeSaga, pub *fakePublisher) *Reconciler {
	r := New(Config{
		Tasks:        tasks,
		Saga:         saga,
		Publisher:    pub,
		StaleAfter:   30 * time.Minute,
		PendingAfter: time.Minute,
	})
	return r
}

func runningTask(startedAgo time.Duration) *domain.Task {
	started := time.Now().Add(-startedAgo)
	return &domain.Task{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Status:    domain.TaskStatusRunning,
		StartedAt: &started,
		CreatedAt: started,
	}
}

func pendingTask(createdAgo time.Duration) *domain.Task {
	return &domain.Task{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now().Add(-createdAgo),
	}
}

func TestSweepFailsStaleRunning(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	pub := &fakePublisher{}
	r := testReconciler(tasks, saga, pub)

	stale := runningTask(time.Hour)
	fresh := runningTask(time.Minute)
	tasks.add(stale)
	tasks.add(fresh)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка sweep: %v", err)
	}

	got := tasks.get(stale.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Errorf("зависший task должен стать FAILED, получили %s", got.Status)
	}
	if got.Error != "task stalled" {
		t.Errorf("неожиданный текст ошибки: %q", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at не выставлен")
	}
	if saga.cancels[stale.ID] != 1 {
		t.Errorf("квота зависшего task должна быть отменена один раз, получили %d", saga.cancels[stale.ID])
	}

	if tasks.get(fresh.ID).Status != domain.TaskStatusRunning {
		t.Error("свежий RUNNING task не должен быть тронут")
	}
	if saga.cancels[fresh.ID] != 0 {
		t.Error("квота свежего task не должна отменяться")
	}
}

func TestSweepPublishesFinishedForStale(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	pub := &fakePublisher{}
	r := testReconciler(tasks, saga, pub)

	stale := runningTask(time.Hour)
	tasks.add(stale)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка sweep: %v", err)
	}

	if len(pub.finished) != 1 {
		t.Fatalf("ожидали 1 событие task.finished, получили %d", len(pub.finished))
	}
	if pub.finished[0].TaskID != stale.ID {
		t.Errorf("событие про чужой task: %s", pub.finished[0].TaskID)
	}
	if pub.finished[0].Status != string(domain.TaskStatusFailed) {
		t.Errorf("неожиданный статус в событии: %s", pub.finished[0].Status)
	}
}

func TestSweepSagaErrorDoesNotBlockBatch(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	saga.err = errors.New("quota store down")
	pub := &fakePublisher{}
	r := testReconciler(tasks, saga, pub)

	first := runningTask(time.Hour)
	second := runningTask(2 * time.Hour)
	tasks.add(first)
	tasks.add(second)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("ошибка саги не должна ронять sweep: %v", err)
	}

	if tasks.get(first.ID).Status != domain.TaskStatusFailed {
		t.Error("первый task должен быть FAILED несмотря на ошибку саги")
	}
	if tasks.get(second.ID).Status != domain.TaskStatusFailed {
		t.Error("второй task должен быть FAILED несмотря на ошибку саги")
	}
}

func TestSweepRequeuesOrphanedPending(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	pub := &fakePublisher{}
	r := testReconciler(tasks, saga, pub)

	orphan := pendingTask(10 * time.Minute)
	fresh := pendingTask(10 * time.Second)
	tasks.add(orphan)
	tasks.add(fresh)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка sweep: %v", err)
	}

	if len(pub.pending) != 1 {
		t.Fatalf("ожидали 1 переотправку, получили %d", len(pub.pending))
	}
	if pub.pending[0] != orphan.ID {
		t.Errorf("переотправлен не тот task: %s", pub.pending[0])
	}

	// Статус не меняется: task остаётся PENDING до подхвата движком.
	if tasks.get(orphan.ID).Status != domain.TaskStatusPending {
		t.Error("переотправленный task должен остаться PENDING")
	}
}

func TestSweepPublishErrorDoesNotBlockBatch(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	pub := &fakePublisher{pendingErr: errors.New("mq down")}
	r := testReconciler(tasks, saga, pub)

	tasks.add(pendingTask(10 * time.Minute))

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("ошибка публикации не должна ронять sweep: %v", err)
	}
}

func TestSweepListErrorPropagates(t *testing.T) {
	tasks := newMemTaskStore()
	tasks.listStaleErr = errors.New("db down")
	r := testReconciler(tasks, newFakeSaga(), &fakePublisher{})

	if err := r.Sweep(context.Background()); err == nil {
		t.Fatal("ошибка чтения БД должна возвращаться из sweep")
	}
}

func TestRunOnceWithoutPoolIsLeader(t *testing.T) {
	tasks := newMemTaskStore()
	saga := newFakeSaga()
	pub := &fakePublisher{}
	r := testReconciler(tasks, saga, pub)

	stale := runningTask(time.Hour)
	tasks.add(stale)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка RunOnce: %v", err)
	}
	if tasks.get(stale.ID).Status != domain.TaskStatusFailed {
		t.Error("без пула реплика считается лидером и должна выполнить sweep")
	}
}
