package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
)

// TaskStore — хранилище tasks.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	ListPending(ctx context.Context, limit int) ([]domain.Task, error)
}

// StepStore — хранилище steps.
type StepStore interface {
	Create(ctx context.Context, step *domain.Step) error
	Update(ctx context.Context, step *domain.Step) error
}

// SchemaStore — хранилище pipeline-схем.
type SchemaStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineSchema, error)
}

// QuotaSaga — квотная сага. Реализуется *quota.Saga.
type QuotaSaga interface {
	Reserve(ctx context.Context, taskID, userID uuid.UUID, amount int64) (*domain.QuotaTransaction, error)
	Confirm(ctx context.Context, taskID uuid.UUID) error
	Cancel(ctx context.Context, taskID uuid.UUID) error
}

// StepRunner — исполнитель одного шага. Реализуется *executor.Executor.
type StepRunner interface {
	Run(ctx context.Context, step *domain.Step, node *domain.NodeDef, input map[string]any) (map[string]any, error)
}

// EventPublisher — публикация событий терминальных статусов.
// Реализуется *mq.Publisher.
type EventPublisher interface {
	PublishTaskFinished(ctx context.Context, payload mq.TaskFinishedPayload) error
}

// Orchestrator управляет выполнением tasks.
//
// Orchestrator — центральный компонент движка, который:
//   - Получает новые tasks из очереди tasks.pending (event-driven)
//   - Периодически проверяет pending tasks в БД (polling fallback)
//   - Резервирует квоту и компилирует схему в план
//   - Ведёт task по сегментам плана (FORK-блоки — через branch.go)
//   - Финализирует task и сагу, публикует tasks.finished
type Orchestrator struct {
	// Stores
	tasks   TaskStore
	steps   StepStore
	schemas SchemaStore

	// Collaborators
	saga   QuotaSaga
	runner StepRunner

	// MQ (nil — работаем только через polling)
	publisher EventPublisher
	conn      *mq.Connection

	// Active tasks — tasks в процессе выполнения (taskID → state)
	activeTasks map[uuid.UUID]*TaskState
	mu          sync.RWMutex

	// Consumers
	pendingConsumer *mq.Consumer
	cancelConsumer  *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Stores
	Tasks   TaskStore
	Steps   StepStore
	Schemas SchemaStore

	// Collaborators
	Saga   QuotaSaga
	Runner StepRunner

	// MQ (опционально: без соединения движок живёт на polling)
	Publisher EventPublisher
	Conn      *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество tasks за один poll (default: 100)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		tasks:        cfg.Tasks,
		steps:        cfg.Steps,
		schemas:      cfg.Schemas,
		saga:         cfg.Saga,
		runner:       cfg.Runner,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		activeTasks:  make(map[uuid.UUID]*TaskState),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для tasks.pending (если есть MQ соединение)
//   - Consumer для tasks.cancel
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"mq", o.conn != nil,
	)

	if o.conn != nil {
		o.pendingConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueTasksPending),
			Handler:  o.handleTaskPending,
			Prefetch: 10,
		})

		o.cancelConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueTasksCancel),
			Handler:  o.handleTaskCancel,
			Prefetch: 10,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.pendingConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("pending consumer error", "error", err)
			}
		}()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.cancelConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("cancel consumer error", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.pendingConsumer != nil {
		o.pendingConsumer.Stop()
	}
	if o.cancelConsumer != nil {
		o.cancelConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_tasks", len(o.activeTasks),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// handleTaskPending — обработчик сообщений tasks.pending.
func (o *Orchestrator) handleTaskPending(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskPendingPayload](&d.Message)
	if err != nil {
		o.logger.Error("bad task.pending payload", "error", err)
		// Битое сообщение переобработке не подлежит.
		return nil
	}

	if err := o.processTask(ctx, payload.TaskID); err != nil {
		return err
	}
	return nil
}

// handleTaskCancel — обработчик сообщений tasks.cancel.
func (o *Orchestrator) handleTaskCancel(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskCancelPayload](&d.Message)
	if err != nil {
		o.logger.Error("bad task.cancel payload", "error", err)
		return nil
	}

	return o.CancelTask(ctx, payload.TaskID, payload.Reason)
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем tasks, созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	tasks, err := o.tasks.ListPending(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending tasks", "error", err)
		return
	}

	if len(tasks) == 0 {
		return
	}

	o.logger.Debug("poll found pending tasks", "count", len(tasks))

	for i := range tasks {
		task := &tasks[i]

		if o.isTaskActive(task.ID) {
			continue
		}

		if err := o.processTask(ctx, task.ID); err != nil {
			o.logger.Error("failed to process task from poll",
				"task_id", task.ID,
				"error", err,
			)
		}
	}
}

// isTaskActive проверяет, находится ли task в обработке.
func (o *Orchestrator) isTaskActive(taskID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeTasks[taskID]
	return exists
}

// getActiveTask возвращает активный TaskState.
func (o *Orchestrator) getActiveTask(taskID uuid.UUID) *TaskState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeTasks[taskID]
}

// addActiveTask добавляет task в активные.
func (o *Orchestrator) addActiveTask(state *TaskState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeTasks[state.TaskID()]; exists {
		return ErrTaskAlreadyActive
	}

	o.activeTasks[state.TaskID()] = state
	return nil
}

// removeActiveTask удаляет task из активных.
func (o *Orchestrator) removeActiveTask(taskID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeTasks, taskID)
}

// ActiveTasksCount возвращает количество активных tasks.
func (o *Orchestrator) ActiveTasksCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeTasks)
}

// GetActiveTaskStats возвращает статистику по активному task.
func (o *Orchestrator) GetActiveTaskStats(taskID uuid.UUID) (TaskStats, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	state, exists := o.activeTasks[taskID]
	if !exists {
		return TaskStats{}, false
	}

	return state.Stats(), true
}
