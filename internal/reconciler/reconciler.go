package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

// Defaults.
const (
	defaultSchedule     = "@every 1m"
	defaultStaleAfter   = 30 * time.Minute
	defaultPendingAfter = time.Minute
	defaultBatchSize    = 100

	// reconcilerLockKey — ключ advisory lock лидера.
	// Один sweep на кластер, сколько бы реплик ни крутилось.
	reconcilerLockKey = int64(0x61697967_77726563)
)

// TaskStore — доступ к tasks для сверки.
type TaskStore interface {
	ListStaleRunning(ctx context.Context, deadline time.Time, limit int) ([]domain.Task, error)
	ListPending(ctx context.Context, limit int) ([]domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
}

// QuotaSaga — отмена квоты зависших tasks.
type QuotaSaga interface {
	Cancel(ctx context.Context, taskID uuid.UUID) error
}

// EventPublisher — публикация событий движку и внешним системам.
type EventPublisher interface {
	PublishTaskPending(ctx context.Context, taskID uuid.UUID) error
	PublishTaskFinished(ctx context.Context, payload mq.TaskFinishedPayload) error
}

// Reconciler добивает зависшие tasks и реанимирует осиротевшие.
//
// Движок может умереть посреди task: статус остаётся RUNNING, резерв
// квоты висит, пользователь ждёт. Reconciler периодически:
//   - фейлит RUNNING tasks старше stale-дедлайна и возвращает их квоту
//     (cancel саги идемпотентен — гонка с ожившим движком безопасна);
//   - переотправляет в tasks.pending PENDING tasks, которые никто
//     не подхватил.
//
// В кластере из нескольких реплик sweep выполняет только лидер,
// выбранный через pg_try_advisory_lock.
type Reconciler struct {
	pool      *pgxpool.Pool
	tasks     TaskStore
	saga      QuotaSaga
	publisher EventPublisher

	schedule     string
	staleAfter   time.Duration
	pendingAfter time.Duration
	batchSize    int

	cron    *cron.Cron
	hasLock bool
	logger  *slog.Logger

	// now подменяется в тестах.
	now func() time.Time
}

// Config — конфигурация Reconciler.
type Config struct {
	// Pool — для advisory lock; nil допустим (реплика всегда лидер).
	Pool *pgxpool.Pool

	Tasks     TaskStore
	Saga      QuotaSaga
	Publisher EventPublisher

	// Schedule — cron-выражение sweep'а (default: "@every 1m").
	Schedule string

	// StaleAfter — возраст RUNNING task до признания зависшим (default: 30m).
	StaleAfter time.Duration

	// PendingAfter — возраст PENDING task до переотправки (default: 1m).
	PendingAfter time.Duration

	// BatchSize — количество tasks за один sweep (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// New создаёт Reconciler.
func New(cfg Config) *Reconciler {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	pendingAfter := cfg.PendingAfter
	if pendingAfter <= 0 {
		pendingAfter = defaultPendingAfter
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		pool:         cfg.Pool,
		tasks:        cfg.Tasks,
		saga:         cfg.Saga,
		publisher:    cfg.Publisher,
		schedule:     schedule,
		staleAfter:   staleAfter,
		pendingAfter: pendingAfter,
		batchSize:    batchSize,
		logger:       logger,
		now:          time.Now,
	}
}

// Start запускает периодический sweep по cron-расписанию.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()

	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconciler sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reconciler started",
		"schedule", r.schedule,
		"stale_after", r.staleAfter,
	)
	return nil
}

// Stop останавливает sweep и отпускает лидерство.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}

	if r.hasLock && r.pool != nil {
		_, _ = r.pool.Exec(context.Background(), "select pg_advisory_unlock($1)", reconcilerLockKey)
		r.hasLock = false
	}

	r.logger.Info("reconciler stopped")
}

// RunOnce выполняет один sweep, если реплика — лидер.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.acquireLeadership(ctx) {
		r.logger.Debug("not the leader, skipping sweep")
		return nil
	}
	return r.Sweep(ctx)
}

// acquireLeadership пытается стать (или остаться) лидером.
func (r *Reconciler) acquireLeadership(ctx context.Context) bool {
	if r.pool == nil || r.hasLock {
		return true
	}

	var ok bool
	if err := r.pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", reconcilerLockKey).Scan(&ok); err != nil {
		r.logger.Error("advisory lock failed", "error", err)
		return false
	}
	r.hasLock = ok
	return ok
}

// Sweep выполняет один проход сверки.
// Ошибки одного task не блокируют обработку остальных.
func (r *Reconciler) Sweep(ctx context.Context) error {
	stale, err := r.sweepStale(ctx)
	if err != nil {
		return err
	}

	requeued, err := r.requeuePending(ctx)
	if err != nil {
		return err
	}

	if stale > 0 || requeued > 0 {
		r.logger.Info("sweep completed",
			"stale_failed", stale,
			"pending_requeued", requeued,
		)
	}
	return nil
}

// sweepStale фейлит RUNNING tasks старше дедлайна и возвращает квоту.
func (r *Reconciler) sweepStale(ctx context.Context) (int, error) {
	deadline := r.now().Add(-r.staleAfter)

	tasks, err := r.tasks.ListStaleRunning(ctx, deadline, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	failed := 0
	for i := range tasks {
		task := &tasks[i]

		task.MarkFailed("task stalled")
		if err := r.tasks.Update(ctx, task); err != nil {
			r.logger.Error("failed to fail stale task", "task_id", task.ID, "error", err)
			continue
		}

		// Cancel идемпотентен: если движок успел финализировать сам,
		// повтор — no-op, двойного возврата не будет.
		if err := r.saga.Cancel(ctx, task.ID); err != nil {
			r.logger.Error("failed to cancel quota for stale task",
				"task_id", task.ID,
				"error", err,
			)
		}

		telemetry.TasksTotal.WithLabelValues(string(task.Status)).Inc()
		r.publishFinished(ctx, task)

		r.logger.Warn("stale task failed",
			"task_id", task.ID,
			"started_at", task.StartedAt,
		)
		failed++
	}
	return failed, nil
}

// requeuePending переотправляет осиротевшие PENDING tasks.
func (r *Reconciler) requeuePending(ctx context.Context) (int, error) {
	if r.publisher == nil {
		return 0, nil
	}

	tasks, err := r.tasks.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	cutoff := r.now().Add(-r.pendingAfter)
	requeued := 0
	for i := range tasks {
		task := &tasks[i]
		if task.CreatedAt.After(cutoff) {
			// Свежий task — движок ещё может подхватить его сам.
			continue
		}

		if err := r.publisher.PublishTaskPending(ctx, task.ID); err != nil {
			r.logger.Warn("failed to requeue pending task",
				"task_id", task.ID,
				"error", err,
			)
			continue
		}
		requeued++
	}
	return requeued, nil
}

func (r *Reconciler) publishFinished(ctx context.Context, task *domain.Task) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.PublishTaskFinished(ctx, mq.TaskFinishedPayload{
		TaskID: task.ID,
		Status: string(task.Status),
		Error:  task.Error,
	})
	if err != nil {
		r.logger.Warn("failed to publish task.finished", "task_id", task.ID, "error", err)
	}
}
