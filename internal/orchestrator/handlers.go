package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/engine"
	"github.com/lpding888/aiygw4.0-sub012/internal/mq"
	"github.com/lpding888/aiygw4.0-sub012/internal/quota"
	"github.com/lpding888/aiygw4.0-sub012/internal/telemetry"
)

// processTask выполняет один task от PENDING до терминального статуса.
//
// Последовательность:
//  1. Загрузка task и схемы, проверка исполнимости, компиляция плана.
//  2. Резерв квоты. Нехватка — task сразу FAILED (quota_exhausted),
//     ни один step не создаётся.
//  3. PENDING → RUNNING, проход по сегментам плана.
//  4. Терминал: COMPLETED + confirm саги, либо FAILED/CANCELLED +
//     cancel саги. Событие tasks.finished публикуется в конце.
func (o *Orchestrator) processTask(ctx context.Context, taskID uuid.UUID) error {
	logger := telemetry.WithTaskID(o.logger, taskID.String())

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.Status != domain.TaskStatusPending {
		// Уже подхвачен другим путём (event + poll гонка) или завершён.
		logger.Debug("skipping task in status", "status", task.Status)
		return nil
	}

	schema, err := o.schemas.GetByID(ctx, task.SchemaID)
	if err != nil {
		return fmt.Errorf("load schema %s: %w", task.SchemaID, err)
	}

	if err := engine.EnsureExecutable(schema); err != nil {
		return o.failBeforeStart(ctx, task, fmt.Sprintf("schema is not executable: %v", err))
	}

	plan, err := engine.Compile(schema)
	if err != nil {
		return o.failBeforeStart(ctx, task, fmt.Sprintf("schema compilation failed: %v", err))
	}

	// Резерв квоты. PENDING → RUNNING происходит только после успеха.
	if _, err := o.saga.Reserve(ctx, task.ID, task.UserID, task.QuotaCost); err != nil {
		if errors.Is(err, quota.ErrInsufficientQuota) {
			return o.failBeforeStart(ctx, task, "quota_exhausted")
		}
		return fmt.Errorf("reserve quota for task %s: %w", task.ID, err)
	}

	task.MarkRunning()
	if err := o.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	state := newTaskState(task, plan)
	if err := o.addActiveTask(state); err != nil {
		return err
	}
	defer o.removeActiveTask(task.ID)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state.setCancelFunc(cancel)

	logger.Info("task started", "segments", len(plan.Segments))

	walkErr := o.walkPlan(taskCtx, state)
	return o.finalize(ctx, state, walkErr)
}

// walkPlan идёт по сегментам главной ветки.
//
// Выход шага становится входом следующего. Первый упавший сегмент
// прерывает проход; оставшиеся узлы создаются сразу в SKIPPED.
func (o *Orchestrator) walkPlan(ctx context.Context, state *TaskState) error {
	payload := state.task.Input
	mainIndex := 0

	for i, seg := range state.plan.Segments {
		if state.IsCancelled() || ctx.Err() != nil {
			o.skipRemaining(ctx, state, state.plan.Segments[i:], mainIndex)
			return context.Canceled
		}

		var (
			output map[string]any
			err    error
		)
		if seg.Node != nil {
			output, err = o.runNode(ctx, state, seg.Node, mainIndex)
			mainIndex++
		} else {
			output, err = o.runFork(ctx, state, seg.Fork, mainIndex, payload)
			mainIndex += 2 // fork + join steps на главной ветке
		}

		if err != nil {
			if state.IsCancelled() || errors.Is(err, context.Canceled) {
				o.skipRemaining(ctx, state, state.plan.Segments[i+1:], mainIndex)
				return context.Canceled
			}
			o.skipRemaining(ctx, state, state.plan.Segments[i+1:], mainIndex)
			return err
		}

		payload = output
	}

	return nil
}

// runNode выполняет обычный узел на главной ветке.
func (o *Orchestrator) runNode(ctx context.Context, state *TaskState, node *domain.NodeDef, index int) (map[string]any, error) {
	input := state.task.Input
	if index > 0 {
		if prev := state.Step(domain.BranchMain, index-1); prev != nil && prev.Output != nil {
			input = prev.Output
		}
	}

	step, err := state.NewStep(domain.BranchMain, index, node, nil)
	if err != nil {
		return nil, err
	}
	step.Input = input
	if err := o.steps.Create(ctx, step); err != nil {
		return nil, fmt.Errorf("create step %s: %w", step.ID, err)
	}

	step.MarkRunning()
	if err := o.steps.Update(ctx, step); err != nil {
		return nil, fmt.Errorf("mark step running: %w", err)
	}

	output, runErr := o.runner.Run(ctx, step, node, input)
	if runErr != nil {
		step.MarkFailed(runErr.Error())
		o.persistStep(context.WithoutCancel(ctx), state, step)
		return nil, fmt.Errorf("node %s: %w", node.ID, runErr)
	}

	step.MarkSucceeded(output)
	o.persistStep(ctx, state, step)
	return output, nil
}

// skipRemaining создаёт SKIPPED-записи для непройденных сегментов.
// Audit trail: по step-записям виден полный маршрут, включая то,
// что не выполнялось.
func (o *Orchestrator) skipRemaining(ctx context.Context, state *TaskState, segments []engine.Segment, mainIndex int) {
	ctx = context.WithoutCancel(ctx)
	for _, seg := range segments {
		switch {
		case seg.Node != nil:
			o.createSkipped(ctx, state, domain.BranchMain, mainIndex, seg.Node, nil)
			mainIndex++
		case seg.Fork != nil:
			o.createSkipped(ctx, state, domain.BranchMain, mainIndex, seg.Fork.ForkNode, nil)
			o.createSkipped(ctx, state, domain.BranchMain, mainIndex+1, seg.Fork.JoinNode, nil)
			mainIndex += 2
		}
	}
}

// createSkipped создаёт step сразу в статусе SKIPPED.
func (o *Orchestrator) createSkipped(ctx context.Context, state *TaskState, branchID string, index int, node *domain.NodeDef, parent *uuid.UUID) {
	step, err := state.NewStep(branchID, index, node, parent)
	if err != nil {
		// Позиция уже занята — шаг успел выполниться до отмены.
		return
	}
	step.MarkSkipped()
	if err := o.steps.Create(ctx, step); err != nil {
		o.logger.Warn("persist skipped step failed", "step_id", step.ID, "error", err)
	}
}

// persistStep сохраняет терминальный статус step и метрику длительности.
func (o *Orchestrator) persistStep(ctx context.Context, state *TaskState, step *domain.Step) {
	if err := o.steps.Update(ctx, step); err != nil {
		o.logger.Warn("persist step failed",
			"task_id", state.TaskID(),
			"step_id", step.ID,
			"error", err,
		)
	}
	if step.StartedAt != nil && step.FinishedAt != nil {
		telemetry.StepDuration.
			WithLabelValues(step.NodeType, string(step.Status)).
			Observe(step.FinishedAt.Sub(*step.StartedAt).Seconds())
	}
}

// failBeforeStart финализирует task, не вошедший в RUNNING.
// Квота не резервировалась, саге здесь делать нечего.
func (o *Orchestrator) failBeforeStart(ctx context.Context, task *domain.Task, reason string) error {
	task.MarkFailed(reason)
	if err := o.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("persist failed task: %w", err)
	}

	telemetry.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	o.logger.Warn("task failed before start",
		"task_id", task.ID,
		"reason", reason,
	)
	o.publishFinished(ctx, task)
	return nil
}

// finalize переводит task в терминальный статус и закрывает сагу.
func (o *Orchestrator) finalize(ctx context.Context, state *TaskState, walkErr error) error {
	task := state.task
	logger := telemetry.WithTaskID(o.logger, task.ID.String())

	var sagaErr error
	switch {
	case state.IsCancelled() || errors.Is(walkErr, context.Canceled):
		task.MarkCancelled()
		sagaErr = o.saga.Cancel(ctx, task.ID)
		logger.Info("task cancelled", "reason", state.CancelReason())

	case walkErr != nil:
		task.MarkFailed(walkErr.Error())
		sagaErr = o.saga.Cancel(ctx, task.ID)
		logger.Warn("task failed", "error", walkErr)

	default:
		task.MarkCompleted(state.Artifacts())
		sagaErr = o.saga.Confirm(ctx, task.ID)
		logger.Info("task completed",
			"duration", task.Duration(),
			"artifacts", len(task.Artifacts),
		)
	}

	if err := o.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("persist terminal task %s: %w", task.ID, err)
	}

	telemetry.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	o.publishFinished(ctx, task)

	if sagaErr != nil {
		// Нарушение саги — дефект, он не должен тонуть в логах.
		logger.Error("quota saga finalize failed", "error", sagaErr)
		return sagaErr
	}
	return nil
}

// publishFinished публикует событие терминального статуса.
func (o *Orchestrator) publishFinished(ctx context.Context, task *domain.Task) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.PublishTaskFinished(ctx, mq.TaskFinishedPayload{
		TaskID: task.ID,
		Status: string(task.Status),
		Error:  task.Error,
	})
	if err != nil {
		// Не фатально: статус в БД — источник истины.
		o.logger.Warn("failed to publish task.finished",
			"task_id", task.ID,
			"error", err,
		)
	}
}

// CancelTask отменяет task по внешнему запросу.
//
// Активный task получает сигнал отмены и финализируется своей
// горутиной. Неактивный PENDING task отменяется напрямую (квота ещё
// не резервировалась); RUNNING task без активного состояния означает
// упавший процесс — отменяем в БД и возвращаем квоту.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	if state := o.getActiveTask(taskID); state != nil {
		state.MarkCancelled(reason)
		o.logger.Info("cancel signalled to active task", "task_id", taskID, "reason", reason)
		return nil
	}

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.IsFinished() {
		return nil
	}

	wasRunning := task.Status == domain.TaskStatusRunning
	task.MarkCancelled()
	if err := o.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("persist cancelled task: %w", err)
	}

	if wasRunning {
		// Резерв существует — возвращаем.
		if err := o.saga.Cancel(ctx, taskID); err != nil {
			o.logger.Error("quota cancel failed", "task_id", taskID, "error", err)
			return err
		}
	}

	telemetry.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	o.publishFinished(ctx, task)
	return nil
}
