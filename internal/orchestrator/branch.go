package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/engine"
)

// branchResult — итог выполнения одной ветки.
type branchResult struct {
	branchID string
	output   map[string]any
	err      error
}

// runFork выполняет FORK-блок: параллельные ветки и JOIN-барьер.
//
// На главной ветке создаются два step: FORK (позиция mainIndex) и JOIN
// (mainIndex+1). Ветки выполняются горутинами, по одной на ветку;
// итоги стекаются в барьер через канал. Исход JOIN пишет только эта
// функция — ветки никогда не трогают JOIN-step.
func (o *Orchestrator) runFork(ctx context.Context, state *TaskState, block *engine.ForkBlock, mainIndex int, input map[string]any) (map[string]any, error) {
	forkStep, err := state.NewStep(domain.BranchMain, mainIndex, block.ForkNode, nil)
	if err != nil {
		return nil, err
	}
	forkStep.Input = input
	if err := o.steps.Create(ctx, forkStep); err != nil {
		return nil, fmt.Errorf("create fork step: %w", err)
	}
	forkStep.MarkRunning()
	if err := o.steps.Update(ctx, forkStep); err != nil {
		return nil, fmt.Errorf("mark fork running: %w", err)
	}

	joinStep, err := state.NewStep(domain.BranchMain, mainIndex+1, block.JoinNode, &forkStep.ID)
	if err != nil {
		return nil, err
	}
	if err := o.steps.Create(ctx, joinStep); err != nil {
		return nil, fmt.Errorf("create join step: %w", err)
	}

	forkCtx, forkCancel := context.WithCancel(ctx)
	defer forkCancel()

	results := make(chan branchResult, len(block.Branches))
	for _, branch := range block.Branches {
		go o.runBranch(forkCtx, state, branch, forkStep.ID, input, results)
	}

	joinStep.MarkRunning()
	o.persistStep(ctx, state, joinStep)

	output, joinErr := o.resolveJoin(ctx, state, block, joinStep, forkCancel, results)

	persistCtx := context.WithoutCancel(ctx)
	if joinErr != nil {
		forkStep.MarkFailed(joinErr.Error())
		joinStep.MarkFailed(joinErr.Error())
		o.persistStep(persistCtx, state, forkStep)
		o.persistStep(persistCtx, state, joinStep)
		return nil, joinErr
	}

	forkStep.MarkSucceeded(nil)
	joinStep.MarkSucceeded(output)
	o.persistStep(persistCtx, state, forkStep)
	o.persistStep(persistCtx, state, joinStep)
	return output, nil
}

// resolveJoin держит JOIN-барьер согласно стратегии узла.
func (o *Orchestrator) resolveJoin(ctx context.Context, state *TaskState, block *engine.ForkBlock, joinStep *domain.Step, forkCancel context.CancelFunc, results <-chan branchResult) (map[string]any, error) {
	total := len(block.Branches)
	joinStep.BranchResults = make(map[string]map[string]any)

	switch block.JoinNode.JoinStrategy {
	case domain.JoinAll:
		return o.resolveJoinAll(state, block, joinStep, forkCancel, results, total)
	case domain.JoinAny, domain.JoinFirst:
		return o.resolveJoinAnyFirst(state, block, joinStep, forkCancel, results, total)
	default:
		return nil, fmt.Errorf("join %s: %w", block.JoinNode.ID, engine.ErrInvalidJoinStrategy)
	}
}

// resolveJoinAll ждёт все ветки; любая упавшая роняет JOIN.
//
// При первой неудаче остальные ветки получают сигнал отмены, но барьер
// всё равно дожидается каждую — иначе горутины веток переживут task.
func (o *Orchestrator) resolveJoinAll(state *TaskState, block *engine.ForkBlock, joinStep *domain.Step, forkCancel context.CancelFunc, results <-chan branchResult, total int) (map[string]any, error) {
	var firstFailure error

	for received := 0; received < total; received++ {
		res := <-results
		if res.err != nil {
			if firstFailure == nil {
				firstFailure = fmt.Errorf("branch %s: %w: %w", res.branchID, ErrBranchFailed, res.err)
				forkCancel()
			}
			continue
		}
		joinStep.BranchResults[res.branchID] = res.output
	}

	if firstFailure != nil {
		return nil, firstFailure
	}

	// Выходы веток сливаются в порядке branch_id: детерминированный
	// результат при пересекающихся ключах.
	merged := make(map[string]any)
	for _, branch := range block.Branches {
		for k, v := range joinStep.BranchResults[branch.BranchID] {
			merged[k] = v
		}
	}
	return merged, nil
}

// resolveJoinAnyFirst ждёт первый успех.
//
// ANY берёт первый наблюдаемый успех. FIRST дополнительно выгребает
// успехи, уже стоящие в канале в тот же момент, и выбирает среди них
// лексикографически меньший branch_id — детерминированный победитель
// при одновременном финише. Проигравшие ветки помечаются SKIPPED,
// их результаты отбрасываются.
func (o *Orchestrator) resolveJoinAnyFirst(state *TaskState, block *engine.ForkBlock, joinStep *domain.Step, forkCancel context.CancelFunc, results <-chan branchResult, total int) (map[string]any, error) {
	received := 0
	var winner *branchResult
	var failures []error

	for received < total && winner == nil {
		res := <-results
		received++
		if res.err != nil {
			failures = append(failures, fmt.Errorf("branch %s: %w", res.branchID, res.err))
			continue
		}
		winner = &res

		if block.JoinNode.JoinStrategy == domain.JoinFirst {
			// Одновременно финишировавшие успехи уже лежат в канале.
			draining := true
			for draining && received < total {
				select {
				case extra := <-results:
					received++
					if extra.err == nil && extra.branchID < winner.branchID {
						winner = &extra
					}
				default:
					draining = false
				}
			}
		}
	}

	forkCancel()

	// Дожидаемся оставшихся веток, чтобы не утекли горутины.
	for received < total {
		<-results
		received++
	}

	if winner == nil {
		return nil, fmt.Errorf("join %s: %w: %v", block.JoinNode.ID, ErrAllBranchesFailed, failures)
	}

	joinStep.BranchResults[winner.branchID] = winner.output

	// Результаты проигравших отброшены JOIN'ом — их шаги ретроактивно SKIPPED.
	for _, branch := range block.Branches {
		if branch.BranchID != winner.branchID {
			o.markBranchSkipped(state, branch.BranchID)
		}
	}

	return winner.output, nil
}

// runBranch выполняет узлы одной ветки строго по step_index.
func (o *Orchestrator) runBranch(ctx context.Context, state *TaskState, branch engine.BranchPlan, parentID uuid.UUID, input map[string]any, results chan<- branchResult) {
	payload := input

	for i, node := range branch.Nodes {
		if ctx.Err() != nil {
			o.skipBranchFrom(ctx, state, branch, i, parentID)
			results <- branchResult{branchID: branch.BranchID, err: ctx.Err()}
			return
		}

		step, err := state.NewStep(branch.BranchID, i, node, &parentID)
		if err != nil {
			results <- branchResult{branchID: branch.BranchID, err: err}
			return
		}
		step.Input = payload
		if err := o.steps.Create(ctx, step); err != nil {
			results <- branchResult{branchID: branch.BranchID, err: fmt.Errorf("create step: %w", err)}
			return
		}

		step.MarkRunning()
		o.persistStep(ctx, state, step)

		output, runErr := o.runner.Run(ctx, step, node, payload)
		if runErr != nil {
			step.MarkFailed(runErr.Error())
			o.persistStep(context.WithoutCancel(ctx), state, step)
			o.skipBranchFrom(ctx, state, branch, i+1, parentID)
			results <- branchResult{branchID: branch.BranchID, err: fmt.Errorf("node %s: %w", node.ID, runErr)}
			return
		}

		step.MarkSucceeded(output)
		o.persistStep(ctx, state, step)
		payload = output
	}

	results <- branchResult{branchID: branch.BranchID, output: payload}
}

// skipBranchFrom создаёт SKIPPED-записи для невыполненных узлов ветки.
func (o *Orchestrator) skipBranchFrom(ctx context.Context, state *TaskState, branch engine.BranchPlan, from int, parentID uuid.UUID) {
	persistCtx := context.WithoutCancel(ctx)
	for i := from; i < len(branch.Nodes); i++ {
		o.createSkipped(persistCtx, state, branch.BranchID, i, branch.Nodes[i], &parentID)
	}
}

// markBranchSkipped ретроактивно помечает шаги ветки SKIPPED.
func (o *Orchestrator) markBranchSkipped(state *TaskState, branchID string) {
	for _, step := range state.BranchSteps(branchID) {
		if step.Status == domain.StepStatusSkipped {
			continue
		}
		step.MarkSkipped()
		o.persistStep(context.Background(), state, step)
	}
}
