package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/engine"
	"github.com/lpding888/aiygw4.0-sub012/internal/provider"
	"github.com/lpding888/aiygw4.0-sub012/internal/quota"
)

func compileForTest(schema *domain.PipelineSchema) (*engine.Plan, error) {
	return engine.Compile(schema)
}

// --- In-memory fakes ---

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *memTaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	cp := *task
	return &cp, nil
}

func (s *memTaskStore) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memTaskStore) ListPending(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusPending && len(out) < limit {
			out = append(out, *task)
		}
	}
	return out, nil
}

type memStepStore struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newMemStepStore() *memStepStore {
	return &memStepStore{steps: make(map[uuid.UUID]*domain.Step)}
}

func (s *memStepStore) Create(_ context.Context, step *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *memStepStore) Update(_ context.Context, step *domain.Step) error {
	return s.Create(context.Background(), step)
}

func (s *memStepStore) byPosition(branchID string, index int) *domain.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps {
		if step.BranchID == branchID && step.StepIndex == index {
			return step
		}
	}
	return nil
}

func (s *memStepStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

type memSchemaStore struct {
	schemas map[uuid.UUID]*domain.PipelineSchema
}

func (s *memSchemaStore) GetByID(_ context.Context, id uuid.UUID) (*domain.PipelineSchema, error) {
	schema, ok := s.schemas[id]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", id)
	}
	return schema, nil
}

type fakeSaga struct {
	mu           sync.Mutex
	insufficient bool
	reserves     int
	confirms     map[uuid.UUID]int
	cancels      map[uuid.UUID]int
}

func newFakeSaga() *fakeSaga {
	return &fakeSaga{
		confirms: make(map[uuid.UUID]int),
		cancels:  make(map[uuid.UUID]int),
	}
}

func (s *fakeSaga) Reserve(_ context.Context, taskID, userID uuid.UUID, amount int64) (*domain.QuotaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insufficient {
		return nil, quota.ErrInsufficientQuota
	}
	s.reserves++
	return domain.NewQuotaTransaction(taskID, userID, amount), nil
}

func (s *fakeSaga) Confirm(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms[taskID]++
	return nil
}

func (s *fakeSaga) Cancel(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[taskID]++
	return nil
}

// nodeOutcome — сценарий выполнения одного узла.
type nodeOutcome struct {
	output map[string]any
	err    error
	block  chan struct{} // если задан, узел ждёт закрытия канала
}

type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string]nodeOutcome // node_id → исход
	calls    []string
}

func (r *fakeRunner) Run(ctx context.Context, step *domain.Step, node *domain.NodeDef, _ map[string]any) (map[string]any, error) {
	r.mu.Lock()
	outcome := r.outcomes[node.ID]
	r.calls = append(r.calls, node.ID)
	r.mu.Unlock()

	if outcome.block != nil {
		select {
		case <-outcome.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	if outcome.output == nil {
		return map[string]any{"node": node.ID}, nil
	}
	return outcome.output, nil
}

func (r *fakeRunner) callCount(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.calls {
		if id == nodeID {
			n++
		}
	}
	return n
}

// --- Schema builders ---

func linearSchema(nodeIDs ...string) *domain.PipelineSchema {
	schema := &domain.PipelineSchema{
		ID:       uuid.New(),
		Category: "test",
		Version:  1,
		IsValid:  true,
	}
	for _, id := range nodeIDs {
		schema.Nodes = append(schema.Nodes, domain.NodeDef{
			ID:          id,
			Type:        domain.NodeTypeProvider,
			ProviderRef: "vendorA",
		})
	}
	for i := 0; i+1 < len(nodeIDs); i++ {
		schema.Edges = append(schema.Edges, domain.EdgeDef{Source: nodeIDs[i], Target: nodeIDs[i+1]})
	}
	return schema
}

// forkSchema строит [A, FORK→(B1,B2), JOIN(strategy), C].
func forkSchema(strategy domain.JoinStrategy) *domain.PipelineSchema {
	return &domain.PipelineSchema{
		ID:       uuid.New(),
		Category: "test",
		Version:  1,
		IsValid:  true,
		Nodes: []domain.NodeDef{
			{ID: "A", Type: domain.NodeTypeProvider, ProviderRef: "vendorA"},
			{ID: "FORK", Type: domain.NodeTypeFork},
			{ID: "B1", Type: domain.NodeTypeProvider, ProviderRef: "vendorA"},
			{ID: "B2", Type: domain.NodeTypeProvider, ProviderRef: "vendorB"},
			{ID: "JOIN", Type: domain.NodeTypeJoin, JoinStrategy: strategy},
			{ID: "C", Type: domain.NodeTypeProvider, ProviderRef: "vendorA"},
		},
		Edges: []domain.EdgeDef{
			{Source: "A", Target: "FORK"},
			{Source: "FORK", Target: "B1", BranchTag: "b1"},
			{Source: "FORK", Target: "B2", BranchTag: "b2"},
			{Source: "B1", Target: "JOIN"},
			{Source: "B2", Target: "JOIN"},
			{Source: "JOIN", Target: "C"},
		},
	}
}

// --- Test harness ---

type harness struct {
	orch    *Orchestrator
	tasks   *memTaskStore
	steps   *memStepStore
	saga    *fakeSaga
	runner  *fakeRunner
	task    *domain.Task
	schemas *memSchemaStore
}

func newHarness(t *testing.T, schema *domain.PipelineSchema) *harness {
	t.Helper()

	h := &harness{
		tasks:   newMemTaskStore(),
		steps:   newMemStepStore(),
		saga:    newFakeSaga(),
		runner:  &fakeRunner{outcomes: make(map[string]nodeOutcome)},
		schemas: &memSchemaStore{schemas: map[uuid.UUID]*domain.PipelineSchema{schema.ID: schema}},
	}

	h.task = &domain.Task{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		FeatureID: "test-feature",
		SchemaID:  schema.ID,
		Input:     map[string]any{"src": "s3://in"},
		QuotaCost: 1,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	h.tasks.tasks[h.task.ID] = h.task

	h.orch = New(Config{
		Tasks:   h.tasks,
		Steps:   h.steps,
		Schemas: h.schemas,
		Saga:    h.saga,
		Runner:  h.runner,
	})
	return h
}

func (h *harness) taskStatus(t *testing.T) domain.TaskStatus {
	t.Helper()
	task, err := h.tasks.GetByID(context.Background(), h.task.ID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	return task.Status
}

// --- Tests ---

func TestProcessTaskLinearSuccess(t *testing.T) {
	schema := linearSchema("A", "B")
	h := newHarness(t, schema)
	h.runner.outcomes["A"] = nodeOutcome{output: map[string]any{"a": 1}}
	h.runner.outcomes["B"] = nodeOutcome{output: map[string]any{"b": 2}}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCompleted {
		t.Fatalf("ожидался COMPLETED, получен %s", got)
	}

	task, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if len(task.Artifacts) != 2 {
		t.Errorf("ожидалось 2 артефакта, получено %d: %v", len(task.Artifacts), task.Artifacts)
	}

	if h.saga.confirms[h.task.ID] != 1 {
		t.Errorf("confirm должен вызваться ровно один раз, вызовов: %d", h.saga.confirms[h.task.ID])
	}
	if h.saga.cancels[h.task.ID] != 0 {
		t.Errorf("cancel не должен вызываться при успехе")
	}

	for i, id := range []string{"A", "B"} {
		step := h.steps.byPosition(domain.BranchMain, i)
		if step == nil || step.NodeID != id {
			t.Fatalf("нет step для %s на позиции %d", id, i)
		}
		if step.Status != domain.StepStatusSucceeded {
			t.Errorf("step %s: ожидался SUCCEEDED, получен %s", id, step.Status)
		}
	}
}

func TestProcessTaskMainBranchFailureSkipsRest(t *testing.T) {
	schema := linearSchema("A", "B", "C")
	h := newHarness(t, schema)
	h.runner.outcomes["A"] = nodeOutcome{err: errors.New("vendor rejected")}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}

	task, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if task.Error == "" {
		t.Error("error_message должен описывать упавший шаг")
	}

	for _, pos := range []int{1, 2} {
		step := h.steps.byPosition(domain.BranchMain, pos)
		if step == nil {
			t.Fatalf("нет step на позиции %d", pos)
		}
		if step.Status != domain.StepStatusSkipped {
			t.Errorf("step %s: ожидался SKIPPED, получен %s", step.NodeID, step.Status)
		}
	}

	if h.runner.callCount("B") != 0 || h.runner.callCount("C") != 0 {
		t.Error("узлы после упавшего не должны выполняться")
	}
	if h.saga.cancels[h.task.ID] != 1 {
		t.Errorf("cancel должен вызваться ровно один раз, вызовов: %d", h.saga.cancels[h.task.ID])
	}
}

func TestProcessTaskInsufficientQuota(t *testing.T) {
	schema := linearSchema("A")
	h := newHarness(t, schema)
	h.saga.insufficient = true

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}

	task, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if task.Error != "quota_exhausted" {
		t.Errorf("ожидалась причина quota_exhausted, получено %q", task.Error)
	}
	if h.steps.count() != 0 {
		t.Errorf("ни один step не должен создаваться, создано %d", h.steps.count())
	}
	if h.saga.confirms[h.task.ID] != 0 || h.saga.cancels[h.task.ID] != 0 {
		t.Error("сага не должна финализироваться без резерва")
	}
}

func TestProcessTaskInvalidSchema(t *testing.T) {
	schema := linearSchema("A")
	schema.IsValid = false
	h := newHarness(t, schema)

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}
	if h.saga.reserves != 0 {
		t.Error("квота не должна резервироваться под невалидную схему")
	}
}

func TestForkJoinAllBranchFailure(t *testing.T) {
	// Сценарий: [A, FORK→(B1,B2), JOIN(ALL), C]; B1 успешен, B2 падает.
	schema := forkSchema(domain.JoinAll)
	h := newHarness(t, schema)
	h.runner.outcomes["B2"] = nodeOutcome{err: errors.New("vendor B down")}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}

	// C (позиция 3 главной ветки: A=0, FORK=1, JOIN=2, C=3) — SKIPPED.
	stepC := h.steps.byPosition(domain.BranchMain, 3)
	if stepC == nil {
		t.Fatal("нет step для C")
	}
	if stepC.Status != domain.StepStatusSkipped {
		t.Errorf("C: ожидался SKIPPED, получен %s", stepC.Status)
	}

	if h.saga.cancels[h.task.ID] != 1 {
		t.Errorf("квота должна быть отменена ровно один раз, вызовов: %d", h.saga.cancels[h.task.ID])
	}

	// B2 — FAILED на своей ветке (fork2 — второй тег по сортировке).
	stepB2 := h.steps.byPosition("fork2", 0)
	if stepB2 == nil || stepB2.NodeID != "B2" {
		t.Fatal("нет step для B2 на ветке fork2")
	}
	if stepB2.Status != domain.StepStatusFailed {
		t.Errorf("B2: ожидался FAILED, получен %s", stepB2.Status)
	}
}

func TestForkJoinAllSuccess(t *testing.T) {
	schema := forkSchema(domain.JoinAll)
	h := newHarness(t, schema)
	h.runner.outcomes["B1"] = nodeOutcome{output: map[string]any{"b1": "x"}}
	h.runner.outcomes["B2"] = nodeOutcome{output: map[string]any{"b2": "y"}}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCompleted {
		t.Fatalf("ожидался COMPLETED, получен %s", got)
	}

	join := h.steps.byPosition(domain.BranchMain, 2)
	if join == nil || join.NodeID != "JOIN" {
		t.Fatal("нет JOIN step")
	}
	if join.Status != domain.StepStatusSucceeded {
		t.Errorf("JOIN: ожидался SUCCEEDED, получен %s", join.Status)
	}
	if len(join.BranchResults) != 2 {
		t.Errorf("JOIN должен собрать обе ветки, получено %d", len(join.BranchResults))
	}
	// C получает слитые выходы веток.
	if h.runner.callCount("C") != 1 {
		t.Error("C должен выполниться после успешного JOIN")
	}
}

func TestForkJoinAnyProceedsOnSingleSuccess(t *testing.T) {
	schema := forkSchema(domain.JoinAny)
	h := newHarness(t, schema)
	h.runner.outcomes["B1"] = nodeOutcome{err: errors.New("vendor B1 down")}
	h.runner.outcomes["B2"] = nodeOutcome{output: map[string]any{"b2": "y"}}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCompleted {
		t.Fatalf("ожидался COMPLETED, получен %s", got)
	}

	join := h.steps.byPosition(domain.BranchMain, 2)
	if join == nil {
		t.Fatal("нет JOIN step")
	}
	if _, ok := join.BranchResults["fork2"]; !ok {
		t.Errorf("победителем должна быть fork2, результаты: %v", join.BranchResults)
	}
	if h.saga.confirms[h.task.ID] != 1 {
		t.Error("успешный ANY должен подтвердить квоту")
	}
}

func TestForkJoinAnyAllBranchesFailed(t *testing.T) {
	schema := forkSchema(domain.JoinAny)
	h := newHarness(t, schema)
	h.runner.outcomes["B1"] = nodeOutcome{err: errors.New("down")}
	h.runner.outcomes["B2"] = nodeOutcome{err: errors.New("down")}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}
	if h.saga.cancels[h.task.ID] != 1 {
		t.Error("квота должна быть отменена")
	}
}

func TestJoinFirstPicksLexicallySmallest(t *testing.T) {
	// Оба успеха уже стоят в канале барьера: FIRST обязан выбрать
	// fork1 независимо от порядка поступления.
	h := newHarness(t, forkSchema(domain.JoinFirst))

	schema := forkSchema(domain.JoinFirst)
	plan, err := compileForTest(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var block = plan.Segments[1].Fork

	state := newTaskState(h.task, plan)
	joinStep, err := state.NewStep(domain.BranchMain, 2, block.JoinNode, nil)
	if err != nil {
		t.Fatalf("join step: %v", err)
	}
	joinStep.BranchResults = make(map[string]map[string]any)

	results := make(chan branchResult, 2)
	results <- branchResult{branchID: "fork2", output: map[string]any{"winner": "fork2"}}
	results <- branchResult{branchID: "fork1", output: map[string]any{"winner": "fork1"}}

	output, err := h.orch.resolveJoinAnyFirst(state, block, joinStep, func() {}, results, 2)
	if err != nil {
		t.Fatalf("resolveJoinAnyFirst: %v", err)
	}
	if output["winner"] != "fork1" {
		t.Errorf("FIRST должен выбрать fork1, выбран %v", output["winner"])
	}
	if _, ok := joinStep.BranchResults["fork2"]; ok {
		t.Error("результат проигравшей ветки должен быть отброшен")
	}
}

func TestCancelActiveTask(t *testing.T) {
	schema := linearSchema("A", "B")
	h := newHarness(t, schema)

	release := make(chan struct{})
	h.runner.outcomes["A"] = nodeOutcome{block: release}

	// processTask блокируется на узле A; отмена приходит извне.
	done := make(chan error, 1)
	go func() {
		done <- h.orch.processTask(context.Background(), h.task.ID)
	}()

	// Ждём, пока task станет активным.
	for i := 0; ; i++ {
		if h.orch.isTaskActive(h.task.ID) {
			break
		}
		if i > 100 {
			t.Fatal("task не стал активным")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.orch.CancelTask(context.Background(), h.task.ID, "user requested"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("processTask после отмены: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCancelled {
		t.Fatalf("ожидался CANCELLED, получен %s", got)
	}
	if h.saga.cancels[h.task.ID] != 1 {
		t.Errorf("квота должна быть отменена ровно один раз, вызовов: %d", h.saga.cancels[h.task.ID])
	}

	// Невыполненный B — SKIPPED.
	stepB := h.steps.byPosition(domain.BranchMain, 1)
	if stepB == nil || stepB.Status != domain.StepStatusSkipped {
		t.Error("невыполненные шаги должны помечаться SKIPPED при отмене")
	}

	close(release)
}

func TestCancelPendingTask(t *testing.T) {
	schema := linearSchema("A")
	h := newHarness(t, schema)

	if err := h.orch.CancelTask(context.Background(), h.task.ID, "user requested"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCancelled {
		t.Fatalf("ожидался CANCELLED, получен %s", got)
	}
	// PENDING task не имеет резерва — сага не трогается.
	if h.saga.cancels[h.task.ID] != 0 {
		t.Error("cancel саги не должен вызываться для PENDING task")
	}
}

func TestCancelFinishedTaskIsNoop(t *testing.T) {
	schema := linearSchema("A")
	h := newHarness(t, schema)

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}
	if err := h.orch.CancelTask(context.Background(), h.task.ID, "late"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	if got := h.taskStatus(t); got != domain.TaskStatusCompleted {
		t.Fatalf("терминальный статус не должен меняться, получен %s", got)
	}
}

func TestProcessTaskSkipsNonPending(t *testing.T) {
	schema := linearSchema("A")
	h := newHarness(t, schema)
	h.task.Status = domain.TaskStatusRunning
	h.tasks.tasks[h.task.ID] = h.task

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}
	if h.runner.callCount("A") != 0 {
		t.Error("не-PENDING task не должен выполняться повторно")
	}
}

func TestStepUniquenessInState(t *testing.T) {
	schema := linearSchema("A")
	plan, err := compileForTest(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	task := &domain.Task{ID: uuid.New()}
	state := newTaskState(task, plan)

	node := &schema.Nodes[0]
	if _, err := state.NewStep(domain.BranchMain, 0, node, nil); err != nil {
		t.Fatalf("первый step: %v", err)
	}
	if _, err := state.NewStep(domain.BranchMain, 0, node, nil); !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("ожидался ErrDuplicateStep, получено %v", err)
	}
	// Та же позиция в другой ветке — допустима.
	if _, err := state.NewStep("fork1", 0, node, nil); err != nil {
		t.Fatalf("та же позиция в другой ветке: %v", err)
	}
}

func TestExecutorErrorsAreTransientAware(t *testing.T) {
	// Открытый breaker у единственного провайдера: шаг падает, task FAILED.
	schema := linearSchema("A")
	h := newHarness(t, schema)
	h.runner.outcomes["A"] = nodeOutcome{err: &provider.CircuitOpenError{Ref: "vendorA"}}

	if err := h.orch.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("processTask: %v", err)
	}
	if got := h.taskStatus(t); got != domain.TaskStatusFailed {
		t.Fatalf("ожидался FAILED, получен %s", got)
	}
}
