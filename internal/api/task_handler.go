package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// CreateTask создаёт task и ставит его в очередь на выполнение.
// POST /api/v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.UserID == uuid.Nil {
		BadRequest(w, "user_id is required")
		return
	}
	if req.QuotaCost <= 0 {
		BadRequest(w, "quota_cost must be positive")
		return
	}
	if req.SchemaID == nil && req.Category == "" {
		BadRequest(w, "either schema_id or category is required")
		return
	}

	// Резолвим схему: явная версия или последняя валидная по категории.
	var schema *domain.PipelineSchema
	var err error
	if req.SchemaID != nil {
		schema, err = h.schemas.GetByID(r.Context(), *req.SchemaID)
	} else {
		schema, err = h.schemas.GetLatestByCategory(r.Context(), req.Category)
	}
	if HandleRepoError(w, h.logger, err, "schema not found") {
		return
	}
	if !schema.IsValid {
		InvalidState(w, "schema failed validation and cannot be used")
		return
	}

	task := &domain.Task{
		ID:        uuid.New(),
		UserID:    req.UserID,
		FeatureID: req.FeatureID,
		SchemaID:  schema.ID,
		Input:     req.Input,
		QuotaCost: req.QuotaCost,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}

	if err := h.tasks.Create(r.Context(), task); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	// Движок подхватит task и через polling, если публикация не удалась.
	if h.publisher != nil {
		if err := h.publisher.PublishTaskPending(r.Context(), task.ID); err != nil {
			h.logger.Warn("failed to publish task.pending", "task_id", task.ID, "error", err)
		}
	}

	Created(w, TaskFromDomain(*task))
}

// GetTask возвращает task вместе с его steps.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task not found") {
		return
	}

	steps, err := h.steps.ListByTaskID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	resp := TaskDetailResponse{
		TaskResponse: TaskFromDomain(*task),
		Steps:        make([]StepResponse, len(steps)),
	}
	for i, step := range steps {
		resp.Steps[i] = StepFromDomain(step)
	}

	Success(w, resp)
}

// ListTasks возвращает tasks пользователя.
// GET /api/v1/tasks?user_id=...&limit=...&offset=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		BadRequest(w, "invalid or missing user_id")
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	tasks, err := h.tasks.ListByUser(r.Context(), userID, limit, offset)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		result[i] = TaskFromDomain(task)
	}

	List(w, result, len(result))
}

// CancelTask запрашивает отмену task.
// POST /api/v1/tasks/{id}/cancel
//
// Отмена асинхронна: API публикует команду, движок выполняет её с
// учётом текущего состояния task и квотной саги. Ответ 202 означает
// "команда принята", а не "task уже отменён".
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	var req CancelTaskRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "task not found") {
		return
	}

	if task.IsFinished() {
		InvalidState(w, "task is already finished")
		return
	}

	if h.publisher == nil {
		Unavailable(w, "cancellation is temporarily unavailable")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := h.publisher.PublishTaskCancel(r.Context(), task.ID, reason); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, TaskFromDomain(*task))
}

// GetQuota возвращает квотный баланс пользователя.
// GET /api/v1/users/{id}/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid user id")
		return
	}

	balance, err := h.quota.GetBalance(r.Context(), userID)
	if HandleRepoError(w, h.logger, err, "user not found") {
		return
	}

	Success(w, QuotaResponse{UserID: userID, Balance: balance})
}

// parseIntDefault парсит строку в int с дефолтным значением.
func parseIntDefault(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
