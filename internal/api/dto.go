package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// Task DTOs

// CreateTaskRequest — запрос на создание task.
// Схема задаётся либо явным schema_id, либо категорией (берётся
// последняя валидная версия).
type CreateTaskRequest struct {
	UserID    uuid.UUID      `json:"user_id"`
	FeatureID string         `json:"feature_id"`
	SchemaID  *uuid.UUID     `json:"schema_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	QuotaCost int64          `json:"quota_cost"`
}

// CancelTaskRequest — запрос на отмену task.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	FeatureID  string         `json:"feature_id"`
	SchemaID   uuid.UUID      `json:"schema_id"`
	Input      map[string]any `json:"input,omitempty"`
	QuotaCost  int64          `json:"quota_cost"`
	Status     string         `json:"status"`
	Artifacts  map[string]any `json:"artifacts,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:         t.ID,
		UserID:     t.UserID,
		FeatureID:  t.FeatureID,
		SchemaID:   t.SchemaID,
		Input:      t.Input,
		QuotaCost:  t.QuotaCost,
		Status:     string(t.Status),
		Artifacts:  t.Artifacts,
		Error:      t.Error,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		CreatedAt:  t.CreatedAt,
	}
}

// TaskDetailResponse — task вместе с его steps.
type TaskDetailResponse struct {
	TaskResponse
	Steps []StepResponse `json:"steps"`
}

// Step DTOs

// StepResponse — ответ с step.
type StepResponse struct {
	ID            uuid.UUID                 `json:"id"`
	StepIndex     int                       `json:"step_index"`
	BranchID      string                    `json:"branch_id"`
	ParentStepID  *uuid.UUID                `json:"parent_step_id,omitempty"`
	NodeID        string                    `json:"node_id"`
	NodeType      string                    `json:"node_type"`
	ProviderRef   string                    `json:"provider_ref,omitempty"`
	Status        string                    `json:"status"`
	Output        map[string]any            `json:"output,omitempty"`
	JoinStrategy  string                    `json:"join_strategy,omitempty"`
	BranchResults map[string]map[string]any `json:"branch_results,omitempty"`
	RetryCount    int                       `json:"retry_count"`
	Error         string                    `json:"error,omitempty"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	FinishedAt    *time.Time                `json:"finished_at,omitempty"`
}

// StepFromDomain конвертирует domain.Step в StepResponse.
func StepFromDomain(s domain.Step) StepResponse {
	return StepResponse{
		ID:            s.ID,
		StepIndex:     s.StepIndex,
		BranchID:      s.BranchID,
		ParentStepID:  s.ParentStepID,
		NodeID:        s.NodeID,
		NodeType:      s.NodeType,
		ProviderRef:   s.ProviderRef,
		Status:        string(s.Status),
		Output:        s.Output,
		JoinStrategy:  string(s.JoinStrategy),
		BranchResults: s.BranchResults,
		RetryCount:    s.RetryCount,
		Error:         s.Error,
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
	}
}

// Schema DTOs

// CreateSchemaRequest — запрос на публикацию новой версии схемы.
type CreateSchemaRequest struct {
	Category     string                       `json:"category"`
	Nodes        []domain.NodeDef             `json:"nodes"`
	Edges        []domain.EdgeDef             `json:"edges"`
	InputSchema  map[string]domain.FieldDef   `json:"input_schema,omitempty"`
	OutputSchema map[string]domain.FieldDef   `json:"output_schema,omitempty"`
}

// SchemaResponse — ответ со схемой.
type SchemaResponse struct {
	ID           uuid.UUID                  `json:"id"`
	Category     string                     `json:"category"`
	Version      int                        `json:"version"`
	Nodes        []domain.NodeDef           `json:"nodes"`
	Edges        []domain.EdgeDef           `json:"edges"`
	InputSchema  map[string]domain.FieldDef `json:"input_schema,omitempty"`
	OutputSchema map[string]domain.FieldDef `json:"output_schema,omitempty"`
	IsValid      bool                       `json:"is_valid"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// SchemaFromDomain конвертирует domain.PipelineSchema в SchemaResponse.
func SchemaFromDomain(s *domain.PipelineSchema) SchemaResponse {
	return SchemaResponse{
		ID:           s.ID,
		Category:     s.Category,
		Version:      s.Version,
		Nodes:        s.Nodes,
		Edges:        s.Edges,
		InputSchema:  s.InputSchema,
		OutputSchema: s.OutputSchema,
		IsValid:      s.IsValid,
		CreatedAt:    s.CreatedAt,
	}
}

// Quota DTOs

// QuotaResponse — текущее квотное состояние пользователя.
type QuotaResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}

// Health DTOs

// ProviderHealthResponse — снимок здоровья провайдера.
type ProviderHealthResponse struct {
	ProviderRef         string     `json:"provider_ref"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	SuccessRate         float64    `json:"success_rate"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastCheckAt         time.Time  `json:"last_check_at"`
}

// ProviderHealthFromDomain конвертирует domain.ProviderHealth.
func ProviderHealthFromDomain(h domain.ProviderHealth) ProviderHealthResponse {
	return ProviderHealthResponse{
		ProviderRef:         h.ProviderRef,
		Status:              string(h.Status),
		ConsecutiveFailures: h.ConsecutiveFailures,
		AvgLatencyMs:        h.AvgLatencyMs,
		SuccessRate:         h.SuccessRate,
		LastFailureAt:       h.LastFailureAt,
		LastCheckAt:         h.LastCheckAt,
	}
}
