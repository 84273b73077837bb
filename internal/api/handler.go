package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// TaskStore — операции над tasks, нужные API.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Task, error)
}

// StepStore — чтение steps для выдачи наружу.
type StepStore interface {
	ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]domain.Step, error)
}

// SchemaStore — операции над pipeline-схемами.
type SchemaStore interface {
	Create(ctx context.Context, schema *domain.PipelineSchema) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineSchema, error)
	GetLatestByCategory(ctx context.Context, category string) (*domain.PipelineSchema, error)
	NextVersion(ctx context.Context, category string) (int, error)
}

// QuotaReader — чтение квотного состояния пользователя.
type QuotaReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// HealthReader — чтение health-снимков провайдеров.
type HealthReader interface {
	ListHealth(ctx context.Context) ([]domain.ProviderHealth, error)
}

// EventPublisher — публикация команд движку.
type EventPublisher interface {
	PublishTaskPending(ctx context.Context, taskID uuid.UUID) error
	PublishTaskCancel(ctx context.Context, taskID uuid.UUID, reason string) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	tasks     TaskStore
	steps     StepStore
	schemas   SchemaStore
	quota     QuotaReader
	health    HealthReader
	publisher EventPublisher
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Tasks     TaskStore
	Steps     StepStore
	Schemas   SchemaStore
	Quota     QuotaReader
	Health    HealthReader
	Publisher EventPublisher
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		tasks:     cfg.Tasks,
		steps:     cfg.Steps,
		schemas:   cfg.Schemas,
		quota:     cfg.Quota,
		health:    cfg.Health,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
}
