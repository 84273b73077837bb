package domain

import (
	"time"

	"github.com/google/uuid"
)

// Типы узлов pipeline-схемы.
const (
	// NodeTypeProvider — обычный узел: один вызов провайдера.
	NodeTypeProvider = "provider"

	// NodeTypeFork — точка разветвления на параллельные ветки.
	NodeTypeFork = "fork"

	// NodeTypeJoin — точка объединения веток.
	NodeTypeJoin = "join"
)

// PipelineSchema — версионированное определение pipeline.
//
// Схема — это "рецепт" обработки запроса: граф узлов и рёбер.
// Схема неизменяема после публикации: новая версия — новая запись,
// существующая никогда не мутируется.
type PipelineSchema struct {
	// ID — уникальный идентификатор схемы.
	ID uuid.UUID `json:"id"`

	// Category — категория pipeline (например, "portrait", "video").
	Category string `json:"category"`

	// Version — номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// Nodes — определения узлов в объявленном порядке.
	Nodes []NodeDef `json:"nodes"`

	// Edges — рёбра графа (source → target, с тегом ветки для FORK).
	Edges []EdgeDef `json:"edges"`

	// InputSchema — описание входных полей task.
	InputSchema map[string]FieldDef `json:"input_schema,omitempty"`

	// OutputSchema — описание выходных артефактов.
	OutputSchema map[string]FieldDef `json:"output_schema,omitempty"`

	// IsValid — прошла ли схема валидацию. Невалидная схема
	// не может использоваться для запуска новых tasks.
	IsValid bool `json:"is_valid"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// NodeDef — определение узла схемы.
type NodeDef struct {
	// ID — уникальный идентификатор узла в рамках схемы.
	ID string `json:"id"`

	// Type — тип узла: "provider", "fork", "join".
	Type string `json:"type"`

	// ProviderRef — ссылка на провайдера (для type="provider").
	ProviderRef string `json:"provider_ref,omitempty"`

	// ProviderType — группа эквивалентных провайдеров для взвешенного
	// выбора и fallback при открытом circuit breaker.
	ProviderType string `json:"provider_type,omitempty"`

	// Config — конфигурация узла (передаётся провайдеру вместе с input).
	Config map[string]any `json:"config,omitempty"`

	// JoinStrategy — стратегия объединения (только для type="join").
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty"`

	// InputType и OutputType — типы payload для проверки совместимости
	// смежных узлов при валидации схемы.
	InputType  string `json:"input_type,omitempty"`
	OutputType string `json:"output_type,omitempty"`

	// Retry — политика повторных попыток для этого узла.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут одного вызова провайдера.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// EdgeDef — ребро графа схемы.
type EdgeDef struct {
	// Source — ID узла-источника.
	Source string `json:"source"`

	// Target — ID узла-приёмника.
	Target string `json:"target"`

	// BranchTag — тег ветки. Непустой только на исходящих рёбрах
	// FORK-узла; определяет порядок назначения branch_id.
	BranchTag string `json:"branch_tag,omitempty"`
}

// FieldDef — описание поля input/output схемы.
type FieldDef struct {
	// Type — тип поля: "string", "number", "boolean", "object".
	Type string `json:"type"`

	// Required — обязательное ли поле.
	Required bool `json:"required,omitempty"`

	// Description — описание поля.
	Description string `json:"description,omitempty"`
}

// RetryPolicy — политика повторных попыток для шага.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}
