package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// SchemaRepo — репозиторий pipeline-схем.
//
// Схемы неизменяемы после публикации: Update отсутствует намеренно.
// Новая версия категории — новая запись с version+1.
type SchemaRepo struct {
	pool *pgxpool.Pool
}

// NewSchemaRepo создаёт новый SchemaRepo.
func NewSchemaRepo(pool *pgxpool.Pool) *SchemaRepo {
	return &SchemaRepo{pool: pool}
}

// Create сохраняет новую версию схемы.
func (r *SchemaRepo) Create(ctx context.Context, schema *domain.PipelineSchema) error {
	nodesJSON, err := json.Marshal(schema.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(schema.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	inputJSON, err := json.Marshal(schema.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	outputJSON, err := json.Marshal(schema.OutputSchema)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}

	query := `
		INSERT INTO pipeline_schemas (id, category, version, nodes, edges, input_schema, output_schema, is_valid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		schema.ID,
		schema.Category,
		schema.Version,
		nodesJSON,
		edgesJSON,
		inputJSON,
		outputJSON,
		schema.IsValid,
		schema.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert schema: %w", err)
	}
	return nil
}

// GetByID возвращает схему по ID.
func (r *SchemaRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineSchema, error) {
	query := schemaSelect + ` WHERE id = $1`
	return scanSchema(r.pool.QueryRow(ctx, query, id))
}

// GetLatestByCategory возвращает последнюю валидную версию категории.
func (r *SchemaRepo) GetLatestByCategory(ctx context.Context, category string) (*domain.PipelineSchema, error) {
	query := schemaSelect + `
		WHERE category = $1 AND is_valid = true
		ORDER BY version DESC
		LIMIT 1
	`
	return scanSchema(r.pool.QueryRow(ctx, query, category))
}

// NextVersion возвращает номер следующей версии для категории.
func (r *SchemaRepo) NextVersion(ctx context.Context, category string) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM pipeline_schemas WHERE category = $1
	`, category).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next schema version: %w", err)
	}
	return version, nil
}

const schemaSelect = `
	SELECT id, category, version, nodes, edges, input_schema, output_schema, is_valid, created_at
	FROM pipeline_schemas`

func scanSchema(row pgx.Row) (*domain.PipelineSchema, error) {
	var schema domain.PipelineSchema
	var nodesJSON, edgesJSON, inputJSON, outputJSON []byte

	err := row.Scan(
		&schema.ID,
		&schema.Category,
		&schema.Version,
		&nodesJSON,
		&edgesJSON,
		&inputJSON,
		&outputJSON,
		&schema.IsValid,
		&schema.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schema: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &schema.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &schema.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &schema.InputSchema); err != nil {
			return nil, fmt.Errorf("unmarshal input schema: %w", err)
		}
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &schema.OutputSchema); err != nil {
			return nil, fmt.Errorf("unmarshal output schema: %w", err)
		}
	}

	return &schema, nil
}
