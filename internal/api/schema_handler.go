package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
	"github.com/lpding888/aiygw4.0-sub012/internal/engine"
)

// CreateSchema публикует новую версию pipeline-схемы.
// POST /api/v1/schemas
//
// Схема проходит структурную валидацию до записи: граф с циклами,
// оборванными рёбрами или несовместимыми типами отклоняется с 422.
func (h *Handler) CreateSchema(w http.ResponseWriter, r *http.Request) {
	var req CreateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Category == "" {
		BadRequest(w, "category is required")
		return
	}
	if len(req.Nodes) == 0 {
		BadRequest(w, "schema must have at least one node")
		return
	}

	version, err := h.schemas.NextVersion(r.Context(), req.Category)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	schema := &domain.PipelineSchema{
		ID:           uuid.New(),
		Category:     req.Category,
		Version:      version,
		Nodes:        req.Nodes,
		Edges:        req.Edges,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		IsValid:      true,
		CreatedAt:    time.Now(),
	}

	// knownProviders=nil: API-процесс не держит Provider Registry,
	// ссылки на провайдеров проверяет движок перед запуском.
	if err := engine.Validate(schema, nil); err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			InvalidState(w, verr.Error())
			return
		}
		InvalidState(w, err.Error())
		return
	}

	if err := h.schemas.Create(r.Context(), schema); err != nil {
		HandleRepoError(w, h.logger, err, "")
		return
	}

	Created(w, SchemaFromDomain(schema))
}

// GetSchema возвращает схему по ID.
// GET /api/v1/schemas/{id}
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schema id")
		return
	}

	schema, err := h.schemas.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "schema not found") {
		return
	}

	Success(w, SchemaFromDomain(schema))
}

// GetLatestSchema возвращает последнюю валидную версию категории.
// GET /api/v1/schemas/latest?category=...
func (h *Handler) GetLatestSchema(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		BadRequest(w, "category is required")
		return
	}

	schema, err := h.schemas.GetLatestByCategory(r.Context(), category)
	if HandleRepoError(w, h.logger, err, "no valid schema for category") {
		return
	}

	Success(w, SchemaFromDomain(schema))
}
