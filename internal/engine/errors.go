package engine

import "errors"

// Ошибки компиляции и валидации схемы.
var (
	// ErrEmptyNodes — схема не содержит узлов.
	ErrEmptyNodes = errors.New("schema has no nodes")

	// ErrEmptyNodeID — узел не имеет ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownNodeType — неизвестный тип узла.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrUnknownEdgeNode — ребро ссылается на несуществующий узел.
	ErrUnknownEdgeNode = errors.New("edge references unknown node")

	// ErrNoEntryNode — не найден единственный входной узел.
	ErrNoEntryNode = errors.New("schema must have exactly one entry node")

	// ErrCyclicDependency — обнаружен цикл вне паттерна FORK→JOIN.
	ErrCyclicDependency = errors.New("cyclic dependency in schema")

	// ErrMissingProviderRef — provider-узел без ссылки на провайдера.
	ErrMissingProviderRef = errors.New("provider node has neither provider_ref nor provider_type")

	// ErrUnknownProvider — ссылка на провайдера вне известного набора.
	ErrUnknownProvider = errors.New("provider ref not registered")

	// ErrForkWithoutJoin — у FORK нет общего JOIN, достижимого по всем веткам.
	ErrForkWithoutJoin = errors.New("fork has no matching join on all branches")

	// ErrJoinWithoutFork — JOIN встречен вне паттерна FORK→JOIN.
	ErrJoinWithoutFork = errors.New("join node without preceding fork")

	// ErrInvalidJoinStrategy — JOIN без валидной стратегии.
	ErrInvalidJoinStrategy = errors.New("join node has invalid join strategy")

	// ErrBranchTag — некорректные теги веток на исходящих рёбрах FORK.
	ErrBranchTag = errors.New("fork out-edges must carry distinct branch tags")

	// ErrMultipleOutEdges — несколько исходящих рёбер у не-FORK узла.
	ErrMultipleOutEdges = errors.New("multiple out-edges on a non-fork node")

	// ErrTypeMismatch — выход узла несовместим со входом следующего.
	ErrTypeMismatch = errors.New("adjacent node payload types are incompatible")

	// ErrSchemaNotValid — схема не опубликована как валидная.
	// Попытка запустить task по такой схеме — ConfigurationError.
	ErrSchemaNotValid = errors.New("schema is not validated for execution")
)

// ValidationError — ошибка валидации с контекстом узла.
type ValidationError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
