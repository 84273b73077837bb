package engine

import (
	"fmt"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// Validate проверяет схему на пригодность к выполнению.
//
// Проверки:
//   - граф компилируется в план (ацикличность вне FORK→JOIN,
//     единственный вход, каждый FORK сходится в свой JOIN по всем веткам)
//   - каждый provider-узел ссылается на провайдера или группу
//   - все provider_ref входят в известный набор (если он задан)
//   - input/output типы смежных узлов совместимы
//
// knownProviders — набор ссылок, известных Provider Registry.
// nil отключает проверку ссылок (например, при офлайн-валидации).
func Validate(schema *domain.PipelineSchema, knownProviders map[string]bool) error {
	if _, err := Compile(schema); err != nil {
		return err
	}

	nodes := make(map[string]*domain.NodeDef, len(schema.Nodes))
	for i := range schema.Nodes {
		node := &schema.Nodes[i]
		nodes[node.ID] = node

		if node.Type != domain.NodeTypeProvider {
			continue
		}
		if node.ProviderRef == "" && node.ProviderType == "" {
			return NewValidationError(node.ID, "provider_ref",
				"provider node has neither provider_ref nor provider_type", ErrMissingProviderRef)
		}
		if knownProviders != nil && node.ProviderRef != "" && !knownProviders[node.ProviderRef] {
			return NewValidationError(node.ID, "provider_ref",
				fmt.Sprintf("provider %q is not registered", node.ProviderRef), ErrUnknownProvider)
		}
	}

	// Совместимость типов payload на каждом ребре.
	for _, edge := range schema.Edges {
		src, dst := nodes[edge.Source], nodes[edge.Target]
		if src.OutputType == "" || dst.InputType == "" {
			continue // типы не объявлены — проверять нечего
		}
		if src.OutputType != dst.InputType {
			return NewValidationError(edge.Target, "input_type",
				fmt.Sprintf("node %s emits %q but node %s expects %q",
					edge.Source, src.OutputType, edge.Target, dst.InputType),
				ErrTypeMismatch)
		}
	}

	return nil
}

// EnsureExecutable проверяет, что схема опубликована как валидная.
// Невалидная схема не может использоваться для запуска новых tasks.
func EnsureExecutable(schema *domain.PipelineSchema) error {
	if !schema.IsValid {
		return fmt.Errorf("%w: schema %s v%d", ErrSchemaNotValid, schema.ID, schema.Version)
	}
	return nil
}
