package engine

import (
	"fmt"
	"sort"

	"github.com/lpding888/aiygw4.0-sub012/internal/domain"
)

// Plan — скомпилированный план выполнения схемы.
//
// План линеаризует граф: главная ветка — последовательность сегментов,
// каждый FORK→JOIN сворачивается в один ForkBlock. Ветки внутри блока
// выполняются параллельно, сегменты главной ветки — строго по порядку.
type Plan struct {
	// Segments — сегменты главной ветки в порядке выполнения.
	Segments []Segment

	// NodeCount — общее количество узлов схемы.
	NodeCount int
}

// Segment — один сегмент главной ветки: либо обычный узел, либо FORK-блок.
type Segment struct {
	// Node — обычный узел (nil, если это FORK-блок).
	Node *domain.NodeDef

	// Fork — FORK-блок (nil для обычного узла).
	Fork *ForkBlock
}

// ForkBlock — паттерн FORK→ветки→JOIN.
type ForkBlock struct {
	// ForkNode — узел разветвления.
	ForkNode *domain.NodeDef

	// Branches — ветки в порядке сортировки branch-тегов.
	Branches []BranchPlan

	// JoinNode — общий узел объединения.
	JoinNode *domain.NodeDef
}

// BranchPlan — линейная последовательность узлов одной ветки.
type BranchPlan struct {
	// BranchID — назначенный идентификатор ветки ("fork1", "fork2", ...).
	BranchID string

	// Tag — branch-тег исходящего ребра FORK.
	Tag string

	// Nodes — узлы ветки по порядку (без FORK и JOIN).
	Nodes []*domain.NodeDef
}

// Compile строит план выполнения из схемы.
//
// Граф должен быть ацикличным, с единственным входным узлом, и каждый
// FORK обязан сходиться в один JOIN, достижимый по всем его веткам.
func Compile(schema *domain.PipelineSchema) (*Plan, error) {
	if len(schema.Nodes) == 0 {
		return nil, ErrEmptyNodes
	}

	g, err := buildGraph(schema)
	if err != nil {
		return nil, err
	}

	plan := &Plan{NodeCount: len(schema.Nodes)}
	visited := make(map[string]bool)

	cur := g.entry
	for cur != "" {
		if visited[cur] {
			return nil, ErrCyclicDependency
		}
		visited[cur] = true

		node := g.nodes[cur]
		switch node.Type {
		case domain.NodeTypeProvider:
			plan.Segments = append(plan.Segments, Segment{Node: node})

			next, err := g.singleNext(cur)
			if err != nil {
				return nil, err
			}
			cur = next

		case domain.NodeTypeFork:
			block, err := g.compileFork(node, visited)
			if err != nil {
				return nil, err
			}
			plan.Segments = append(plan.Segments, Segment{Fork: block})

			next, err := g.singleNext(block.JoinNode.ID)
			if err != nil {
				return nil, err
			}
			cur = next

		case domain.NodeTypeJoin:
			// JOIN на главной ветке без предшествующего FORK.
			return nil, NewValidationError(cur, "type", "join outside fork pattern", ErrJoinWithoutFork)

		default:
			return nil, NewValidationError(cur, "type",
				fmt.Sprintf("unknown node type %q", node.Type), ErrUnknownNodeType)
		}
	}

	if len(visited) != len(g.nodes) {
		// Недостижимые узлы означают разорванный или циклический граф.
		return nil, ErrCyclicDependency
	}

	return plan, nil
}

// graph — рабочее представление схемы при компиляции.
type graph struct {
	nodes map[string]*domain.NodeDef
	outs  map[string][]domain.EdgeDef
	entry string
}

// buildGraph индексирует узлы и рёбра, находит входной узел.
func buildGraph(schema *domain.PipelineSchema) (*graph, error) {
	g := &graph{
		nodes: make(map[string]*domain.NodeDef, len(schema.Nodes)),
		outs:  make(map[string][]domain.EdgeDef),
	}

	for i := range schema.Nodes {
		node := &schema.Nodes[i]
		if node.ID == "" {
			return nil, ErrEmptyNodeID
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, NewValidationError(node.ID, "id", "duplicate node ID", ErrDuplicateNodeID)
		}
		g.nodes[node.ID] = node
	}

	indegree := make(map[string]int, len(g.nodes))
	for _, edge := range schema.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, NewValidationError(edge.Source, "source", "edge source does not exist", ErrUnknownEdgeNode)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, NewValidationError(edge.Target, "target", "edge target does not exist", ErrUnknownEdgeNode)
		}
		g.outs[edge.Source] = append(g.outs[edge.Source], edge)
		indegree[edge.Target]++
	}

	for id := range g.nodes {
		if indegree[id] == 0 {
			if g.entry != "" {
				return nil, ErrNoEntryNode
			}
			g.entry = id
		}
	}
	if g.entry == "" {
		return nil, ErrNoEntryNode
	}

	return g, nil
}

// singleNext возвращает следующий узел за обычным узлом.
// Пустая строка — конец графа.
func (g *graph) singleNext(id string) (string, error) {
	edges := g.outs[id]
	switch len(edges) {
	case 0:
		return "", nil
	case 1:
		return edges[0].Target, nil
	default:
		return "", NewValidationError(id, "edges",
			"multiple out-edges on a non-fork node", ErrMultipleOutEdges)
	}
}

// compileFork разворачивает паттерн FORK→ветки→JOIN.
//
// Каждое исходящее ребро FORK с уникальным тегом открывает ветку.
// Ветка — линейная цепочка provider-узлов, заканчивающаяся на JOIN.
// Все ветки обязаны сойтись в один и тот же JOIN.
func (g *graph) compileFork(fork *domain.NodeDef, visited map[string]bool) (*ForkBlock, error) {
	edges := g.outs[fork.ID]
	if len(edges) < 2 {
		return nil, NewValidationError(fork.ID, "edges",
			"fork must have at least two branch edges", ErrForkWithoutJoin)
	}

	// Сортируем по тегу — порядок назначения branch_id детерминирован.
	sorted := make([]domain.EdgeDef, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BranchTag < sorted[j].BranchTag })

	tags := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if e.BranchTag == "" || tags[e.BranchTag] {
			return nil, NewValidationError(fork.ID, "branch_tag",
				"fork out-edges must carry distinct branch tags", ErrBranchTag)
		}
		tags[e.BranchTag] = true
	}

	block := &ForkBlock{ForkNode: fork}
	var joinID string

	for i, edge := range sorted {
		branch := BranchPlan{
			BranchID: fmt.Sprintf("fork%d", i+1),
			Tag:      edge.BranchTag,
		}

		cur := edge.Target
		for {
			if visited[cur] {
				return nil, ErrCyclicDependency
			}

			node := g.nodes[cur]
			if node.Type == domain.NodeTypeJoin {
				if joinID == "" {
					joinID = cur
				} else if joinID != cur {
					return nil, NewValidationError(fork.ID, "join",
						"branches converge on different join nodes", ErrForkWithoutJoin)
				}
				break
			}
			if node.Type != domain.NodeTypeProvider {
				// Вложенные fork внутри веток не поддерживаются.
				return nil, NewValidationError(cur, "type",
					"branch may contain only provider nodes", ErrUnknownNodeType)
			}

			visited[cur] = true
			branch.Nodes = append(branch.Nodes, node)

			next, err := g.singleNext(cur)
			if err != nil {
				return nil, err
			}
			if next == "" {
				return nil, NewValidationError(fork.ID, "join",
					"branch ends without reaching a join", ErrForkWithoutJoin)
			}
			cur = next
		}

		if len(branch.Nodes) == 0 {
			return nil, NewValidationError(fork.ID, "branch",
				"branch has no executable nodes", ErrForkWithoutJoin)
		}
		block.Branches = append(block.Branches, branch)
	}

	join := g.nodes[joinID]
	switch join.JoinStrategy {
	case domain.JoinAll, domain.JoinAny, domain.JoinFirst:
	default:
		return nil, NewValidationError(joinID, "join_strategy",
			fmt.Sprintf("invalid join strategy %q", join.JoinStrategy), ErrInvalidJoinStrategy)
	}

	visited[joinID] = true
	block.JoinNode = join
	return block, nil
}
