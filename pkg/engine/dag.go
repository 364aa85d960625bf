package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ExecutionGraph is the validated DAG of a resource set.
type ExecutionGraph struct {
	// Nodes maps intent IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists every normalized ordering edge.
	Edges []GraphEdge `json:"edges"`

	// Roots lists intents with no dependencies.
	Roots []string `json:"roots"`

	// Levels groups intent IDs by execution level; a level only depends on earlier levels.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode is a single intent in the execution graph.
type GraphNode struct {
	// ID is the intent ID.
	ID string `json:"id"`

	// Level is the execution level of the intent.
	Level int `json:"level"`

	// Dependencies lists intents that must converge first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Subscriptions lists dependencies whose changes refresh this intent.
	Subscriptions []string `json:"subscriptions,omitempty"`

	// Dependents lists intents waiting on this one.
	Dependents []string `json:"dependents,omitempty"`
}

// GraphEdge is an edge oriented from the intent that runs first.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// DAGBuilder builds a directed acyclic graph (DAG) from a resource set.
// It performs topological sorting and assigns execution levels for parallel execution.
type DAGBuilder struct {
	// set is the resource set being built
	set *ResourceSet

	// edges are the normalized edges of the set
	edges []normalizedEdge

	// adjacencyList maps intent IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps intent IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to intent IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from a resource set.
// It validates edge targets, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(set *ResourceSet) (*ExecutionGraph, error) {
	if set == nil || set.Len() == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]GraphEdge, 0),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
			Depth:  0,
		}, nil
	}

	if err := b.initialize(set); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from the set.
func (b *DAGBuilder) initialize(set *ResourceSet) error {
	b.set = set
	for _, intent := range set.intents {
		id := intent.ID()
		b.adjacencyList[id] = make([]string, 0)
		b.reverseAdjacencyList[id] = make([]string, 0)
		b.inDegree[id] = 0
	}

	edges, err := set.normalizedEdges()
	if err != nil {
		return err
	}
	b.edges = edges

	// Dependency must complete before the dependent can start
	for _, e := range edges {
		b.adjacencyList[e.From] = append(b.adjacencyList[e.From], e.To)
		b.reverseAdjacencyList[e.To] = append(b.reverseAdjacencyList[e.To], e.From)
		b.inDegree[e.To]++
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, intent := range b.set.intents {
		id := intent.ID()
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycle)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels to each intent using Kahn's algorithm.
// Intents at the same level can be converged in parallel. Within a level IDs
// keep the set's insertion order so output is deterministic.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, intent := range b.set.intents {
		if inDegreeCopy[intent.ID()] == 0 {
			currentLevel = append(currentLevel, intent.ID())
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root intents found - all intents have dependencies", nil).
			WithCode(ErrCodeCycle)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.SliceStable(nextLevel, func(i, j int) bool {
			return b.set.position(nextLevel[i]) < b.set.position(nextLevel[j])
		})

		currentLevel = nextLevel
	}

	// Should never happen if cycle detection worked
	if processedCount != b.set.Len() {
		return NewPermanentError("failed to process all intents - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  make([]GraphEdge, 0, len(b.edges)),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, e := range b.edges {
		graph.Edges = append(graph.Edges, GraphEdge{From: e.From, To: e.To, Type: e.Type})
		if e.Type == DependencySubscribe {
			node := graph.Nodes[e.To]
			node.Subscriptions = append(node.Subscriptions, e.From)
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ResourceSet {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	// Group nodes by level for better visualization
	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			intent, _ := b.set.Get(id)
			label := fmt.Sprintf("%s\\n%s", escapeDOT(id), intent.State)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				escapeDOT(id), label, getStateColor(intent)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range b.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
			escapeDOT(e.From), escapeDOT(e.To), getDependencyStyle(e.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// getStateColor returns a color for visualizing desired states.
func getStateColor(intent *Intent) string {
	switch {
	case intent.Kind == KindAnchor:
		return "lightgray"
	case intent.State.IsRemoval():
		return "lightcoral"
	case intent.State == StateRunning:
		return "lightblue"
	default:
		return "lightgreen"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencySubscribe:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	expected := 0
	if b.set != nil {
		expected = b.set.Len()
	}
	if len(graph.Nodes) != expected {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if graph.Nodes[edge.From].Level >= graph.Nodes[edge.To].Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not respect levels", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
