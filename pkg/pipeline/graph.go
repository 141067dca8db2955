package pipeline

import (
	"fmt"
	"strings"

	"github.com/l7mp/ivm/internal/dag"
)

// Node is an operator of a built pipeline.
type Node struct {
	ID    string
	Kind  string
	Label string
}

// Graph is the operator graph of a pipeline. Edges follow the data flow: from an operator to
// the operators it pushes to, so the roots of the graph are the source connections.
type Graph struct {
	dag   *dag.Graph
	nodes map[string]Node
}

func newGraph() *Graph {
	return &Graph{dag: dag.New(), nodes: map[string]Node{}}
}

func (g *Graph) add(kind, label string, inputs ...string) string {
	id := fmt.Sprintf("%s-%d", kind, len(g.dag.Nodes))
	g.dag.AddNode(id)
	g.nodes[id] = Node{ID: id, Kind: kind, Label: label}
	for _, in := range inputs {
		g.dag.AddEdge(in, id)
	}
	return id
}

// Nodes returns the operators in the order they were created.
func (g *Graph) Nodes() []Node {
	ret := make([]Node, 0, len(g.dag.Nodes))
	for _, id := range g.dag.Nodes {
		ret = append(ret, g.nodes[id])
	}
	return ret
}

// Node returns an operator by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outputs returns the operators an operator pushes to.
func (g *Graph) Outputs(id string) []string { return g.dag.Edges(id) }

// Sources returns the source connections of the pipeline.
func (g *Graph) Sources() []string { return g.dag.Roots() }

func (g *Graph) String() string {
	lines := []string{}
	for _, n := range g.Nodes() {
		line := n.ID
		if n.Label != "" {
			line += fmt.Sprintf("(%s)", n.Label)
		}
		if outs := g.Outputs(n.ID); len(outs) > 0 {
			line += " -> " + strings.Join(outs, ",")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "; ")
}
