// Package visualize renders operator pipelines as diagrams.
package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/l7mp/ivm/pkg/pipeline"
)

// ViewNode is the id of the node standing for the materialized view.
const ViewNode = "view"

// Graph represents the visualization graph of a pipeline.
type Graph struct {
	Name      string
	Operators []OperatorNode
	Edges     []Edge
}

// OperatorNode represents a single operator in the graph.
type OperatorNode struct {
	ID    string
	Kind  string
	Label string
}

// Edge represents the flow of changes from one operator to another.
type Edge struct {
	From, To string
}

// BuildGraph constructs a visualization graph from a built pipeline. The last operator feeds a
// terminal view node.
func BuildGraph(name string, p *pipeline.Pipeline) *Graph {
	g := &Graph{Name: name}
	for _, n := range p.Graph.Nodes() {
		g.Operators = append(g.Operators, OperatorNode{ID: n.ID, Kind: n.Kind, Label: n.Label})
		for _, out := range p.Graph.Outputs(n.ID) {
			g.Edges = append(g.Edges, Edge{From: n.ID, To: out})
		}
	}
	g.Edges = append(g.Edges, Edge{From: p.End, To: ViewNode})
	return g
}

// nodeStyle returns the shape and the fill color of an operator kind.
func nodeStyle(kind string) (string, string) {
	switch kind {
	case "source":
		return "ellipse", "lightgreen"
	case "fan-out", "fan-in":
		return "diamond", "lightgrey"
	case "join", "exists":
		return "box", "lightyellow"
	case "take", "skip":
		return "box", "lightpink"
	default:
		return "box", "lightblue"
	}
}

// FormatOperator formats an operator for display.
func FormatOperator(n OperatorNode) string {
	if n.Label == "" {
		return n.Kind
	}
	return fmt.Sprintf("%s: %s", n.Kind, n.Label)
}

// mermaidShapes maps the DOT shapes to the flowchart shapes of Mermaid.
var mermaidShapes = map[string]any{
	"ellipse": dot.MermaidShapeStadium,
	"diamond": dot.MermaidShapeRhombus,
	"box":     dot.MermaidShapeRound,
}

// BuildDotGraph creates a dot.Graph from the visualization graph for Graphviz output.
func BuildDotGraph(g *Graph) *dot.Graph { return buildDotGraph(g, false) }

// BuildMermaidGraph creates a dot.Graph from the visualization graph for Mermaid output: node
// shapes are Mermaid shapes and styles are CSS.
func BuildMermaidGraph(g *Graph) *dot.Graph { return buildDotGraph(g, true) }

func buildDotGraph(g *Graph, mermaid bool) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR") // Left to right layout.
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	node := func(id, label, shape, color string) dot.Node {
		n := graph.Node(id).Attr("label", label)
		if mermaid {
			return n.Attr("shape", mermaidShapes[shape]).Attr("style", "fill:"+color)
		}
		return n.Attr("shape", shape).
			Attr("style", "filled,rounded").
			Attr("fillcolor", color).
			Attr("fontname", "helvetica")
	}

	nodes := make(map[string]dot.Node)
	for _, op := range g.Operators {
		shape, color := nodeStyle(op.Kind)
		nodes[op.ID] = node(op.ID, FormatOperator(op), shape, color)
	}
	nodes[ViewNode] = node(ViewNode, "view", "box", "lightcyan")
	if !mermaid {
		nodes[ViewNode].Attr("color", "darkblue").Attr("penwidth", "2")
	}

	for _, e := range g.Edges {
		from, fromExists := nodes[e.From]
		to, toExists := nodes[e.To]
		if fromExists && toExists {
			graph.Edge(from, to)
		}
	}

	return graph
}
