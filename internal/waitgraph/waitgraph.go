// Package waitgraph exports the task/primitive blocking relation as a graph.
//
// The graph is built purely from records already decoded in the current
// refresh; it performs no target reads of its own.
package waitgraph

import (
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// Edge states that a task is parked on one of a primitive's wait lists.
type Edge struct {
	Task      string
	Primitive string
	Relation  string // "recv" or "send"
}

// Build assembles the bipartite blocking graph. Tasks and primitives both
// become nodes; duplicate edges from repeated observations collapse.
func Build(edges []Edge) *lattice.Graph {
	g := &lattice.Graph{}
	seen := make(map[string]bool)
	node := func(name string) {
		if !seen[name] {
			seen[name] = true
			g.Nodes = append(g.Nodes, name)
		}
	}
	for _, e := range edges {
		node(e.Task)
		node(e.Primitive)
		g.Edges = append(g.Edges, lattice.Edge{
			Caller: e.Task,
			Callee: e.Primitive,
		})
	}
	g.Dedup()
	return g
}

// DOT renders the blocking graph for offline inspection.
func DOT(edges []Edge, title string) string {
	return render.DOT(Build(edges), title)
}
