package ring

import (
	"fmt"
	"net/http"

	"go.miragespace.co/ringstore/spec/ring"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

// stop walking rings larger than this
const maxGraphNodes = 256

func formatNode(endpoint string) string {
	return fmt.Sprintf("%s/%d", endpoint, ring.Hash(endpoint))
}

var vOptions = []func(*graph.VertexProperties){
	graph.VertexAttribute("shape", "box"),
}

var rootVOptions = append(vOptions,
	graph.VertexAttribute("style", "filled"),
	graph.VertexAttribute("color", "yellow"),
)

// GraphHandler renders the ring in DOT by following successor pointers from this node
func (m *Membership) GraphHandler(w http.ResponseWriter, r *http.Request) {
	self := m.Endpoint()
	nodes := []string{self}
	visited := map[string]bool{self: true}

	next := m.Successor()
	for next != "" && !visited[next] {
		if len(nodes) >= maxGraphNodes {
			http.Error(w, "ring is too large to draw", http.StatusInternalServerError)
			return
		}
		visited[next] = true
		nodes = append(nodes, next)

		resp, err := m.ping(r.Context(), next)
		if err != nil {
			http.Error(w, fmt.Sprintf("error walking ring at %s: %v", next, err), http.StatusInternalServerError)
			return
		}
		next = resp.Successor
	}
	if next != "" && next != self {
		http.Error(w, "ring is unstable", http.StatusInternalServerError)
		return
	}

	g := graph.New(formatNode, graph.Directed())
	for _, node := range nodes {
		if node == self {
			g.AddVertex(node, rootVOptions...)
		} else {
			g.AddVertex(node, vOptions...)
		}
	}
	for i := 0; i < len(nodes)-1; i++ {
		g.AddEdge(formatNode(nodes[i]), formatNode(nodes[i+1]))
	}
	if len(nodes) > 1 {
		g.AddEdge(formatNode(nodes[len(nodes)-1]), formatNode(nodes[0]))
	}

	w.Header().Set("content-type", "text/plain")
	draw.DOT(g, w)
}
