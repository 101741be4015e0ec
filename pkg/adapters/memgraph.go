package adapters

import (
	"context"
	"sync"

	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/graph"
)

// MemGraph is an in-memory graph sink for tests and dry runs. ApplyDelta
// upserts nodes before edges, then processes removals; an edge whose
// endpoint is unknown after the node phase is rejected, mirroring the
// no-dangling-edges contract a real sink enforces.
type MemGraph struct {
	mu     sync.Mutex
	nodes  map[string]graph.Node
	edges  map[string]graph.Edge
	deltas int
}

// NewMemGraph returns an empty sink.
func NewMemGraph() *MemGraph {
	return &MemGraph{
		nodes: make(map[string]graph.Node),
		edges: make(map[string]graph.Edge),
	}
}

func edgeKey(e graph.Edge) string {
	return e.From + "\x1e" + e.To + "\x1e" + string(e.Kind)
}

func (m *MemGraph) ApplyDelta(ctx context.Context, d graph.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range d.NodesUpsert {
		m.nodes[n.ID] = n
	}
	for _, e := range d.EdgesUpsert {
		if _, ok := m.nodes[e.From]; !ok {
			return fault.Newf(fault.IntegrityViolation, "memgraph.apply",
				"edge origin %s unknown", e.From)
		}
		if _, ok := m.nodes[e.To]; !ok {
			return fault.Newf(fault.IntegrityViolation, "memgraph.apply",
				"edge target %s unknown", e.To)
		}
		m.edges[edgeKey(e)] = e
	}
	for _, id := range d.NodesRemove {
		delete(m.nodes, id)
		for k, e := range m.edges {
			if e.From == id || e.To == id {
				delete(m.edges, k)
			}
		}
	}
	m.deltas++
	return nil
}

func (m *MemGraph) HasNode(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[id]
	return ok, nil
}

// GraphCounts totals nodes and edges attributed to one source. Node
// attribution uses the source_id property; an empty sourceID counts
// everything.
func (m *MemGraph) GraphCounts(ctx context.Context, sourceID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sourceID == "" {
		return len(m.nodes), len(m.edges), nil
	}
	nodes := 0
	mine := make(map[string]bool)
	for id, n := range m.nodes {
		if n.Properties["source_id"] == sourceID {
			nodes++
			mine[id] = true
		}
	}
	edges := 0
	for _, e := range m.edges {
		if mine[e.From] || mine[e.To] {
			edges++
		}
	}
	return nodes, edges, nil
}

// Node returns a stored node by id.
func (m *MemGraph) Node(id string) (graph.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	return n, ok
}

// DeltasApplied reports how many deltas the sink accepted.
func (m *MemGraph) DeltasApplied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltas
}
