// Package graph models the knowledge-graph delta Pass E produces: a
// pure value of node and edge upserts (plus removals on delta ingests)
// that the graph sink applies idempotently. Deltas are staged fully in
// memory, sorted, and validated for dangling edges before anything
// reaches the sink.
package graph

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/octavolabs/octavo/pkg/fault"
)

// NodeKind enumerates the node types the pipeline emits.
type NodeKind string

const (
	NodeSection NodeKind = "Section"
	NodeChunk   NodeKind = "Chunk"
	NodeEntity  NodeKind = "Entity"
	NodeConcept NodeKind = "Concept"
)

// EdgeKind enumerates the relations the pipeline emits.
type EdgeKind string

const (
	EdgeContains EdgeKind = "contains"
	EdgeCites    EdgeKind = "cites"
	EdgeRefersTo EdgeKind = "refers_to"
	EdgePartOf   EdgeKind = "part_of"
)

// Node is one graph node upsert, keyed by a stable id.
type Node struct {
	ID         string            `json:"id"`
	Kind       NodeKind          `json:"kind"`
	Label      string            `json:"label"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Edge is one directed relation between two node ids.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Delta is the complete graph change set of one job. NodesRemove names
// prior-run nodes obsoleted by a delta ingest; the sink detaches their
// edges when removing them.
type Delta struct {
	SourceID    string   `json:"source_id"`
	JobID       string   `json:"job_id"`
	NodesUpsert []Node   `json:"nodes_upsert"`
	EdgesUpsert []Edge   `json:"edges_upsert"`
	NodesRemove []string `json:"nodes_remove,omitempty"`
}

// Builder accumulates a delta with automatic de-duplication by id. Not
// safe for concurrent use; Pass E builds within a single goroutine.
type Builder struct {
	sourceID string
	jobID    string
	nodes    map[string]Node
	edges    map[string]Edge
	removals map[string]bool
}

// NewBuilder starts an empty delta for one job.
func NewBuilder(sourceID, jobID string) *Builder {
	return &Builder{
		sourceID: sourceID,
		jobID:    jobID,
		nodes:    make(map[string]Node),
		edges:    make(map[string]Edge),
		removals: make(map[string]bool),
	}
}

// AddNode records a node upsert. Re-adding an id overwrites; last write
// wins, which is harmless because ids are content-derived.
func (b *Builder) AddNode(n Node) {
	b.nodes[n.ID] = n
}

// AddEdge records an edge upsert. Duplicate (from, to, kind) triples
// collapse to one edge.
func (b *Builder) AddEdge(from, to string, kind EdgeKind) {
	key := from + "\x1e" + to + "\x1e" + string(kind)
	b.edges[key] = Edge{From: from, To: to, Kind: kind}
}

// RemoveNode records an obsolete prior-run node for removal.
func (b *Builder) RemoveNode(id string) {
	b.removals[id] = true
}

// HasNode reports whether the delta already upserts the given id.
func (b *Builder) HasNode(id string) bool {
	_, ok := b.nodes[id]
	return ok
}

// Build sorts everything and returns the finished delta. The output is
// deterministic for identical input sequences regardless of call order.
func (b *Builder) Build() Delta {
	d := Delta{
		SourceID:    b.sourceID,
		JobID:       b.jobID,
		NodesUpsert: make([]Node, 0, len(b.nodes)),
		EdgesUpsert: make([]Edge, 0, len(b.edges)),
	}
	for _, n := range b.nodes {
		d.NodesUpsert = append(d.NodesUpsert, n)
	}
	sort.Slice(d.NodesUpsert, func(i, j int) bool {
		return d.NodesUpsert[i].ID < d.NodesUpsert[j].ID
	})
	for _, e := range b.edges {
		d.EdgesUpsert = append(d.EdgesUpsert, e)
	}
	sort.Slice(d.EdgesUpsert, func(i, j int) bool {
		a, z := d.EdgesUpsert[i], d.EdgesUpsert[j]
		if a.From != z.From {
			return a.From < z.From
		}
		if a.To != z.To {
			return a.To < z.To
		}
		return a.Kind < z.Kind
	})
	for id := range b.removals {
		d.NodesRemove = append(d.NodesRemove, id)
	}
	sort.Strings(d.NodesRemove)
	return d
}

// Validate checks the no-dangling-edges invariant: every edge endpoint
// must be upserted in this delta or already known to the sink. known may
// be nil when no prior state exists.
func (d Delta) Validate(known func(id string) bool) error {
	ids := make(map[string]bool, len(d.NodesUpsert))
	for _, n := range d.NodesUpsert {
		if n.ID == "" {
			return fault.New(fault.IntegrityViolation, "graph.validate", "node with empty id")
		}
		ids[n.ID] = true
	}
	resolve := func(id string) bool {
		if ids[id] {
			return true
		}
		return known != nil && known(id)
	}
	for _, e := range d.EdgesUpsert {
		if !resolve(e.From) {
			return fault.Newf(fault.IntegrityViolation, "graph.validate",
				"edge %s -> %s (%s): origin not in delta or sink", e.From, e.To, e.Kind)
		}
		if !resolve(e.To) {
			return fault.Newf(fault.IntegrityViolation, "graph.validate",
				"edge %s -> %s (%s): target not in delta or sink", e.From, e.To, e.Kind)
		}
	}
	return nil
}

// EntityID canonicalizes an entity surface form to its stable node id.
// Normalization is NFC, casefold, and slugging, so "Fire-Ball", "fire
// ball" and "FIRE  BALL" all resolve to "entity:fire-ball".
func EntityID(name string) string {
	return "entity:" + Slug(name)
}

// ConceptID derives the stable node id of a concept keyword.
func ConceptID(keyword string) string {
	return "concept:" + Slug(keyword)
}

// SectionNodeID namespaces a section id into the graph id space.
func SectionNodeID(sectionID string) string { return "section:" + sectionID }

// ChunkNodeID namespaces a chunk id into the graph id space.
func ChunkNodeID(chunkID string) string { return "chunk:" + chunkID }

// Slug lowercases, NFC-normalizes, and reduces a string to hyphen-joined
// alphanumeric runs.
func Slug(s string) string {
	s = norm.NFC.String(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
