package passes

import (
	"context"
	"strconv"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/graph"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// GraphPass (Pass E) stages the knowledge-graph delta from the chunk
// and vector artifacts and applies it to the graph sink. The delta is
// validated for dangling edges before anything leaves the process; on
// delta ingests, prior-run nodes obsoleted by the plan are scheduled
// for removal in the same change set.
type GraphPass struct{}

func (GraphPass) ID() pipeline.PassID { return pipeline.PassE }
func (GraphPass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{
		{Pass: pipeline.PassC, Name: ChunksName},
		{Pass: pipeline.PassD, Name: VectorsName},
	}
}
func (GraphPass) ProducedArtifacts() []string { return []string{GraphDeltaName} }

func (p GraphPass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	chunkData, err := pc.Store.ReadArtifact(pc.JobDir, "C", ChunksName)
	if err != nil {
		return nil, err
	}
	chunks, err := decodeLines[Chunk](chunkData)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_E", err)
	}

	vecData, err := pc.Store.ReadArtifact(pc.JobDir, "D", VectorsName)
	if err != nil {
		return nil, err
	}
	records, err := decodeLines[VectorRecord](vecData)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_E", err)
	}

	delta, err := p.buildDelta(pc, chunks, records)
	if err != nil {
		return nil, err
	}

	known := p.sinkLookup(ctx, pc)
	if err := delta.Validate(known); err != nil {
		return nil, err
	}

	data, err := marshalJSONArtifact(delta)
	if err != nil {
		return nil, err
	}
	ref, err := pc.Store.WriteArtifact(pc.JobDir, "E", GraphDeltaName, data)
	if err != nil {
		return nil, err
	}

	err = adapters.Retry(ctx, "pass_E.apply", pc.Policy.Retry, pc.Log(), func() error {
		return pc.Adapters.Graph.ApplyDelta(ctx, delta)
	})
	if err != nil {
		return nil, err
	}

	pc.Log().Info("graph delta applied",
		"nodes", len(delta.NodesUpsert), "edges", len(delta.EdgesUpsert), "removed", len(delta.NodesRemove))
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(delta.NodesUpsert) + len(delta.EdgesUpsert),
		Artifacts:      []artifact.Ref{ref},
	}, nil
}

func (p GraphPass) buildDelta(pc *pipeline.Context, chunks []Chunk, records []VectorRecord) (graph.Delta, error) {
	b := graph.NewBuilder(pc.SourceID, pc.JobID)

	// Every current section is upserted, changed or not: section nodes
	// are cheap, upserts are idempotent, and this keeps part_of edges
	// and chunk containment valid without consulting the sink.
	for _, sec := range pc.Sections {
		b.AddNode(graph.Node{
			ID:    graph.SectionNodeID(sec.SectionID),
			Kind:  graph.NodeSection,
			Label: sec.Title,
			Properties: map[string]string{
				"source_id":  pc.SourceID,
				"depth":      strconv.Itoa(sec.Depth),
				"page_start": strconv.Itoa(sec.PageStart),
				"page_end":   strconv.Itoa(sec.PageEnd),
			},
		})
		if sec.ParentID != "" {
			b.AddEdge(graph.SectionNodeID(sec.SectionID), graph.SectionNodeID(sec.ParentID), graph.EdgePartOf)
		}
	}

	byChunk := make(map[string]VectorRecord, len(records))
	for _, r := range records {
		byChunk[r.ChunkID] = r
	}

	for _, c := range chunks {
		chunkNode := graph.ChunkNodeID(c.ChunkID)
		b.AddNode(graph.Node{
			ID:    chunkNode,
			Kind:  graph.NodeChunk,
			Label: c.SectionID + "#" + strconv.Itoa(c.OrdinalInSection),
			Properties: map[string]string{
				"source_id":  c.SourceID,
				"section_id": c.SectionID,
				"kind":       c.Kind,
				"page_start": strconv.Itoa(c.PageSpan[0]),
				"page_end":   strconv.Itoa(c.PageSpan[1]),
			},
		})
		b.AddEdge(graph.SectionNodeID(c.SectionID), chunkNode, graph.EdgeContains)

		rec, ok := byChunk[c.ChunkID]
		if !ok {
			return graph.Delta{}, fault.Newf(fault.IntegrityViolation, "pass_E",
				"chunk %s has no vector record", c.ChunkID)
		}
		for _, ent := range rec.Entities {
			id := graph.EntityID(ent)
			if !b.HasNode(id) {
				b.AddNode(graph.Node{
					ID: id, Kind: graph.NodeEntity, Label: ent,
					Properties: map[string]string{"source_id": pc.SourceID},
				})
			}
			b.AddEdge(chunkNode, id, graph.EdgeRefersTo)
		}
		for _, kw := range rec.Keywords {
			id := graph.ConceptID(kw)
			if !b.HasNode(id) {
				b.AddNode(graph.Node{
					ID: id, Kind: graph.NodeConcept, Label: kw,
					Properties: map[string]string{"source_id": pc.SourceID},
				})
			}
			b.AddEdge(chunkNode, id, graph.EdgeCites)
		}
	}

	if err := p.stageRemovals(pc, b); err != nil {
		return graph.Delta{}, err
	}
	return b.Build(), nil
}

// stageRemovals schedules obsolete prior-run sections and their chunks
// for removal. The prior job's chunks.jsonl is the source of truth for
// which chunk nodes belonged to a vanished section.
func (GraphPass) stageRemovals(pc *pipeline.Context, b *graph.Builder) error {
	if pc.Plan == nil || len(pc.Plan.Obsolete) == 0 {
		return nil
	}

	obsolete := make(map[string]bool, len(pc.Plan.Obsolete))
	for _, id := range pc.Plan.Obsolete {
		obsolete[id] = true
		b.RemoveNode(graph.SectionNodeID(id))
	}

	priorChunks, err := readPriorChunks(pc)
	if err != nil {
		return err
	}
	for _, c := range priorChunks {
		if obsolete[c.SectionID] {
			b.RemoveNode(graph.ChunkNodeID(c.ChunkID))
		}
	}
	return nil
}

// sinkLookup adapts the optional node checker into the validation
// callback. Without one, edges must resolve entirely within the delta.
func (GraphPass) sinkLookup(ctx context.Context, pc *pipeline.Context) func(string) bool {
	checker, ok := pc.Adapters.Graph.(adapters.GraphNodeChecker)
	if !ok {
		return nil
	}
	return func(id string) bool {
		has, err := checker.HasNode(ctx, id)
		return err == nil && has
	}
}

// readPriorChunks loads the prior job's chunk list for delta ingests.
func readPriorChunks(pc *pipeline.Context) ([]Chunk, error) {
	data, err := pc.Store.ReadArtifact(pc.PriorJobDir, "C", ChunksName)
	if err != nil {
		if fault.Is(err, fault.ArtifactMissing) {
			return nil, nil
		}
		return nil, err
	}
	chunks, err := decodeLines[Chunk](data)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_E", err)
	}
	return chunks, nil
}
