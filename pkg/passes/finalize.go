package passes

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/graph"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// AuditFilename is the audit log's name inside a job directory.
const AuditFilename = "audit.ndjson"

// FinalizePass (Pass F) settles the job: it re-verifies the artifact
// chain written so far, retires vectors of obsoleted chunks per the
// obsolete policy, sweeps orphaned temp files, and writes the run
// summary that later ingests of the same source report from on bypass.
type FinalizePass struct{}

func (FinalizePass) ID() pipeline.PassID { return pipeline.PassF }
func (FinalizePass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{
		{Pass: pipeline.PassC, Name: ChunksName},
		{Pass: pipeline.PassD, Name: VectorsName},
		{Pass: pipeline.PassE, Name: GraphDeltaName},
	}
}
func (FinalizePass) ProducedArtifacts() []string { return []string{RunSummaryName} }

func (p FinalizePass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	chunks, records, gd, err := p.loadArtifacts(pc)
	if err != nil {
		return nil, err
	}

	if err := p.checkIntegrity(pc, len(chunks)); err != nil {
		return nil, err
	}

	obsoleteCount, err := p.retireObsolete(ctx, pc)
	if err != nil {
		return nil, err
	}

	swept, err := artifact.SweepTmp(pc.JobDir)
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		pc.Warnf("swept %d orphaned temp files", swept)
	}

	m := pc.Manifest.Snapshot()
	summary := RunSummary{
		JobID:          pc.JobID,
		SourceID:       pc.SourceID,
		Environment:    pc.Environment,
		ChunkCount:     len(chunks),
		VectorCount:    len(records),
		GraphNodeCount: len(gd.NodesUpsert),
		GraphEdgeCount: len(gd.EdgesUpsert),
		ObsoleteChunks: obsoleteCount,
		SweptTmpFiles:  swept,
		DurationMS:     time.Since(m.CreatedAt).Milliseconds(),
		Delta:          pc.Plan,
	}

	data, err := marshalJSONArtifact(summary)
	if err != nil {
		return nil, err
	}
	ref, err := pc.Store.WriteArtifact(pc.JobDir, "F", RunSummaryName, data)
	if err != nil {
		return nil, err
	}

	pc.Log().Info("job finalized",
		"chunks", summary.ChunkCount, "vectors", summary.VectorCount,
		"obsolete_chunks", obsoleteCount, "duration_ms", summary.DurationMS)
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: 1,
		Artifacts:      []artifact.Ref{ref},
	}, nil
}

func (FinalizePass) loadArtifacts(pc *pipeline.Context) ([]Chunk, []VectorRecord, graph.Delta, error) {
	chunkData, err := pc.Store.ReadArtifact(pc.JobDir, "C", ChunksName)
	if err != nil {
		return nil, nil, graph.Delta{}, err
	}
	chunks, err := decodeLines[Chunk](chunkData)
	if err != nil {
		return nil, nil, graph.Delta{}, fault.Wrap(fault.IntegrityViolation, "pass_F", err)
	}

	vecData, err := pc.Store.ReadArtifact(pc.JobDir, "D", VectorsName)
	if err != nil {
		return nil, nil, graph.Delta{}, err
	}
	records, err := decodeLines[VectorRecord](vecData)
	if err != nil {
		return nil, nil, graph.Delta{}, fault.Wrap(fault.IntegrityViolation, "pass_F", err)
	}

	gdData, err := pc.Store.ReadArtifact(pc.JobDir, "E", GraphDeltaName)
	if err != nil {
		return nil, nil, graph.Delta{}, err
	}
	var gd graph.Delta
	if err := json.Unmarshal(gdData, &gd); err != nil {
		return nil, nil, graph.Delta{}, fmt.Errorf("pass_F: decode %s: %w", GraphDeltaName, err)
	}
	return chunks, records, gd, nil
}

// checkIntegrity cross-checks the artifact tree against the manifest
// and the audit chain before the job is declared settled.
func (FinalizePass) checkIntegrity(pc *pipeline.Context, chunkLines int) error {
	m := pc.Manifest.Snapshot()
	if ps, ok := m.PassStates[string(pipeline.PassC)]; ok && ps.ProcessedCount != chunkLines {
		return fault.Newf(fault.IntegrityViolation, "pass_F",
			"chunks.jsonl has %d lines, manifest recorded %d", chunkLines, ps.ProcessedCount)
	}
	return audit.Verify(filepath.Join(pc.JobDir, AuditFilename))
}

// retireObsolete applies the obsolete policy to chunks of sections the
// plan dropped: hard_delete removes their vectors, soft_mark retires
// them in place. A sink that cannot purge downgrades to a warning.
func (FinalizePass) retireObsolete(ctx context.Context, pc *pipeline.Context) (int, error) {
	if pc.Plan == nil || len(pc.Plan.Obsolete) == 0 {
		return 0, nil
	}

	obsolete := make(map[string]bool, len(pc.Plan.Obsolete))
	for _, id := range pc.Plan.Obsolete {
		obsolete[id] = true
	}

	priorChunks, err := readPriorChunks(pc)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, c := range priorChunks {
		if obsolete[c.SectionID] {
			ids = append(ids, c.ChunkID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	purger, ok := pc.Adapters.Vectors.(adapters.VectorPurger)
	if !ok {
		pc.Warnf("vector sink cannot purge, %d obsolete chunks left in place", len(ids))
		return len(ids), nil
	}

	err = adapters.Retry(ctx, "pass_F.purge", pc.Policy.Retry, pc.Log(), func() error {
		if pc.Policy.ObsoletePolicy == pipeline.ObsoleteHardDelete {
			return purger.Delete(ctx, ids)
		}
		return purger.MarkObsolete(ctx, ids)
	})
	if err != nil {
		return 0, err
	}

	pc.Log().Info("obsolete chunks retired",
		"count", len(ids), "policy", string(pc.Policy.ObsoletePolicy))
	return len(ids), nil
}
