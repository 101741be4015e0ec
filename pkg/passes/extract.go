package passes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/delta"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/fingerprint"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// maxChunkChars caps the merged text size of one chunk. Table blocks
// always stand alone regardless of size.
const maxChunkChars = 1800

// ExtractPass (Pass C) turns the source (or its parts) into chunks. It
// also owns fingerprinting: page and section digests land in the
// manifest here, and when a prior run is available the re-pass plan is
// computed and the admission decision refined with the concrete
// changed-section set.
type ExtractPass struct{}

func (ExtractPass) ID() pipeline.PassID { return pipeline.PassC }
func (ExtractPass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{
		{Pass: pipeline.PassA, Name: TOCName},
		{Pass: pipeline.PassB, Name: SplitIndexName},
	}
}
func (ExtractPass) ProducedArtifacts() []string {
	return []string{ChunksName, PageFingerprintsName}
}

func (p ExtractPass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	toc, err := readTOC(pc)
	if err != nil {
		return nil, err
	}
	index, err := readSplitIndex(pc)
	if err != nil {
		return nil, err
	}

	blocks, err := p.extractBlocks(ctx, pc, index)
	if err != nil {
		return nil, err
	}

	pageText := joinPageText(blocks)
	pageFPs := pageFingerprints(toc, pageText)
	sections := sectionFingerprints(toc, pageFPs)

	pc.Sections = sections
	if err := pc.Manifest.SetSectionFingerprints(sections); err != nil {
		return nil, err
	}

	if pc.DeltaMode() {
		if err := p.planDelta(pc, sections); err != nil {
			return nil, err
		}
	}

	chunks := chunkBlocks(pc.SourceID, toc, blocks, pc.Plan)

	if len(chunks) == 0 && toc.PageCount > 0 && (pc.Plan == nil || pc.Plan.FullRebuild) {
		return nil, fault.Newf(fault.IntegrityViolation, "pass_C",
			"%d-page source produced zero chunks", toc.PageCount)
	}

	chunkData, err := marshalLines(chunks)
	if err != nil {
		return nil, err
	}
	chunkRef, err := pc.Store.WriteArtifact(pc.JobDir, "C", ChunksName, chunkData)
	if err != nil {
		return nil, err
	}

	fpData, err := marshalJSONArtifact(PageFingerprints{SourceID: pc.SourceID, Pages: pageFPs})
	if err != nil {
		return nil, err
	}
	fpRef, err := pc.Store.WriteArtifact(pc.JobDir, "C", PageFingerprintsName, fpData)
	if err != nil {
		return nil, err
	}

	pc.Log().Info("extraction complete",
		"pages", toc.PageCount, "sections", len(sections), "chunks", len(chunks),
		"delta", pc.Plan != nil && !pc.Plan.FullRebuild)
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(chunks),
		Artifacts:      []artifact.Ref{chunkRef, fpRef},
	}, nil
}

// extractBlocks reads layout blocks from the whole source, or from each
// part with page numbers shifted back into source coordinates.
func (ExtractPass) extractBlocks(ctx context.Context, pc *pipeline.Context, index SplitIndex) ([]adapters.ExtractedBlock, error) {
	ex := pc.Adapters.Extractor
	if len(index.Parts) == 0 {
		return ex.Extract(ctx, pc.SourcePath)
	}

	var all []adapters.ExtractedBlock
	for _, part := range index.Parts {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Cancelled, "pass_C", err)
		}
		path := pc.Store.ArtifactPath(pc.JobDir, "B", part.Name)
		blocks, err := ex.Extract(ctx, path)
		if err != nil {
			return nil, err
		}
		offset := part.PageStart - 1
		for _, b := range blocks {
			b.Page += offset
			all = append(all, b)
		}
	}
	return all, nil
}

// planDelta computes the re-pass plan against the prior run and records
// the resolved changed-section set in the manifest. A plan that hits
// the rebuild boundary demotes the admission to a full run.
func (ExtractPass) planDelta(pc *pipeline.Context, sections []fingerprint.SectionFingerprint) error {
	plan := delta.Compute(sections, pc.PriorSections, delta.Options{
		SimilarityThreshold:  pc.Policy.SimilarityThreshold,
		FullRebuildThreshold: pc.Policy.FullRebuildThreshold,
	})
	pc.Plan = plan

	gate := manifest.GateDecision{
		Kind:            "DELTA",
		PriorJobID:      pc.PriorJobID,
		ChangedSections: plan.Changed,
	}
	if plan.FullRebuild {
		gate.Kind = "PROCEED"
		pc.Log().Info("changed fraction at rebuild boundary, running full",
			"changed", len(plan.Changed), "unchanged", len(plan.Unchanged))
	} else {
		pc.Log().Info("delta plan resolved",
			"changed", len(plan.Changed), "unchanged", len(plan.Unchanged), "obsolete", len(plan.Obsolete))
	}
	return pc.Manifest.UpdateGateDecision(gate)
}

// joinPageText merges a page's blocks into one text body, in block
// order, for fingerprinting.
func joinPageText(blocks []adapters.ExtractedBlock) map[int]string {
	parts := make(map[int][]string)
	for _, b := range blocks {
		parts[b.Page] = append(parts[b.Page], b.Text)
	}
	out := make(map[int]string, len(parts))
	for page, texts := range parts {
		out[page] = strings.Join(texts, "\n")
	}
	return out
}

// pageFingerprints digests every page 1..page_count. Pages the
// extractor produced nothing for hash the empty string, which keeps the
// page axis dense and comparable across runs.
func pageFingerprints(toc TOC, pageText map[int]string) []fingerprint.PageFingerprint {
	fps := make([]fingerprint.PageFingerprint, 0, toc.PageCount)
	for page := 1; page <= toc.PageCount; page++ {
		fp := fingerprint.PageFingerprint{
			PageNumber: page,
			PageSHA:    fingerprint.PageSHA(pageText[page]),
		}
		if sec, ok := toc.SectionFor(page); ok {
			fp.SectionID = sec.SectionID
		}
		fps = append(fps, fp)
	}
	return fps
}

// sectionFingerprints folds the ordered page digests of each section
// into section digests, in TOC order.
func sectionFingerprints(toc TOC, pageFPs []fingerprint.PageFingerprint) []fingerprint.SectionFingerprint {
	byPage := make(map[int]string, len(pageFPs))
	for _, fp := range pageFPs {
		byPage[fp.PageNumber] = fp.PageSHA
	}

	out := make([]fingerprint.SectionFingerprint, 0, len(toc.Sections))
	for _, sec := range toc.Sections {
		var shas []string
		for page := sec.StartPage; page <= sec.EndPage; page++ {
			shas = append(shas, byPage[page])
		}
		out = append(out, fingerprint.SectionFingerprint{
			SectionID:  sec.SectionID,
			Title:      sec.Title,
			Depth:      sec.Depth,
			ParentID:   sec.ParentID,
			PageStart:  sec.StartPage,
			PageEnd:    sec.EndPage,
			SectionSHA: fingerprint.SectionSHA(shas),
		})
	}
	return out
}

// chunkBlocks groups blocks into chunks per section, honoring the
// re-pass plan: sections the plan marks unchanged produce no chunks.
func chunkBlocks(sourceID string, toc TOC, blocks []adapters.ExtractedBlock, plan *delta.Plan) []Chunk {
	bySection := make(map[string][]adapters.ExtractedBlock)
	var order []string
	for _, b := range blocks {
		sec, ok := toc.SectionFor(b.Page)
		if !ok || !plan.ShouldProcess(sec.SectionID) {
			continue
		}
		if _, seen := bySection[sec.SectionID]; !seen {
			order = append(order, sec.SectionID)
		}
		bySection[sec.SectionID] = append(bySection[sec.SectionID], b)
	}
	sort.Strings(order)

	var chunks []Chunk
	for _, secID := range order {
		chunks = append(chunks, chunkSection(sourceID, secID, bySection[secID])...)
	}
	return chunks
}

// chunkSection merges a section's blocks into chunks. Only adjacent
// blocks of the same kind merge, up to the size cap, so every chunk's
// kind is the kind of each block inside it and the vocabulary written
// to chunks.jsonl is exactly the extractor's: paragraph, list, table,
// image_caption. Tables stand alone regardless of size. Bare titles
// never become chunks: section structure already lives in toc.json, and
// repeating headings as retrieval units only dilutes the vector space.
func chunkSection(sourceID, sectionID string, blocks []adapters.ExtractedBlock) []Chunk {
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Page < blocks[j].Page })

	var chunks []Chunk
	ordinal := 0
	emit := func(text string, kind adapters.BlockKind, firstPage, lastPage int) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{
			ChunkID:          fingerprint.ChunkID(sourceID, sectionID, ordinal, text),
			SourceID:         sourceID,
			SectionID:        sectionID,
			PageSpan:         [2]int{firstPage, lastPage},
			Text:             text,
			Kind:             string(kind),
			OrdinalInSection: ordinal,
		})
		ordinal++
	}

	var buf strings.Builder
	var bufKind adapters.BlockKind
	bufFirst, bufLast := 0, 0
	flush := func() {
		emit(buf.String(), bufKind, bufFirst, bufLast)
		buf.Reset()
	}

	for _, b := range blocks {
		switch b.Kind {
		case adapters.BlockTitle:
			continue
		case adapters.BlockTable:
			flush()
			emit(b.Text, adapters.BlockTable, b.Page, b.Page)
		default:
			if buf.Len() > 0 && (b.Kind != bufKind || buf.Len()+len(b.Text) > maxChunkChars) {
				flush()
			}
			if buf.Len() == 0 {
				bufKind = b.Kind
				bufFirst = b.Page
			}
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(b.Text)
			bufLast = b.Page
		}
	}
	flush()
	return chunks
}

func readSplitIndex(pc *pipeline.Context) (SplitIndex, error) {
	data, err := pc.Store.ReadArtifact(pc.JobDir, "B", SplitIndexName)
	if err != nil {
		return SplitIndex{}, err
	}
	var index SplitIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return SplitIndex{}, fmt.Errorf("pass_C: decode %s: %w", SplitIndexName, err)
	}
	return index, nil
}
