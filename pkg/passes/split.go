package passes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// SplitPass (Pass B) partitions oversized sources into section-aligned
// parts so extraction never holds a whole multi-hundred-page rulebook
// in one tool invocation. Sources at or under the threshold skip the
// pass (succeeded, zero processed) but still write an empty index so
// Pass C has a uniform input.
type SplitPass struct{}

func (SplitPass) ID() pipeline.PassID { return pipeline.PassB }
func (SplitPass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{{Pass: pipeline.PassA, Name: TOCName}}
}
func (SplitPass) ProducedArtifacts() []string { return []string{SplitIndexName} }

func (p SplitPass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	toc, err := readTOC(pc)
	if err != nil {
		return nil, err
	}

	// Strictly greater-than: a source exactly at the threshold stays
	// whole.
	if pc.SourceSize <= pc.Policy.SplitThresholdBytes {
		ref, err := p.writeIndex(pc, SplitIndex{SourceID: pc.SourceID, Parts: []SplitPart{}})
		if err != nil {
			return nil, err
		}
		pc.Log().Info("source under split threshold, not splitting",
			"size", pc.SourceSize, "threshold", pc.Policy.SplitThresholdBytes)
		return &pipeline.Result{
			Status:    manifest.StatusSucceeded,
			Artifacts: []artifact.Ref{ref},
		}, nil
	}

	splitter := pc.Adapters.Splitter
	if splitter == nil {
		return nil, fault.New(fault.Preflight, "pass_B",
			"source exceeds split threshold but the extractor cannot slice documents")
	}

	spans := planParts(toc, pc.SourceSize, pc.Policy.SplitThresholdBytes, pc.Policy.SplitUnaligned)
	if err := verifyCoverage(spans, toc.PageCount); err != nil {
		return nil, err
	}

	index := SplitIndex{SourceID: pc.SourceID}
	refs := make([]artifact.Ref, 0, len(spans)+1)
	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Cancelled, "pass_B", err)
		}

		name := fmt.Sprintf("parts/%04d.pdf", i+1)
		ref, err := stagePart(ctx, pc, splitter, name, span)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)

		index.Parts = append(index.Parts, SplitPart{
			Index:      i + 1,
			Name:       name,
			PageStart:  span.start,
			PageEnd:    span.end,
			SectionIDs: span.sectionIDs,
		})
	}

	idxRef, err := p.writeIndex(pc, index)
	if err != nil {
		return nil, err
	}
	refs = append(refs, idxRef)

	pc.Log().Info("source split into parts", "parts", len(index.Parts), "pages", toc.PageCount)
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(index.Parts),
		Artifacts:      refs,
	}, nil
}

func (SplitPass) writeIndex(pc *pipeline.Context, index SplitIndex) (artifact.Ref, error) {
	data, err := marshalJSONArtifact(index)
	if err != nil {
		return artifact.Ref{}, err
	}
	return pc.Store.WriteArtifact(pc.JobDir, "B", SplitIndexName, data)
}

// stagePart has the splitter write the page range to a staging file,
// then commits the bytes through the artifact store so the part gets
// the same atomic-write and SHA discipline as every other artifact. The
// staging file carries the .tmp suffix, so a crash here is cleaned by
// the next sweep.
func stagePart(ctx context.Context, pc *pipeline.Context, splitter adapters.PageSplitter, name string, span pageSpan) (artifact.Ref, error) {
	final := pc.Store.ArtifactPath(pc.JobDir, "B", name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return artifact.Ref{}, fmt.Errorf("pass_B: ensure parts dir: %w", err)
	}
	staging := final + ".tmp"
	if err := splitter.SplitPages(ctx, pc.SourcePath, span.start, span.end, staging); err != nil {
		return artifact.Ref{}, err
	}
	data, err := os.ReadFile(staging)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("pass_B: read staged part: %w", err)
	}
	if err := os.Remove(staging); err != nil {
		return artifact.Ref{}, fmt.Errorf("pass_B: unstage part: %w", err)
	}
	return pc.Store.WriteArtifact(pc.JobDir, "B", name, data)
}

type pageSpan struct {
	start, end int
	sectionIDs []string
}

// planParts groups top-level sections into contiguous page spans of
// roughly equal page count, never cutting inside a section. The part
// count is the minimum needed to bring each part under the byte
// threshold, assuming pages are uniformly sized. With unaligned set
// the planner ignores section edges and cuts fixed-size page spans
// instead, which keeps parts balanced when one section dwarfs the
// rest.
func planParts(toc TOC, sourceSize, threshold int64, unaligned bool) []pageSpan {
	targetParts := int((sourceSize + threshold - 1) / threshold)
	if targetParts < 2 {
		targetParts = 2
	}
	pagesPerPart := (toc.PageCount + targetParts - 1) / targetParts

	if unaligned {
		return fixedSpans(toc, pagesPerPart)
	}

	tops := topLevelSpans(toc)

	var spans []pageSpan
	cur := pageSpan{start: 1}
	pages := 0
	for i, sec := range tops {
		cur.end = sec.EndPage
		cur.sectionIDs = append(cur.sectionIDs, sec.SectionID)
		pages += sec.EndPage - sec.StartPage + 1

		last := i == len(tops)-1
		if (pages >= pagesPerPart && !last) || last {
			spans = append(spans, cur)
			cur = pageSpan{start: sec.EndPage + 1}
			pages = 0
		}
	}
	return spans
}

// fixedSpans tiles the page range into spans of exactly pagesPerPart
// pages (the last one takes the remainder), tagging each span with
// every section it overlaps.
func fixedSpans(toc TOC, pagesPerPart int) []pageSpan {
	var spans []pageSpan
	for start := 1; start <= toc.PageCount; start += pagesPerPart {
		span := pageSpan{start: start, end: min(start+pagesPerPart-1, toc.PageCount)}
		for _, sec := range toc.Sections {
			if sec.StartPage <= span.end && sec.EndPage >= span.start {
				span.sectionIDs = append(span.sectionIDs, sec.SectionID)
			}
		}
		spans = append(spans, span)
	}
	return spans
}

// topLevelSpans returns the minimum-depth sections, padded so that
// together they tile the full page range even when the TOC leaves gaps
// (front matter before the first chapter, trailing index pages).
func topLevelSpans(toc TOC) []TOCSection {
	minDepth := 0
	for _, s := range toc.Sections {
		if minDepth == 0 || s.Depth < minDepth {
			minDepth = s.Depth
		}
	}
	var tops []TOCSection
	for _, s := range toc.Sections {
		if s.Depth == minDepth {
			tops = append(tops, s)
		}
	}
	sort.SliceStable(tops, func(i, j int) bool { return tops[i].StartPage < tops[j].StartPage })

	var tiled []TOCSection
	next := 1
	for _, s := range tops {
		if s.StartPage > next {
			s.StartPage = next // absorb the gap into this section's part
		}
		if s.StartPage < next {
			s.StartPage = next // overlap from sloppy TOC: clamp forward
		}
		if s.EndPage < s.StartPage {
			continue
		}
		tiled = append(tiled, s)
		next = s.EndPage + 1
	}
	if len(tiled) == 0 {
		return []TOCSection{{SectionID: "sec-001-document", StartPage: 1, EndPage: toc.PageCount, Depth: 1}}
	}
	if next <= toc.PageCount {
		tiled[len(tiled)-1].EndPage = toc.PageCount
	}
	return tiled
}

// verifyCoverage enforces the part invariant: the union of part page
// ranges equals the source page range with no overlap.
func verifyCoverage(spans []pageSpan, pageCount int) error {
	next := 1
	for _, s := range spans {
		if s.start != next {
			return fault.Newf(fault.IntegrityViolation, "pass_B",
				"part coverage gap or overlap at page %d (expected %d)", s.start, next)
		}
		if s.end < s.start {
			return fault.Newf(fault.IntegrityViolation, "pass_B",
				"part with empty page range %d-%d", s.start, s.end)
		}
		next = s.end + 1
	}
	if next != pageCount+1 {
		return fault.Newf(fault.IntegrityViolation, "pass_B",
			"parts cover pages up to %d, source has %d", next-1, pageCount)
	}
	return nil
}

func readTOC(pc *pipeline.Context) (TOC, error) {
	data, err := pc.Store.ReadArtifact(pc.JobDir, "A", TOCName)
	if err != nil {
		return TOC{}, err
	}
	var toc TOC
	if err := json.Unmarshal(data, &toc); err != nil {
		return TOC{}, fmt.Errorf("pass_B: decode %s: %w", TOCName, err)
	}
	return toc, nil
}
