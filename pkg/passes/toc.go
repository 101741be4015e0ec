package passes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/graph"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// maxHeadingCandidates bounds the prompt size for very long rulebooks.
const maxHeadingCandidates = 400

const tocSystemPrompt = `You reconstruct the table of contents of a tabletop RPG rulebook
from candidate headings. Reply with a JSON array only, no prose. Each
element: {"title": string, "start_page": int, "depth": int} with depth 1
for chapters and 2 for subsections. Keep document order. Ignore running
headers, page furniture, and stat-block labels.`

// TOCPass (Pass A) resolves the logical structure of the source
// document. Heading candidates come from layout extraction; a language
// model arbitrates which are real sections. A document with no
// discoverable structure yields a single whole-document section and
// still succeeds.
type TOCPass struct{}

func (TOCPass) ID() pipeline.PassID            { return pipeline.PassA }
func (TOCPass) RequiredInputs() []pipeline.Input { return nil }
func (TOCPass) ProducedArtifacts() []string    { return []string{TOCName} }

func (p TOCPass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	ex := pc.Adapters.Extractor

	pageCount, err := ex.PageCount(ctx, pc.SourcePath)
	if err != nil {
		return nil, err
	}
	if pageCount == 0 {
		return nil, fault.Newf(fault.SourceUnreadable, "pass_A", "%s has no pages", pc.SourcePath)
	}

	blocks, err := ex.Extract(ctx, pc.SourcePath)
	if err != nil {
		return nil, err
	}

	candidates := headingCandidates(blocks)
	var sections []TOCSection
	if len(candidates) == 0 {
		pc.Log().Info("no heading candidates, using whole-document section")
		sections = wholeDocumentSection(pageCount)
	} else {
		sections, err = p.resolveSections(ctx, pc, candidates, pageCount)
		if err != nil {
			return nil, err
		}
	}

	toc := TOC{SourceID: pc.SourceID, PageCount: pageCount, Sections: sections}
	data, err := marshalJSONArtifact(toc)
	if err != nil {
		return nil, err
	}
	ref, err := pc.Store.WriteArtifact(pc.JobDir, "A", TOCName, data)
	if err != nil {
		return nil, err
	}

	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(sections),
		Artifacts:      []artifact.Ref{ref},
	}, nil
}

// resolveSections asks the language model to pick real sections from
// the candidates. An unusable reply degrades to the whole-document
// fallback; only a persistently unavailable model fails the pass.
func (p TOCPass) resolveSections(ctx context.Context, pc *pipeline.Context, candidates []headingCandidate, pageCount int) ([]TOCSection, error) {
	prompt := buildTOCPrompt(candidates, pageCount)

	var reply string
	err := adapters.Retry(ctx, "pass_A.llm", pc.Policy.Retry, pc.Log(), func() error {
		var cerr error
		reply, cerr = pc.Adapters.LLM.Complete(ctx, prompt, adapters.CompletionConfig{
			System:    tocSystemPrompt,
			MaxTokens: 4096,
		})
		return cerr
	})
	if err != nil {
		return nil, err
	}

	raw, ok := parseTOCReply(reply)
	if !ok || len(raw) == 0 {
		pc.Warnf("model reply had no usable TOC, falling back to whole-document section")
		return wholeDocumentSection(pageCount), nil
	}
	return normalizeSections(raw, pageCount), nil
}

type headingCandidate struct {
	Page int
	Text string
}

func headingCandidates(blocks []adapters.ExtractedBlock) []headingCandidate {
	var out []headingCandidate
	for _, b := range blocks {
		if b.Kind != adapters.BlockTitle {
			continue
		}
		out = append(out, headingCandidate{Page: b.Page, Text: strings.TrimSpace(b.Text)})
		if len(out) == maxHeadingCandidates {
			break
		}
	}
	return out
}

func buildTOCPrompt(candidates []headingCandidate, pageCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document has %d pages. Candidate headings (page: text):\n", pageCount)
	for _, c := range candidates {
		fmt.Fprintf(&b, "%d: %s\n", c.Page, c.Text)
	}
	return b.String()
}

// rawSection is the model's reply element.
type rawSection struct {
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	Depth     int    `json:"depth"`
}

// parseTOCReply extracts the JSON array from a model reply, tolerating
// surrounding prose and code fences.
func parseTOCReply(reply string) ([]rawSection, bool) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var out []rawSection
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

// normalizeSections clamps pages, orders sections, derives end pages
// from the next section at the same or shallower depth, assigns stable
// ids, and links parents.
func normalizeSections(raw []rawSection, pageCount int) []TOCSection {
	var kept []rawSection
	for _, r := range raw {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		if r.StartPage < 1 {
			r.StartPage = 1
		}
		if r.StartPage > pageCount {
			continue
		}
		if r.Depth < 1 {
			r.Depth = 1
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return wholeDocumentSection(pageCount)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].StartPage < kept[j].StartPage })

	sections := make([]TOCSection, len(kept))
	for i, r := range kept {
		end := pageCount
		for j := i + 1; j < len(kept); j++ {
			if kept[j].Depth <= r.Depth {
				end = kept[j].StartPage - 1
				break
			}
		}
		if end < r.StartPage {
			end = r.StartPage
		}
		sections[i] = TOCSection{
			SectionID: fmt.Sprintf("sec-%03d-%s", i+1, graph.Slug(r.Title)),
			Title:     strings.TrimSpace(r.Title),
			StartPage: r.StartPage,
			EndPage:   end,
			Depth:     r.Depth,
		}
	}

	// Parent = nearest preceding section with a shallower depth.
	for i := range sections {
		for j := i - 1; j >= 0; j-- {
			if sections[j].Depth < sections[i].Depth {
				sections[i].ParentID = sections[j].SectionID
				break
			}
		}
	}
	return sections
}

func wholeDocumentSection(pageCount int) []TOCSection {
	return []TOCSection{{
		SectionID: "sec-001-document",
		Title:     "Document",
		StartPage: 1,
		EndPage:   pageCount,
		Depth:     1,
	}}
}
