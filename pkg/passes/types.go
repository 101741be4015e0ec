// Package passes implements the seven pipeline stages. Each pass reads
// the artifacts of its predecessors from the job directory, performs
// its slice of the enrichment, and writes artifacts with deterministic
// content: identical inputs yield byte-identical (and therefore
// SHA-identical) outputs.
package passes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/octavolabs/octavo/pkg/canonical"
	"github.com/octavolabs/octavo/pkg/delta"
	"github.com/octavolabs/octavo/pkg/fingerprint"
)

// Artifact names inside the job directory. Consumers depend on these
// exact paths.
const (
	TOCName              = "toc.json"
	SplitIndexName       = "split_index.json"
	ChunksName           = "chunks.jsonl"
	PageFingerprintsName = "page_fingerprints.json"
	VectorsName          = "vectors.jsonl"
	GraphDeltaName       = "graph_delta.json"
	RunSummaryName       = "run_summary.json"
	ValidationReportName = "validation_report.json"
)

// TOCSection is one logical section resolved by Pass A. Page numbers
// are 1-based and inclusive.
type TOCSection struct {
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
	Depth     int    `json:"depth"`
	ParentID  string `json:"parent_id,omitempty"`
}

// TOC is the Pass A artifact.
type TOC struct {
	SourceID  string       `json:"source_id"`
	PageCount int          `json:"page_count"`
	Sections  []TOCSection `json:"sections"`
}

// SectionFor returns the most specific section covering a page, or the
// zero value when nothing covers it.
func (t TOC) SectionFor(page int) (TOCSection, bool) {
	var best TOCSection
	found := false
	for _, s := range t.Sections {
		if page < s.StartPage || page > s.EndPage {
			continue
		}
		if !found || s.Depth > best.Depth {
			best, found = s, true
		}
	}
	return best, found
}

// SplitPart maps one Pass B part file onto its page range.
type SplitPart struct {
	Index      int      `json:"index"`
	Name       string   `json:"name"` // relative to pass_B/, e.g. "parts/0001.pdf"
	PageStart  int      `json:"page_start"`
	PageEnd    int      `json:"page_end"`
	SectionIDs []string `json:"section_ids"`
}

// SplitIndex is the Pass B artifact. Parts is empty when the source was
// small enough to skip splitting.
type SplitIndex struct {
	SourceID string      `json:"source_id"`
	Parts    []SplitPart `json:"parts"`
}

// Chunk is the smallest extracted unit, one line of chunks.jsonl.
type Chunk struct {
	ChunkID          string `json:"chunk_id"`
	SourceID         string `json:"source_id"`
	SectionID        string `json:"section_id"`
	PageSpan         [2]int `json:"page_span"`
	Text             string `json:"text"`
	Kind             string `json:"kind"`
	OrdinalInSection int    `json:"ordinal_in_section"`
}

// PageFingerprints is the Pass C page-level digest artifact.
type PageFingerprints struct {
	SourceID string                        `json:"source_id"`
	Pages    []fingerprint.PageFingerprint `json:"pages"`
}

// VectorRecord augments one chunk with its embedding, one line of
// vectors.jsonl.
type VectorRecord struct {
	ChunkID          string    `json:"chunk_id"`
	EmbeddingModelID string    `json:"embedding_model_id"`
	Embedding        []float32 `json:"embedding"`
	Keywords         []string  `json:"keywords"`
	Entities         []string  `json:"entities"`
	ChunkHash        string    `json:"chunk_hash"`
}

// RunSummary is the Pass F artifact with the job's aggregate counters.
type RunSummary struct {
	JobID          string      `json:"job_id"`
	SourceID       string      `json:"source_id"`
	Environment    string      `json:"environment"`
	ChunkCount     int         `json:"chunk_count"`
	VectorCount    int         `json:"vector_count"`
	GraphNodeCount int         `json:"graph_node_count"`
	GraphEdgeCount int         `json:"graph_edge_count"`
	ObsoleteChunks int         `json:"obsolete_chunks"`
	SweptTmpFiles  int         `json:"swept_tmp_files"`
	DurationMS     int64       `json:"duration_ms"`
	Delta          *delta.Plan `json:"delta,omitempty"`
}

// RuleResult is one evaluated validation rule in the Pass G report.
type RuleResult struct {
	Name     string `json:"name"`
	Expr     string `json:"expr"`
	Severity string `json:"severity"`
	Passed   bool   `json:"passed"`
}

// ValidationReport is the Pass G artifact.
type ValidationReport struct {
	Outcome      string             `json:"outcome"` // ok | warnings | failed
	ChunkCount   int                `json:"chunk_count"`
	VectorCount  int                `json:"vector_count"`
	Coverage     float64            `json:"coverage"`
	PageCoverage float64            `json:"page_coverage"`
	GraphNodes   int                `json:"graph_nodes"`
	GraphEdges   int                `json:"graph_edges"`
	SinkVectors  int                `json:"sink_vectors"`
	SinkNodes    int                `json:"sink_nodes"`
	SinkEdges    int                `json:"sink_edges"`
	Rules        []RuleResult       `json:"rules"`
}

// marshalJSONArtifact renders a value in canonical form with a trailing
// newline, the framing for every single-document JSON artifact.
func marshalJSONArtifact(v any) ([]byte, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// marshalLines renders a slice as canonical NDJSON.
func marshalLines[T any](items []T) ([]byte, error) {
	var buf []byte
	var err error
	for _, it := range items {
		buf, err = canonical.AppendLine(buf, it)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decodeJSON parses a single-document JSON artifact.
func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("passes: decode artifact: %w", err)
	}
	return nil
}

// decodeLines parses an NDJSON artifact.
func decodeLines[T any](data []byte) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return nil, fmt.Errorf("passes: line %d: %w", line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
