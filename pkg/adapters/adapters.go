// Package adapters isolates the pipeline core from every external
// capability it consumes: PDF extraction, language-model completion,
// embedding, and the vector and graph sinks. The core only sees the
// interfaces here; concrete backends (poppler, Anthropic, real sinks)
// and in-memory fakes both satisfy them.
//
// Sinks must be idempotent: upserts are keyed by stable ids and a replay
// of the same batch must converge to the same state.
package adapters

import (
	"context"

	"github.com/octavolabs/octavo/pkg/graph"
)

// BlockKind classifies one extracted layout block.
type BlockKind string

const (
	BlockTitle        BlockKind = "title"
	BlockParagraph    BlockKind = "paragraph"
	BlockList         BlockKind = "list"
	BlockTable        BlockKind = "table"
	BlockImageCaption BlockKind = "image_caption"
)

// ExtractedBlock is one layout unit of one page. BBox, when present, is
// [x0, y0, x1, y1] in page coordinates; text-only extractors leave it
// nil.
type ExtractedBlock struct {
	Page int       `json:"page"`
	Kind BlockKind `json:"kind"`
	Text string    `json:"text"`
	BBox []float64 `json:"bbox,omitempty"`
}

// PDFExtractor reads source documents. Errors must carry
// fault.SourceUnreadable for corrupt inputs and
// fault.ExternalUnavailable for transient tool failures.
type PDFExtractor interface {
	PageCount(ctx context.Context, path string) (int, error)
	Extract(ctx context.Context, path string) ([]ExtractedBlock, error)
}

// PageSplitter writes the page range [first, last] of src as a
// standalone document at dst. Implemented by extractors whose toolchain
// can slice documents; Pass B requires it only when splitting triggers.
type PageSplitter interface {
	SplitPages(ctx context.Context, src string, first, last int, dst string) error
}

// CompletionConfig tunes one language-model call.
type CompletionConfig struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// LanguageModel is the text-completion capability Pass A uses for
// heading recognition.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error)
}

// EmbeddingModel turns text batches into dense vectors. ID names the
// model so vectors from different models never mix silently.
type EmbeddingModel interface {
	ID() string
	Embed(ctx context.Context, batch []string) ([][]float32, error)
}

// VectorItem is one sink upsert, keyed by chunk id.
type VectorItem struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorSink persists embeddings. Upsert must be idempotent per item id.
type VectorSink interface {
	Upsert(ctx context.Context, items []VectorItem) error
}

// VectorPurger removes or retires obsoleted chunks. Optional; sinks
// without it force the soft-mark obsolete policy to a no-op with a
// warning.
type VectorPurger interface {
	Delete(ctx context.Context, ids []string) error
	MarkObsolete(ctx context.Context, ids []string) error
}

// VectorCounter exposes read-only sink state for validation.
type VectorCounter interface {
	VectorCount(ctx context.Context, sourceID string) (int, error)
}

// GraphSink applies a staged delta: all node upserts land before any
// edge, then removals detach and drop their nodes.
type GraphSink interface {
	ApplyDelta(ctx context.Context, delta graph.Delta) error
}

// GraphNodeChecker reports whether a node id is already persisted.
// Optional; used to validate edges that point at prior-run nodes during
// delta ingests.
type GraphNodeChecker interface {
	HasNode(ctx context.Context, id string) (bool, error)
}

// GraphCounter exposes read-only sink totals for validation.
type GraphCounter interface {
	GraphCounts(ctx context.Context, sourceID string) (nodes, edges int, err error)
}

// Bundle carries every capability a job needs, assembled once at
// startup and passed through the pipeline context. Splitter may be nil
// when the extractor cannot slice documents.
type Bundle struct {
	Extractor PDFExtractor
	Splitter  PageSplitter
	LLM       LanguageModel
	Embedder  EmbeddingModel
	Vectors   VectorSink
	Graph     GraphSink
}
