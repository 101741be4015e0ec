package passes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// maxKeywords and maxEntities bound the enrichment fields per chunk.
const (
	maxKeywords = 8
	maxEntities = 8
)

// VectorizePass (Pass D) embeds every chunk, enriches it with keywords
// and surface entities, writes vectors.jsonl, and upserts the batch
// into the vector sink. Upserts are idempotent per chunk id, so a
// replayed pass converges to the same sink state.
type VectorizePass struct{}

func (VectorizePass) ID() pipeline.PassID { return pipeline.PassD }
func (VectorizePass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{{Pass: pipeline.PassC, Name: ChunksName}}
}
func (VectorizePass) ProducedArtifacts() []string { return []string{VectorsName} }

func (p VectorizePass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	data, err := pc.Store.ReadArtifact(pc.JobDir, "C", ChunksName)
	if err != nil {
		return nil, err
	}
	chunks, err := decodeLines[Chunk](data)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_D", err)
	}

	embedder := pc.Adapters.Embedder
	if embedder == nil {
		return nil, fault.New(fault.Preflight, "pass_D", "no embedding model configured")
	}

	records := make([]VectorRecord, 0, len(chunks))
	items := make([]adapters.VectorItem, 0, len(chunks))
	batchSize := pc.Policy.VectorBatchSize

	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		var vectors [][]float32
		err := adapters.Retry(ctx, "pass_D.embed", pc.Policy.Retry, pc.Log(), func() error {
			var cerr error
			vectors, cerr = embedder.Embed(ctx, texts)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fault.Newf(fault.IntegrityViolation, "pass_D",
				"embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		for i, c := range batch {
			records = append(records, VectorRecord{
				ChunkID:          c.ChunkID,
				EmbeddingModelID: embedder.ID(),
				Embedding:        vectors[i],
				Keywords:         extractKeywords(c.Text, maxKeywords),
				Entities:         extractEntities(c.Text, maxEntities),
				ChunkHash:        chunkHash(c.Text),
			})
			items = append(items, adapters.VectorItem{
				ID:     c.ChunkID,
				Vector: vectors[i],
				Metadata: map[string]string{
					"source_id":          c.SourceID,
					"section_id":         c.SectionID,
					"kind":               c.Kind,
					"embedding_model_id": embedder.ID(),
					"job_id":             pc.JobID,
					"page_start":         strconv.Itoa(c.PageSpan[0]),
					"page_end":           strconv.Itoa(c.PageSpan[1]),
				},
			})
		}
	}

	recData, err := marshalLines(records)
	if err != nil {
		return nil, err
	}
	ref, err := pc.Store.WriteArtifact(pc.JobDir, "D", VectorsName, recData)
	if err != nil {
		return nil, err
	}

	// Sink upserts happen after the artifact lands: a crash between the
	// two leaves a replayable artifact, never a sink-only state.
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batch := items[start:end]
		err := adapters.Retry(ctx, "pass_D.upsert", pc.Policy.Retry, pc.Log(), func() error {
			return pc.Adapters.Vectors.Upsert(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
	}

	pc.Log().Info("vectorization complete", "vectors", len(records), "model", embedder.ID())
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(records),
		Artifacts:      []artifact.Ref{ref},
	}, nil
}

func chunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// stopwords excluded from keyword extraction. Small on purpose: the
// corpus is rulebook prose, not open-domain text.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "if": true, "in": true, "is": true, "it": true, "its": true,
	"may": true, "not": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "their": true, "then": true, "they": true, "this": true,
	"to": true, "when": true, "which": true, "with": true, "you": true, "your": true,
}

// extractKeywords returns the most frequent non-stopword terms, ties
// broken alphabetically so the output is deterministic.
func extractKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > limit {
		terms = terms[:limit]
	}
	sort.Strings(terms)
	return terms
}

// extractEntities collects capitalized runs of two or more words that
// do not open a sentence, the usual surface form of named game terms.
func extractEntities(text string, limit int) []string {
	words := strings.Fields(text)
	seen := make(map[string]bool)
	var out []string

	var run []string
	sentenceStart := true
	flush := func() {
		if len(run) >= 2 {
			ent := strings.Join(run, " ")
			if !seen[ent] {
				seen[ent] = true
				out = append(out, ent)
			}
		}
		run = nil
	}

	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		capitalized := trimmed != "" && unicode.IsUpper([]rune(trimmed)[0])

		if capitalized && !sentenceStart {
			run = append(run, trimmed)
		} else if capitalized && sentenceStart && len(run) > 0 {
			run = append(run, trimmed)
		} else {
			flush()
		}
		sentenceStart = strings.ContainsAny(w, ".!?:")
	}
	flush()

	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
