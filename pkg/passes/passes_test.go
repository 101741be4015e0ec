package passes_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/fingerprint"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/passes"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// chapterPage renders one fixture page: an all-caps heading block
// followed by body paragraphs.
func chapterPage(heading string, paras ...string) string {
	parts := append([]string{heading}, paras...)
	return strings.Join(parts, "\n\n")
}

func writeFixture(t *testing.T, pages []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rulebook.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(pages, "\f")), 0o644))
	return path
}

type testEnv struct {
	pc  *pipeline.Context
	lm  *adapters.StaticLM
	vec *adapters.MemVector
	gr  *adapters.MemGraph
}

// newEnv wires a full job context over the in-memory adapters. When
// prior is non-nil the sinks are shared with it, the way consecutive
// ingests of one source share real sinks.
func newEnv(t *testing.T, sourcePath, tocReply string, prior *testEnv) *testEnv {
	t.Helper()

	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	jobID := artifact.NewJobID("rulebook", time.Now())
	jobDir, err := store.CreateJobDir("test", jobID)
	require.NoError(t, err)

	sha, err := fingerprint.FileSHA(sourcePath)
	require.NoError(t, err)
	info, err := os.Stat(sourcePath)
	require.NoError(t, err)

	man, err := manifest.Init(jobDir, jobID, "rulebook", sha, "test",
		pipeline.Phases(), manifest.GateDecision{Kind: "PROCEED"})
	require.NoError(t, err)

	log, err := audit.Open(filepath.Join(jobDir, passes.AuditFilename), jobID)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	pol, err := pipeline.DefaultPolicy().Normalize()
	require.NoError(t, err)

	env := &testEnv{lm: &adapters.StaticLM{Response: tocReply}}
	if prior != nil {
		env.vec, env.gr = prior.vec, prior.gr
	} else {
		env.vec, env.gr = adapters.NewMemVector(), adapters.NewMemGraph()
	}

	env.pc = &pipeline.Context{
		JobID:       jobID,
		SourceID:    "rulebook",
		SourceSHA:   sha,
		SourcePath:  sourcePath,
		SourceSize:  info.Size(),
		Environment: "test",
		JobDir:      jobDir,
		Policy:      pol,
		Adapters: &adapters.Bundle{
			Extractor: adapters.TextExtractor{},
			Splitter:  adapters.TextExtractor{},
			LLM:       env.lm,
			Embedder:  adapters.NewHashEmbedder(16),
			Vectors:   env.vec,
			Graph:     env.gr,
		},
		Store:    store,
		Manifest: man,
		Audit:    log,
	}
	return env
}

func runAll(env *testEnv) error {
	r := &pipeline.Runner{}
	return r.Run(context.Background(), env.pc, passes.Sequence())
}

func readChunks(t *testing.T, env *testEnv, jobDir string) []passes.Chunk {
	t.Helper()
	data, err := env.pc.Store.ReadArtifact(jobDir, "C", passes.ChunksName)
	require.NoError(t, err)
	var chunks []passes.Chunk
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var c passes.Chunk
		require.NoError(t, jsonUnmarshal(line, &c))
		chunks = append(chunks, c)
	}
	return chunks
}

// fourChapterPages is an eight-page fixture with four two-page chapters.
func fourChapterPages() []string {
	return []string{
		chapterPage("CHAPTER ONE", "The warden keeps the first watch over the northern gate.", "Travelers pay a toll of two silver pieces at the gate."),
		chapterPage("Opening Moves", "Each player draws five cards and reveals the top of the deck."),
		chapterPage("CHAPTER TWO", "Combat begins when initiative is rolled by every participant."),
		chapterPage("Resolving Attacks", "An attack roll meets or exceeds the target defense to hit."),
		chapterPage("CHAPTER THREE", "Magic draws on a shared pool of essence that refills at dawn."),
		chapterPage("Spell Components", "Some spells consume rare reagents listed in the appendix."),
		chapterPage("CHAPTER FOUR", "The overland map is divided into hexes of six miles each."),
		chapterPage("Travel Hazards", "Rolling doubles on the hazard dice triggers an encounter."),
	}
}

const fourChapterTOC = `[
  {"title": "CHAPTER ONE", "start_page": 1, "depth": 1},
  {"title": "CHAPTER TWO", "start_page": 3, "depth": 1},
  {"title": "CHAPTER THREE", "start_page": 5, "depth": 1},
  {"title": "CHAPTER FOUR", "start_page": 7, "depth": 1}
]`

func TestFullPipelineFreshIngest(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	require.NoError(t, runAll(env))

	m := env.pc.Manifest.Snapshot()
	for _, pass := range pipeline.Phases() {
		assert.Equal(t, manifest.StatusSucceeded, m.PassStates[pass].Status, "pass %s", pass)
	}
	assert.Len(t, m.SectionFingerprints, 4)

	chunks := readChunks(t, env, env.pc.JobDir)
	require.NotEmpty(t, chunks)
	assert.Equal(t, m.PassStates["C"].ProcessedCount, len(chunks))

	// Every chunk reached the vector sink.
	n, err := env.vec.VectorCount(context.Background(), "rulebook")
	require.NoError(t, err)
	assert.Equal(t, len(chunks), n)

	// Graph holds section, chunk, and enrichment nodes.
	nodes, edges, err := env.gr.GraphCounts(context.Background(), "rulebook")
	require.NoError(t, err)
	assert.Greater(t, nodes, len(chunks))
	assert.Greater(t, edges, 0)

	assert.Equal(t, passes.OutcomeOK, env.pc.ValidationOutcome)
	require.NoError(t, audit.Verify(filepath.Join(env.pc.JobDir, passes.AuditFilename)))

	// The run summary is readable and consistent.
	data, err := env.pc.Store.ReadArtifact(env.pc.JobDir, "F", passes.RunSummaryName)
	require.NoError(t, err)
	var summary passes.RunSummary
	require.NoError(t, jsonUnmarshal(string(data), &summary))
	assert.Equal(t, len(chunks), summary.ChunkCount)
	assert.Equal(t, len(chunks), summary.VectorCount)
}

func TestTOCFallbackWholeDocument(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), "I could not find any structure, sorry.", nil)
	require.NoError(t, runAll(env))

	m := env.pc.Manifest.Snapshot()
	require.Len(t, m.SectionFingerprints, 1)
	assert.Equal(t, "sec-001-document", m.SectionFingerprints[0].SectionID)

	for _, c := range readChunks(t, env, env.pc.JobDir) {
		assert.Equal(t, "sec-001-document", c.SectionID)
	}
}

func TestSplitSkippedAtExactThreshold(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	env.pc.Policy.SplitThresholdBytes = env.pc.SourceSize // boundary: not greater, no split
	require.NoError(t, runAll(env))

	data, err := env.pc.Store.ReadArtifact(env.pc.JobDir, "B", passes.SplitIndexName)
	require.NoError(t, err)
	var index passes.SplitIndex
	require.NoError(t, jsonUnmarshal(string(data), &index))
	assert.Empty(t, index.Parts)
}

func TestSplitProducesTilingParts(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	env.pc.Policy.SplitThresholdBytes = env.pc.SourceSize / 3
	require.NoError(t, runAll(env))

	data, err := env.pc.Store.ReadArtifact(env.pc.JobDir, "B", passes.SplitIndexName)
	require.NoError(t, err)
	var index passes.SplitIndex
	require.NoError(t, jsonUnmarshal(string(data), &index))
	require.GreaterOrEqual(t, len(index.Parts), 2)

	// Parts tile pages 1..8 exactly.
	next := 1
	for _, part := range index.Parts {
		assert.Equal(t, next, part.PageStart)
		assert.True(t, env.pc.Store.HasArtifact(env.pc.JobDir, "B", part.Name))
		next = part.PageEnd + 1
	}
	assert.Equal(t, 9, next)

	// Chunking through parts still covers every chapter.
	sections := make(map[string]bool)
	for _, c := range readChunks(t, env, env.pc.JobDir) {
		sections[c.SectionID] = true
	}
	assert.Len(t, sections, 4)
}

func TestExtractionIsDeterministic(t *testing.T) {
	pages := fourChapterPages()
	a := newEnv(t, writeFixture(t, pages), fourChapterTOC, nil)
	b := newEnv(t, writeFixture(t, pages), fourChapterTOC, nil)
	require.NoError(t, runAll(a))
	require.NoError(t, runAll(b))

	ca, err := a.pc.Store.ReadArtifact(a.pc.JobDir, "C", passes.ChunksName)
	require.NoError(t, err)
	cb, err := b.pc.Store.ReadArtifact(b.pc.JobDir, "C", passes.ChunksName)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb), "identical input must yield byte-identical chunks")

	ga, err := a.pc.Store.ReadArtifact(a.pc.JobDir, "E", passes.GraphDeltaName)
	require.NoError(t, err)
	gb, err := b.pc.Store.ReadArtifact(b.pc.JobDir, "E", passes.GraphDeltaName)
	require.NoError(t, err)
	assert.Equal(t, string(ga), string(gb))
}

func TestDeltaIngestReprocessesChangedOnly(t *testing.T) {
	first := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	require.NoError(t, runAll(first))
	priorManifest := first.pc.Manifest.Snapshot()

	// Second revision: chapter three rewritten, chapter four dropped.
	pages := fourChapterPages()[:6]
	pages[4] = chapterPage("CHAPTER THREE", "Magic now draws on personal reserves that refill at dusk.")
	secondTOC := `[
	  {"title": "CHAPTER ONE", "start_page": 1, "depth": 1},
	  {"title": "CHAPTER TWO", "start_page": 3, "depth": 1},
	  {"title": "CHAPTER THREE", "start_page": 5, "depth": 1}
	]`

	second := newEnv(t, writeFixture(t, pages), secondTOC, first)
	second.pc.PriorJobID = first.pc.JobID
	second.pc.PriorJobDir = first.pc.JobDir
	second.pc.PriorSections = priorManifest.SectionFingerprints
	require.NoError(t, runAll(second))

	require.NotNil(t, second.pc.Plan)
	assert.False(t, second.pc.Plan.FullRebuild)
	assert.Equal(t, []string{"sec-003-chapter-three"}, second.pc.Plan.Changed)
	assert.Equal(t, []string{"sec-004-chapter-four"}, second.pc.Plan.Obsolete)

	// Only the changed chapter was re-chunked.
	for _, c := range readChunks(t, second, second.pc.JobDir) {
		assert.Equal(t, "sec-003-chapter-three", c.SectionID)
	}

	// The admission record now carries the resolved changed set.
	m := second.pc.Manifest.Snapshot()
	assert.Equal(t, "DELTA", m.Gate0Decision.Kind)
	assert.Equal(t, []string{"sec-003-chapter-three"}, m.Gate0Decision.ChangedSections)

	// Chapter four's chunks were soft-marked obsolete in the shared sink.
	for _, c := range readChunks(t, second, first.pc.JobDir) {
		if c.SectionID == "sec-004-chapter-four" {
			assert.True(t, second.vec.IsObsolete(c.ChunkID), "chunk %s", c.ChunkID)
		}
	}
}

func TestValidationFailureFailsJob(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	env.pc.Policy.ValidationRules = append(env.pc.Policy.ValidationRules,
		pipeline.ValidationRule{Name: "impossible", Expr: "chunk_count > 100000", Severity: pipeline.SeverityFail})

	err := runAll(env)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.IntegrityViolation))
	assert.Equal(t, passes.OutcomeFailed, env.pc.ValidationOutcome)

	m := env.pc.Manifest.Snapshot()
	assert.Equal(t, manifest.StatusFailed, m.PassStates["G"].Status)

	// The report landed despite the failure.
	assert.True(t, env.pc.Store.HasArtifact(env.pc.JobDir, "G", passes.ValidationReportName))
}

func TestValidationWarningKeepsJobAlive(t *testing.T) {
	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	env.pc.Policy.ValidationRules = append(env.pc.Policy.ValidationRules,
		pipeline.ValidationRule{Name: "ambitious", Expr: "chunk_count > 100000", Severity: pipeline.SeverityWarn})

	require.NoError(t, runAll(env))
	assert.Equal(t, passes.OutcomeWarnings, env.pc.ValidationOutcome)
	assert.NotEmpty(t, env.pc.Warnings)
}

func TestCorruptSourceFailsPassA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.txt")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x80}, 0o644))

	env := newEnv(t, writeFixture(t, fourChapterPages()), fourChapterTOC, nil)
	env.pc.SourcePath = path

	err := runAll(env)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SourceUnreadable))

	m := env.pc.Manifest.Snapshot()
	assert.Equal(t, manifest.StatusFailed, m.PassStates["A"].Status)
	assert.Equal(t, manifest.StatusPending, m.PassStates["C"].Status)
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
