package passes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/adapters"
)

func TestChunkSectionTableStandsAlone(t *testing.T) {
	blocks := []adapters.ExtractedBlock{
		{Page: 1, Kind: adapters.BlockTitle, Text: "WEAPONS"},
		{Page: 1, Kind: adapters.BlockParagraph, Text: "Weapons are grouped by reach and weight."},
		{Page: 1, Kind: adapters.BlockTable, Text: "Dagger | 1d4 | light\nSpear | 1d6 | reach"},
		{Page: 2, Kind: adapters.BlockParagraph, Text: "Exotic weapons require a feat to wield."},
	}

	chunks := chunkSection("src", "sec-001-weapons", blocks)
	require.Len(t, chunks, 3)
	assert.Equal(t, string(adapters.BlockParagraph), chunks[0].Kind)
	assert.Equal(t, string(adapters.BlockTable), chunks[1].Kind)
	assert.Equal(t, string(adapters.BlockParagraph), chunks[2].Kind)

	// Ordinals are dense and page spans honest.
	for i, c := range chunks {
		assert.Equal(t, i, c.OrdinalInSection)
	}
	assert.Equal(t, [2]int{1, 1}, chunks[1].PageSpan)
	assert.Equal(t, [2]int{2, 2}, chunks[2].PageSpan)
}

func TestChunkSectionSizeCap(t *testing.T) {
	long := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	blocks := []adapters.ExtractedBlock{
		{Page: 1, Kind: adapters.BlockParagraph, Text: long},
		{Page: 1, Kind: adapters.BlockParagraph, Text: long},
		{Page: 2, Kind: adapters.BlockParagraph, Text: long},
	}

	chunks := chunkSection("src", "sec-001", blocks)
	require.Greater(t, len(chunks), 1, "oversized blocks must split into multiple chunks")
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), maxChunkChars+len(long))
	}
}

func TestChunkKindsKeepBlockVocabulary(t *testing.T) {
	blocks := []adapters.ExtractedBlock{
		{Page: 1, Kind: adapters.BlockTitle, Text: "MOVEMENT"},
		{Page: 1, Kind: adapters.BlockParagraph, Text: "A creature moves up to its speed each turn."},
		{Page: 1, Kind: adapters.BlockList, Text: "1. Walk\n2. Climb\n3. Swim"},
		{Page: 1, Kind: adapters.BlockTable, Text: "Terrain | Cost\nDifficult | x2"},
		{Page: 2, Kind: adapters.BlockImageCaption, Text: "Figure 3: overland travel paces."},
	}

	chunks := chunkSection("src", "sec-001-movement", blocks)
	require.Len(t, chunks, 4)
	assert.Equal(t, string(adapters.BlockParagraph), chunks[0].Kind)
	assert.Equal(t, string(adapters.BlockList), chunks[1].Kind)
	assert.Equal(t, string(adapters.BlockTable), chunks[2].Kind)
	assert.Equal(t, string(adapters.BlockImageCaption), chunks[3].Kind)

	valid := map[string]bool{
		string(adapters.BlockTitle):        true,
		string(adapters.BlockParagraph):    true,
		string(adapters.BlockList):         true,
		string(adapters.BlockTable):        true,
		string(adapters.BlockImageCaption): true,
	}
	for _, c := range chunks {
		assert.True(t, valid[c.Kind], "chunk kind %q outside the block vocabulary", c.Kind)
	}
}

func TestChunkSectionMergesOnlySameKind(t *testing.T) {
	blocks := []adapters.ExtractedBlock{
		{Page: 1, Kind: adapters.BlockParagraph, Text: "First paragraph of the chapter."},
		{Page: 1, Kind: adapters.BlockParagraph, Text: "Second paragraph, short enough to merge."},
		{Page: 1, Kind: adapters.BlockList, Text: "1. Draw\n2. Play\n3. Discard"},
		{Page: 2, Kind: adapters.BlockParagraph, Text: "Closing paragraph after the list."},
	}

	chunks := chunkSection("src", "sec-002", blocks)
	require.Len(t, chunks, 3)
	assert.Equal(t, string(adapters.BlockParagraph), chunks[0].Kind)
	assert.Contains(t, chunks[0].Text, "First paragraph")
	assert.Contains(t, chunks[0].Text, "Second paragraph")
	assert.Equal(t, string(adapters.BlockList), chunks[1].Kind)
	assert.Equal(t, string(adapters.BlockParagraph), chunks[2].Kind)
}

func TestChunkIDsStableAcrossRuns(t *testing.T) {
	blocks := []adapters.ExtractedBlock{
		{Page: 1, Kind: adapters.BlockParagraph, Text: "Initiative is rolled once per combat."},
	}
	a := chunkSection("src", "sec-002", blocks)
	b := chunkSection("src", "sec-002", blocks)
	require.Len(t, a, 1)
	assert.Equal(t, a[0].ChunkID, b[0].ChunkID)
}

func TestExtractKeywordsDeterministic(t *testing.T) {
	text := "The dragon hoards treasure. The dragon breathes fire. Treasure attracts knights."
	a := extractKeywords(text, 4)
	b := extractKeywords(text, 4)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "dragon")
	assert.Contains(t, a, "treasure")
	assert.NotContains(t, a, "the")
}

func TestExtractEntitiesCapitalizedRuns(t *testing.T) {
	text := "Travel to the Iron Citadel takes three days. The warden of the Iron Citadel answers to Queen Maro."
	ents := extractEntities(text, 8)
	assert.Contains(t, ents, "Iron Citadel")
	assert.Contains(t, ents, "Queen Maro")

	// Sentence-opening capitals alone are not entities.
	assert.NotContains(t, ents, "Travel")
}
