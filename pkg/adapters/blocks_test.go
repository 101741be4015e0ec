package adapters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/adapters"
)

func kinds(blocks []adapters.ExtractedBlock) []adapters.BlockKind {
	out := make([]adapters.BlockKind, len(blocks))
	for i, b := range blocks {
		out[i] = b.Kind
	}
	return out
}

func TestClassifyPageShapes(t *testing.T) {
	page := "COMBAT ROUNDS\n\n" +
		"Each round lasts six seconds. Every combatant acts once per round,\n" +
		"in initiative order, unless surprised.\n\n" +
		"- roll initiative\n- declare actions\n- resolve attacks\n\n" +
		"Weapon      Damage     Weight\nLongsword   1d8        3 lb\nDagger      1d4        1 lb\n\n" +
		"Figure 3: turn order wheel"

	blocks := adapters.ClassifyPage(7, page)
	require.Len(t, blocks, 5)
	assert.Equal(t, []adapters.BlockKind{
		adapters.BlockTitle,
		adapters.BlockParagraph,
		adapters.BlockList,
		adapters.BlockTable,
		adapters.BlockImageCaption,
	}, kinds(blocks))
	for _, b := range blocks {
		assert.Equal(t, 7, b.Page)
	}
}

func TestClassifyPageEmpty(t *testing.T) {
	assert.Empty(t, adapters.ClassifyPage(1, "   \n\n  \n"))
}

func TestClassifyDeterministic(t *testing.T) {
	page := "Spells\n\nA wizard prepares spells each morning."
	a := adapters.ClassifyPage(3, page)
	b := adapters.ClassifyPage(3, page)
	assert.Equal(t, a, b)
}

func TestNumberedListDetected(t *testing.T) {
	page := "1. Choose a race\n2. Choose a class\n3. Roll ability scores"
	blocks := adapters.ClassifyPage(1, page)
	require.Len(t, blocks, 1)
	assert.Equal(t, adapters.BlockList, blocks[0].Kind)
}

func TestSentenceIsNotTitle(t *testing.T) {
	blocks := adapters.ClassifyPage(1, "The dragon breathes fire at the party.")
	require.Len(t, blocks, 1)
	assert.Equal(t, adapters.BlockParagraph, blocks[0].Kind)
}
