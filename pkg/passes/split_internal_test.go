package passes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitTestTOC() TOC {
	return TOC{
		SourceID:  "src",
		PageCount: 120,
		Sections: []TOCSection{
			{SectionID: "sec-001-intro", Title: "Introduction", StartPage: 1, EndPage: 10, Depth: 1},
			{SectionID: "sec-002-rules", Title: "Core Rules", StartPage: 11, EndPage: 100, Depth: 1},
			{SectionID: "sec-003-index", Title: "Index", StartPage: 101, EndPage: 120, Depth: 1},
		},
	}
}

func TestPlanPartsAlignedNeverCutsInsideSection(t *testing.T) {
	toc := splitTestTOC()

	// 100 MiB over a 25 MiB threshold asks for 4 parts, but the giant
	// middle section forces fewer, larger ones.
	spans := planParts(toc, 100<<20, 25<<20, false)
	require.NoError(t, verifyCoverage(spans, toc.PageCount))

	edges := map[int]bool{10: true, 100: true, 120: true}
	for _, s := range spans {
		assert.True(t, edges[s.end], "part ends at page %d, inside a section", s.end)
	}
}

func TestPlanPartsUnalignedBalancesPages(t *testing.T) {
	toc := splitTestTOC()

	spans := planParts(toc, 100<<20, 25<<20, true)
	require.NoError(t, verifyCoverage(spans, toc.PageCount))
	require.Len(t, spans, 4)
	for _, s := range spans {
		assert.Equal(t, 30, s.end-s.start+1)
	}

	// Page 31..60 sits wholly inside the middle section: the span still
	// names the section it overlaps.
	assert.Equal(t, []string{"sec-002-rules"}, spans[1].sectionIDs)
}
