package delta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/delta"
	"github.com/octavolabs/octavo/pkg/fingerprint"
)

func sec(id, title string, depth, start, end int, sha string) fingerprint.SectionFingerprint {
	return fingerprint.SectionFingerprint{
		SectionID:  id,
		Title:      title,
		Depth:      depth,
		PageStart:  start,
		PageEnd:    end,
		SectionSHA: sha,
	}
}

func TestComputeUnchanged(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("sec-001-intro", "Introduction", 1, 1, 4, "aaa"),
		sec("sec-002-combat", "Combat", 1, 5, 9, "bbb"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("sec-001-intro", "Introduction", 1, 1, 4, "aaa"),
		sec("sec-002-combat", "Combat", 1, 5, 9, "bbb"),
	}

	p := delta.Compute(current, prior, delta.Options{})
	assert.Empty(t, p.Changed)
	assert.Empty(t, p.Obsolete)
	assert.Equal(t, []string{"sec-001-intro", "sec-002-combat"}, p.Unchanged)
	assert.False(t, p.FullRebuild)
	assert.False(t, p.ShouldProcess("sec-001-intro"))
}

func TestComputeOneEditedSection(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("sec-001-intro", "Introduction", 1, 1, 4, "aaa"),
		sec("sec-002-combat", "Combat", 1, 5, 9, "bbb"),
		sec("sec-003-magic", "Magic", 1, 10, 20, "ccc"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("sec-001-intro", "Introduction", 1, 1, 4, "aaa"),
		sec("sec-002-combat", "Combat", 1, 5, 9, "EDITED"),
		sec("sec-003-magic", "Magic", 1, 10, 20, "ccc"),
	}

	p := delta.Compute(current, prior, delta.Options{})
	assert.Equal(t, []string{"sec-002-combat"}, p.Changed)
	assert.Empty(t, p.Obsolete)
	assert.False(t, p.FullRebuild)
	assert.True(t, p.ShouldProcess("sec-002-combat"))
	assert.False(t, p.ShouldProcess("sec-003-magic"))
}

func TestComputeNewAndObsoleteSections(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("old-1", "Introduction", 1, 1, 4, "aaa"),
		sec("old-2", "Appendix", 1, 5, 6, "bbb"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("new-1", "Introduction", 1, 1, 4, "aaa"),
		sec("new-2", "Bestiary", 1, 5, 8, "ddd"),
	}

	p := delta.Compute(current, prior, delta.Options{FullRebuildThreshold: 0.9})
	assert.Equal(t, []string{"new-2"}, p.Changed)
	assert.Equal(t, []string{"old-2"}, p.Obsolete)
	assert.Equal(t, []string{"new-1"}, p.Unchanged)
}

// A renamed section never matches; it shows up as one changed (new)
// section plus one obsolete prior section.
func TestComputeRenamedSection(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("old-1", "Combat", 1, 1, 10, "aaa"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("new-1", "Warfare", 1, 1, 10, "aaa"),
	}

	p := delta.Compute(current, prior, delta.Options{FullRebuildThreshold: 1.1})
	assert.Equal(t, []string{"new-1"}, p.Changed)
	assert.Equal(t, []string{"old-1"}, p.Obsolete)
}

// The rebuild boundary is inclusive: a changed fraction exactly at the
// threshold already forces a full rebuild.
func TestFullRebuildThresholdInclusive(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("s1", "One", 1, 1, 2, "aaa"),
		sec("s2", "Two", 1, 3, 4, "bbb"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("s1", "One", 1, 1, 2, "aaa"),
		sec("s2", "Two", 1, 3, 4, "CHANGED"),
	}

	p := delta.Compute(current, prior, delta.Options{FullRebuildThreshold: 0.5})
	require.InDelta(t, 0.5, p.ChangedFraction(), 1e-9)
	assert.True(t, p.FullRebuild)
	assert.True(t, p.ShouldProcess("s1"), "full rebuild processes everything")

	p = delta.Compute(current, prior, delta.Options{FullRebuildThreshold: 0.51})
	assert.False(t, p.FullRebuild)
}

func TestPageDriftWithinSimilarityStillMatches(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("old-1", "Combat", 1, 10, 19, "aaa"),
	}
	// Content shifted two pages later; eight of ten pages overlap.
	current := []fingerprint.SectionFingerprint{
		sec("new-1", "Combat", 1, 12, 21, "aaa"),
	}

	p := delta.Compute(current, prior, delta.Options{})
	assert.Equal(t, []string{"new-1"}, p.Unchanged)
	assert.Empty(t, p.Obsolete)
}

func TestDepthMismatchNeverMatches(t *testing.T) {
	prior := []fingerprint.SectionFingerprint{
		sec("old-1", "Combat", 1, 1, 10, "aaa"),
	}
	current := []fingerprint.SectionFingerprint{
		sec("new-1", "Combat", 2, 1, 10, "aaa"),
	}

	p := delta.Compute(current, prior, delta.Options{FullRebuildThreshold: 1.1})
	assert.Equal(t, []string{"new-1"}, p.Changed)
	assert.Equal(t, []string{"old-1"}, p.Obsolete)
}

func TestNilPlanProcessesEverything(t *testing.T) {
	var p *delta.Plan
	assert.True(t, p.ShouldProcess("anything"))
}

func TestEmptyPrior(t *testing.T) {
	current := []fingerprint.SectionFingerprint{
		sec("s1", "One", 1, 1, 2, "aaa"),
	}
	p := delta.Compute(current, nil, delta.Options{})
	assert.Equal(t, []string{"s1"}, p.Changed)
	assert.True(t, p.FullRebuild, "everything changed")
}
