// Package delta plans the minimum re-processing set when a prior
// successful job exists for the same logical source. Sections of the
// current run are matched against the prior run's fingerprints; only
// sections whose content digest moved need a fresh pass, while sections
// that vanished entirely are flagged for purging from the sinks.
package delta

import (
	"sort"
	"strings"

	"github.com/octavolabs/octavo/pkg/fingerprint"
)

// DefaultSimilarityThreshold is the minimum page-overlap ratio for two
// sections to count as the same logical section across runs.
const DefaultSimilarityThreshold = 0.5

// DefaultFullRebuildThreshold is the changed fraction at which planning
// gives up and the whole document is re-processed. The boundary is
// inclusive: a fraction exactly at the threshold triggers full rebuild.
const DefaultFullRebuildThreshold = 0.5

// Options tunes the planner. Zero values fall back to the defaults.
type Options struct {
	SimilarityThreshold  float64
	FullRebuildThreshold float64
}

func (o Options) withDefaults() Options {
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.FullRebuildThreshold <= 0 {
		o.FullRebuildThreshold = DefaultFullRebuildThreshold
	}
	return o
}

// Plan is the planner's verdict. Section ids are sorted so the plan is
// deterministic for identical inputs.
type Plan struct {
	// Changed lists current sections whose content differs from the
	// prior run, including sections that did not exist before.
	Changed []string `json:"changed_section_ids"`
	// Obsolete lists prior sections with no counterpart in the current
	// run; their chunks must be purged from the sinks.
	Obsolete []string `json:"obsolete_section_ids"`
	// Unchanged lists current sections whose digest matched.
	Unchanged []string `json:"unchanged_section_ids"`
	// FullRebuild is set when the changed fraction reached the rebuild
	// threshold; the lists above are still populated for reporting.
	FullRebuild bool `json:"full_rebuild"`

	changed map[string]bool
}

// ShouldProcess reports whether a section needs re-processing under this
// plan. Every section qualifies when the plan demands a full rebuild.
func (p *Plan) ShouldProcess(sectionID string) bool {
	if p == nil || p.FullRebuild {
		return true
	}
	return p.changed[sectionID]
}

// ChangedFraction is the share of current sections that moved.
func (p *Plan) ChangedFraction() float64 {
	total := len(p.Changed) + len(p.Unchanged)
	if total == 0 {
		return 0
	}
	return float64(len(p.Changed)) / float64(total)
}

// Compute matches current section fingerprints against the prior run and
// returns the re-pass plan.
//
// Matching is by normalized title, depth, and page-range overlap ratio
// at or above the similarity threshold. A matched pair with equal
// section SHAs is unchanged; a differing SHA, or no match at all, marks
// the current section changed. Prior sections left unmatched are
// obsolete.
func Compute(current, prior []fingerprint.SectionFingerprint, opts Options) *Plan {
	opts = opts.withDefaults()

	priorUsed := make([]bool, len(prior))
	p := &Plan{changed: make(map[string]bool, len(current))}

	for _, cur := range current {
		best := -1
		bestOverlap := 0.0
		for i, old := range prior {
			if priorUsed[i] {
				continue
			}
			if !sameTitle(cur.Title, old.Title) || cur.Depth != old.Depth {
				continue
			}
			ov := overlapRatio(cur, old)
			if ov >= opts.SimilarityThreshold && ov > bestOverlap {
				best, bestOverlap = i, ov
			}
		}

		if best < 0 {
			p.Changed = append(p.Changed, cur.SectionID)
			p.changed[cur.SectionID] = true
			continue
		}
		priorUsed[best] = true
		if cur.SectionSHA == prior[best].SectionSHA {
			p.Unchanged = append(p.Unchanged, cur.SectionID)
		} else {
			p.Changed = append(p.Changed, cur.SectionID)
			p.changed[cur.SectionID] = true
		}
	}

	for i, old := range prior {
		if !priorUsed[i] {
			p.Obsolete = append(p.Obsolete, old.SectionID)
		}
	}

	sort.Strings(p.Changed)
	sort.Strings(p.Obsolete)
	sort.Strings(p.Unchanged)

	if p.ChangedFraction() >= opts.FullRebuildThreshold && len(p.Changed) > 0 {
		p.FullRebuild = true
	}
	return p
}

// overlapRatio relates the shared page span to the larger of the two
// sections, so a small section engulfed by a large one does not score a
// perfect match.
func overlapRatio(a, b fingerprint.SectionFingerprint) float64 {
	shared := a.Overlap(b)
	if shared == 0 {
		return 0
	}
	larger := max(a.Pages(), b.Pages())
	return float64(shared) / float64(larger)
}

func sameTitle(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
