//go:build property
// +build property

// Property tests for the delta planner: every current section lands in
// exactly one bucket, and a run compared against itself never reports
// work.
package delta_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/octavolabs/octavo/pkg/delta"
	"github.com/octavolabs/octavo/pkg/fingerprint"
)

// genSections produces a contiguous, non-overlapping section layout, the
// shape Pass A guarantees.
func genSections() gopter.Gen {
	return gen.SliceOfN(8, gen.IntRange(1, 5)).Map(func(spans []int) []fingerprint.SectionFingerprint {
		out := make([]fingerprint.SectionFingerprint, 0, len(spans))
		page := 1
		for i, span := range spans {
			out = append(out, fingerprint.SectionFingerprint{
				SectionID:  fmt.Sprintf("sec-%03d", i+1),
				Title:      fmt.Sprintf("Section %d", i+1),
				Depth:      1,
				PageStart:  page,
				PageEnd:    page + span - 1,
				SectionSHA: fingerprint.PageSHA(fmt.Sprintf("content-%d-%d", i, span)),
			})
			page += span
		}
		return out
	})
}

func TestPlanPartitionsCurrentSections(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("changed and unchanged partition the current set", prop.ForAll(
		func(current, prior []fingerprint.SectionFingerprint) bool {
			p := delta.Compute(current, prior, delta.Options{})
			seen := make(map[string]int)
			for _, id := range p.Changed {
				seen[id]++
			}
			for _, id := range p.Unchanged {
				seen[id]++
			}
			if len(seen) != len(current) {
				return false
			}
			for _, n := range seen {
				if n != 1 {
					return false
				}
			}
			return true
		},
		genSections(),
		genSections(),
	))

	properties.TestingRun(t)
}

func TestSelfComparisonIsNoWork(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a run against itself plans nothing", prop.ForAll(
		func(sections []fingerprint.SectionFingerprint) bool {
			p := delta.Compute(sections, sections, delta.Options{})
			return len(p.Changed) == 0 && len(p.Obsolete) == 0 &&
				len(p.Unchanged) == len(sections) && !p.FullRebuild
		},
		genSections(),
	))

	properties.TestingRun(t)
}
