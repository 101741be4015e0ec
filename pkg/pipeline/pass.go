// Package pipeline defines the uniform pass contract and the runner
// that drives a job through its passes in strict order. A pass reads
// artifacts its predecessors wrote, produces its own, and reports what
// it did; the runner owns manifest transitions, timeouts, the audit
// trail, and halt-on-failure.
package pipeline

import (
	"context"

	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/manifest"
)

// PassID names one stage of the pipeline.
type PassID string

const (
	PassA PassID = "A" // TOC parse
	PassB PassID = "B" // logical split
	PassC PassID = "C" // content extraction
	PassD PassID = "D" // vector enrichment
	PassE PassID = "E" // graph build
	PassF PassID = "F" // finalize
	PassG PassID = "G" // validation
)

// Phases lists every pass id in execution order, the value recorded in
// each manifest.
func Phases() []string {
	return []string{"A", "B", "C", "D", "E", "F", "G"}
}

// Input names an artifact a pass requires from an earlier pass.
type Input struct {
	Pass PassID
	Name string
}

// Result is what a pass reports back to the runner. Status is limited
// to succeeded or skipped; failure travels as an error so the kind
// survives.
type Result struct {
	Status         manifest.Status
	ProcessedCount int
	Artifacts      []artifact.Ref
}

// Pass is one pipeline stage. Execute must be deterministic: identical
// inputs and configuration produce artifacts with identical SHAs, and
// side effects on external sinks must be idempotent via stable keys.
// Implementations check ctx at natural checkpoints, at least once per
// batch and before every external call.
type Pass interface {
	ID() PassID
	// RequiredInputs lists prior-pass artifacts that must exist before
	// Execute runs. The runner refuses to start the pass otherwise.
	RequiredInputs() []Input
	// ProducedArtifacts names the outputs this pass writes.
	ProducedArtifacts() []string
	Execute(ctx context.Context, pc *Context) (*Result, error)
}
