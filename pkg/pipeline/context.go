package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/delta"
	"github.com/octavolabs/octavo/pkg/fingerprint"
	"github.com/octavolabs/octavo/pkg/manifest"
)

// Context carries every dependency a pass needs, explicitly. There is
// no ambient state: adapters, stores, policy, and logger all arrive
// here, injected by the orchestrator when the job is admitted.
//
// Fields under "run state" are written by earlier passes for later
// ones; everything else is read-only for the lifetime of the job.
type Context struct {
	JobID       string
	SourceID    string
	SourceSHA   string
	SourcePath  string
	SourceSize  int64
	Environment string
	JobDir      string

	Policy   Policy
	Adapters *adapters.Bundle
	Store    *artifact.Store
	Manifest *manifest.Handle
	Audit    *audit.Log
	Logger   *slog.Logger

	// Prior-run context from the Gate 0 decision; empty on full ingests.
	PriorJobID    string
	PriorJobDir   string
	PriorSections []fingerprint.SectionFingerprint

	// Run state.

	// Plan is the re-pass plan Pass C computed from prior sections, nil
	// for full runs.
	Plan *delta.Plan
	// Sections are the current run's section fingerprints, set by Pass C.
	Sections []fingerprint.SectionFingerprint
	// ValidationOutcome is Pass G's verdict: "" until G runs, then one
	// of ok, warnings, failed.
	ValidationOutcome string
	// Warnings collects non-fatal findings surfaced in the final result.
	Warnings []string
}

// Log returns the job-scoped logger, never nil.
func (c *Context) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With("job_id", c.JobID)
}

// DeltaMode reports whether this job runs against a prior job's state.
func (c *Context) DeltaMode() bool {
	return len(c.PriorSections) > 0 && c.PriorJobDir != ""
}

// Warnf records a warning and logs it.
func (c *Context) Warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
	c.Log().Warn(c.Warnings[len(c.Warnings)-1])
}
