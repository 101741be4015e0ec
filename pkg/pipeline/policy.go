package pipeline

import (
	"time"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/fault"
)

// DefaultSplitThresholdBytes is the source size above which Pass B
// partitions the document (strictly greater-than; a source exactly at
// the threshold is not split).
const DefaultSplitThresholdBytes = int64(26_214_400) // 25 MiB

// DefaultVectorBatchSize is the embedding batch size for Pass D.
const DefaultVectorBatchSize = 32

// ObsoletePolicy decides what happens to chunks of sections that
// vanished between runs.
type ObsoletePolicy string

const (
	// ObsoleteSoftMark flags prior chunks as retired in the vector sink
	// but keeps them queryable for audits. The default.
	ObsoleteSoftMark ObsoletePolicy = "soft_mark"
	// ObsoleteHardDelete removes prior chunks from the vector sink.
	ObsoleteHardDelete ObsoletePolicy = "hard_delete"
)

// Severity ranks a failed validation rule.
type Severity string

const (
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// ValidationRule is one CEL expression Pass G evaluates over the run's
// quality metrics. A rule that evaluates false raises a warning or
// fails the job according to its severity.
type ValidationRule struct {
	Name     string   `json:"name" yaml:"name"`
	Expr     string   `json:"expr" yaml:"expr"`
	Severity Severity `json:"severity" yaml:"severity"`
}

// DefaultValidationRules encode the stock quality bar: near-total
// vector coverage warns when missed, and gross undercoverage or a
// chunk-count mismatch fails the job.
func DefaultValidationRules() []ValidationRule {
	return []ValidationRule{
		{Name: "vector_coverage_warn", Expr: "coverage >= 0.98", Severity: SeverityWarn},
		{Name: "vector_coverage_fail", Expr: "coverage >= 0.8", Severity: SeverityFail},
		{Name: "chunk_count_consistent", Expr: "chunk_count == vector_count || coverage >= 0.8", Severity: SeverityFail},
		{Name: "chunks_present", Expr: "chunk_count > 0 || delta_mode", Severity: SeverityFail},
	}
}

// Policy is the per-request configuration every pass reads. Zero values
// mean "use the default"; Normalize resolves them once at admission.
type Policy struct {
	ForceFull bool `json:"force_full" yaml:"force_full"`
	// NoDelta disables delta planning; zero value keeps the default of
	// deltas allowed.
	NoDelta          bool `json:"no_delta" yaml:"no_delta"`
	WaitForDuplicate bool `json:"wait_for_duplicate" yaml:"wait_for_duplicate"`

	SplitThresholdBytes int64 `json:"split_threshold_bytes" yaml:"split_threshold_bytes"`
	// SplitUnaligned lets Pass B cut parts inside sections (still
	// between pages) to balance part sizes; zero value keeps the
	// default of section-aligned part boundaries.
	SplitUnaligned bool `json:"split_unaligned" yaml:"split_unaligned"`

	SimilarityThreshold  float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	FullRebuildThreshold float64 `json:"full_rebuild_threshold" yaml:"full_rebuild_threshold"`

	VectorBatchSize int            `json:"vector_batch_size" yaml:"vector_batch_size"`
	ObsoletePolicy  ObsoletePolicy `json:"obsolete_policy" yaml:"obsolete_policy"`

	PassTimeouts map[PassID]time.Duration `json:"per_pass_timeouts" yaml:"per_pass_timeouts"`

	Retry adapters.RetryPolicy `json:"-" yaml:"-"`

	ValidationRules []ValidationRule `json:"validation_rules" yaml:"validation_rules"`
}

// DefaultPolicy returns the stock request policy.
func DefaultPolicy() Policy {
	return Policy{
		SplitThresholdBytes:  DefaultSplitThresholdBytes,
		SimilarityThreshold:  0.5,
		FullRebuildThreshold: 0.5,
		VectorBatchSize:      DefaultVectorBatchSize,
		ObsoletePolicy:       ObsoleteSoftMark,
		Retry:                adapters.DefaultRetryPolicy(),
		ValidationRules:      DefaultValidationRules(),
	}
}

// Normalize fills zero values with defaults and rejects values outside
// their domain.
func (p Policy) Normalize() (Policy, error) {
	d := DefaultPolicy()
	if p.SplitThresholdBytes <= 0 {
		p.SplitThresholdBytes = d.SplitThresholdBytes
	}
	if p.SimilarityThreshold <= 0 {
		p.SimilarityThreshold = d.SimilarityThreshold
	}
	if p.FullRebuildThreshold <= 0 {
		p.FullRebuildThreshold = d.FullRebuildThreshold
	}
	if p.FullRebuildThreshold > 1 {
		return p, fault.Newf(fault.Preflight, "policy.normalize",
			"full_rebuild_threshold %v outside [0,1]", p.FullRebuildThreshold)
	}
	if p.VectorBatchSize <= 0 {
		p.VectorBatchSize = d.VectorBatchSize
	}
	switch p.ObsoletePolicy {
	case "":
		p.ObsoletePolicy = d.ObsoletePolicy
	case ObsoleteSoftMark, ObsoleteHardDelete:
	default:
		return p, fault.Newf(fault.Preflight, "policy.normalize",
			"unknown obsolete_policy %q", p.ObsoletePolicy)
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry = d.Retry
	}
	if len(p.ValidationRules) == 0 {
		p.ValidationRules = d.ValidationRules
	}
	for _, r := range p.ValidationRules {
		if r.Severity != SeverityWarn && r.Severity != SeverityFail {
			return p, fault.Newf(fault.Preflight, "policy.normalize",
				"rule %q: unknown severity %q", r.Name, r.Severity)
		}
	}
	return p, nil
}

// defaultPassTimeouts are per-pass execution budgets. D gets the most:
// embedding large rulebooks is the slowest stage.
var defaultPassTimeouts = map[PassID]time.Duration{
	PassA: 10 * time.Minute,
	PassB: 15 * time.Minute,
	PassC: 30 * time.Minute,
	PassD: 45 * time.Minute,
	PassE: 15 * time.Minute,
	PassF: 10 * time.Minute,
	PassG: 10 * time.Minute,
}

// maxPassTimeout caps any configured override.
const maxPassTimeout = 2 * time.Hour

// TimeoutFor resolves the execution budget for one pass.
func (p Policy) TimeoutFor(id PassID) time.Duration {
	if t, ok := p.PassTimeouts[id]; ok && t > 0 {
		return min(t, maxPassTimeout)
	}
	if t, ok := defaultPassTimeouts[id]; ok {
		return t
	}
	return 10 * time.Minute
}
