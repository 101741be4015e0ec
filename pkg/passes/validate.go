package passes

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/pipeline"
)

// Validation outcomes recorded in the report and surfaced to the
// orchestrator.
const (
	OutcomeOK       = "ok"
	OutcomeWarnings = "warnings"
	OutcomeFailed   = "failed"
)

// ValidatePass (Pass G) measures the run against the configured rule
// set. Rules are CEL expressions over the run's metrics; a failed
// fail-severity rule fails the job, warn-severity findings downgrade it
// to a success with warnings. The report is written before the verdict
// is raised, so a failed run still leaves its evidence on disk.
type ValidatePass struct{}

func (ValidatePass) ID() pipeline.PassID { return pipeline.PassG }
func (ValidatePass) RequiredInputs() []pipeline.Input {
	return []pipeline.Input{
		{Pass: pipeline.PassA, Name: TOCName},
		{Pass: pipeline.PassC, Name: ChunksName},
		{Pass: pipeline.PassD, Name: VectorsName},
		{Pass: pipeline.PassF, Name: RunSummaryName},
	}
}
func (ValidatePass) ProducedArtifacts() []string { return []string{ValidationReportName} }

func (p ValidatePass) Execute(ctx context.Context, pc *pipeline.Context) (*pipeline.Result, error) {
	report, err := p.measure(ctx, pc)
	if err != nil {
		return nil, err
	}

	if err := p.evaluate(pc, report); err != nil {
		return nil, err
	}

	data, err := marshalJSONArtifact(*report)
	if err != nil {
		return nil, err
	}
	ref, err := pc.Store.WriteArtifact(pc.JobDir, "G", ValidationReportName, data)
	if err != nil {
		return nil, err
	}

	pc.ValidationOutcome = report.Outcome
	switch report.Outcome {
	case OutcomeFailed:
		return nil, fault.Newf(fault.IntegrityViolation, "pass_G",
			"validation failed, see %s", ValidationReportName)
	case OutcomeWarnings:
		for _, r := range report.Rules {
			if !r.Passed {
				pc.Warnf("validation rule %s not met: %s", r.Name, r.Expr)
			}
		}
	}

	pc.Log().Info("validation complete", "outcome", report.Outcome,
		"coverage", report.Coverage, "page_coverage", report.PageCoverage)
	return &pipeline.Result{
		Status:         manifest.StatusSucceeded,
		ProcessedCount: len(report.Rules),
		Artifacts:      []artifact.Ref{ref},
	}, nil
}

// measure collects the run metrics from the artifacts and, where the
// sinks expose read-back, from the sinks themselves. Sink counters that
// are not implemented report -1 so rules can distinguish "unknown"
// from "zero".
func (p ValidatePass) measure(ctx context.Context, pc *pipeline.Context) (*ValidationReport, error) {
	toc, err := readTOC(pc)
	if err != nil {
		return nil, err
	}
	chunkData, err := pc.Store.ReadArtifact(pc.JobDir, "C", ChunksName)
	if err != nil {
		return nil, err
	}
	chunks, err := decodeLines[Chunk](chunkData)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_G", err)
	}
	vecData, err := pc.Store.ReadArtifact(pc.JobDir, "D", VectorsName)
	if err != nil {
		return nil, err
	}
	records, err := decodeLines[VectorRecord](vecData)
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityViolation, "pass_G", err)
	}

	report := &ValidationReport{
		ChunkCount:   len(chunks),
		VectorCount:  len(records),
		Coverage:     vectorCoverage(chunks, records),
		PageCoverage: pageCoverage(pc, toc, chunks),
		SinkVectors:  -1,
		SinkNodes:    -1,
		SinkEdges:    -1,
	}

	if summary, err := readRunSummary(pc); err == nil {
		report.GraphNodes = summary.GraphNodeCount
		report.GraphEdges = summary.GraphEdgeCount
	}

	if counter, ok := pc.Adapters.Vectors.(adapters.VectorCounter); ok {
		if n, err := counter.VectorCount(ctx, pc.SourceID); err == nil {
			report.SinkVectors = n
		}
	}
	if counter, ok := pc.Adapters.Graph.(adapters.GraphCounter); ok {
		if nodes, edges, err := counter.GraphCounts(ctx, pc.SourceID); err == nil {
			report.SinkNodes, report.SinkEdges = nodes, edges
		}
	}
	return report, nil
}

// evaluate compiles and runs each rule, then settles the outcome.
// A rule that fails to compile is a configuration error, not a finding.
func (p ValidatePass) evaluate(pc *pipeline.Context, report *ValidationReport) error {
	env, err := cel.NewEnv(
		cel.Variable("chunk_count", cel.IntType),
		cel.Variable("vector_count", cel.IntType),
		cel.Variable("coverage", cel.DoubleType),
		cel.Variable("page_coverage", cel.DoubleType),
		cel.Variable("graph_nodes", cel.IntType),
		cel.Variable("graph_edges", cel.IntType),
		cel.Variable("sink_vectors", cel.IntType),
		cel.Variable("sink_nodes", cel.IntType),
		cel.Variable("sink_edges", cel.IntType),
		cel.Variable("delta_mode", cel.BoolType),
	)
	if err != nil {
		return fault.Wrap(fault.Preflight, "pass_G", err)
	}

	vars := map[string]any{
		"chunk_count":   int64(report.ChunkCount),
		"vector_count":  int64(report.VectorCount),
		"coverage":      report.Coverage,
		"page_coverage": report.PageCoverage,
		"graph_nodes":   int64(report.GraphNodes),
		"graph_edges":   int64(report.GraphEdges),
		"sink_vectors":  int64(report.SinkVectors),
		"sink_nodes":    int64(report.SinkNodes),
		"sink_edges":    int64(report.SinkEdges),
		"delta_mode":    pc.Plan != nil && !pc.Plan.FullRebuild,
	}

	failed, warned := false, false
	for _, rule := range pc.Policy.ValidationRules {
		ast, iss := env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return fault.Newf(fault.Preflight, "pass_G",
				"rule %q does not compile: %v", rule.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fault.Wrap(fault.Preflight, "pass_G", err)
		}
		out, _, err := prg.Eval(vars)
		if err != nil {
			return fault.Newf(fault.Preflight, "pass_G", "rule %q: %v", rule.Name, err)
		}
		passed, ok := out.Value().(bool)
		if !ok {
			return fault.Newf(fault.Preflight, "pass_G",
				"rule %q is not a boolean expression", rule.Name)
		}

		report.Rules = append(report.Rules, RuleResult{
			Name:     rule.Name,
			Expr:     rule.Expr,
			Severity: string(rule.Severity),
			Passed:   passed,
		})
		if !passed {
			if rule.Severity == pipeline.SeverityFail {
				failed = true
			} else {
				warned = true
			}
		}
	}

	switch {
	case failed:
		report.Outcome = OutcomeFailed
	case warned:
		report.Outcome = OutcomeWarnings
	default:
		report.Outcome = OutcomeOK
	}
	return nil
}

// vectorCoverage is the share of chunks with a vector record.
func vectorCoverage(chunks []Chunk, records []VectorRecord) float64 {
	if len(chunks) == 0 {
		return 1.0
	}
	have := make(map[string]bool, len(records))
	for _, r := range records {
		have[r.ChunkID] = true
	}
	covered := 0
	for _, c := range chunks {
		if have[c.ChunkID] {
			covered++
		}
	}
	return float64(covered) / float64(len(chunks))
}

// pageCoverage is the share of in-scope pages touched by a chunk span.
// On delta runs only pages of re-processed sections are in scope.
func pageCoverage(pc *pipeline.Context, toc TOC, chunks []Chunk) float64 {
	inScope := make(map[int]bool)
	for _, sec := range toc.Sections {
		if !pc.Plan.ShouldProcess(sec.SectionID) {
			continue
		}
		for page := sec.StartPage; page <= sec.EndPage; page++ {
			inScope[page] = true
		}
	}
	if len(inScope) == 0 {
		return 1.0
	}

	covered := make(map[int]bool)
	for _, c := range chunks {
		for page := c.PageSpan[0]; page <= c.PageSpan[1]; page++ {
			if inScope[page] {
				covered[page] = true
			}
		}
	}
	return float64(len(covered)) / float64(len(inScope))
}

func readRunSummary(pc *pipeline.Context) (RunSummary, error) {
	data, err := pc.Store.ReadArtifact(pc.JobDir, "F", RunSummaryName)
	if err != nil {
		return RunSummary{}, err
	}
	var s RunSummary
	if err := decodeJSON(data, &s); err != nil {
		return RunSummary{}, err
	}
	return s, nil
}
