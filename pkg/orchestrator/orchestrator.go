// Package orchestrator admits ingestion requests, runs the Gate 0
// decision under the per-(source_sha, environment) key, and drives the
// pass pipeline to a terminal state. A bounded worker pool fans batches
// out; each job is isolated so one panic never takes a sibling down.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/fingerprint"
	"github.com/octavolabs/octavo/pkg/gate"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/observability"
	"github.com/octavolabs/octavo/pkg/passes"
	"github.com/octavolabs/octavo/pkg/pipeline"
	"github.com/octavolabs/octavo/pkg/signing"
)

// DefaultWorkerSlots bounds concurrent jobs in a batch.
const DefaultWorkerSlots = 4

// StatusBypassed is the terminal status of a request answered from the
// Gate 0 cache without creating a job directory.
const StatusBypassed manifest.FinalStatus = "BYPASSED"

// Environments accepted by the orchestrator.
var validEnvironments = map[string]bool{"dev": true, "test": true, "prod": true}

// IngestRequest is one source to ingest. SourceID defaults to the
// source filename without its extension.
type IngestRequest struct {
	SourcePath  string
	SourceID    string
	Environment string
	Policy      pipeline.Policy
}

// Summary carries the aggregate counters of a finished (or bypassed)
// ingest.
type Summary struct {
	ChunkCount     int   `json:"chunk_count"`
	VectorCount    int   `json:"vector_count"`
	GraphNodeCount int   `json:"graph_node_count"`
	GraphEdgeCount int   `json:"graph_edge_count"`
	DurationMS     int64 `json:"duration_ms"`
}

// IngestResult is the terminal answer for one request.
type IngestResult struct {
	RequestID    string               `json:"request_id"`
	JobID        string               `json:"job_id,omitempty"`
	SourceID     string               `json:"source_id"`
	FinalStatus  manifest.FinalStatus `json:"final_status"`
	ManifestPath string               `json:"manifest_path,omitempty"`
	Summary      Summary              `json:"summary"`
	Warnings     []string             `json:"warnings,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Succeeded reports whether the result is a success-shaped terminal.
func (r IngestResult) Succeeded() bool {
	switch r.FinalStatus {
	case manifest.FinalSucceeded, manifest.FinalSucceededWithWarnings, StatusBypassed:
		return true
	default:
		return false
	}
}

// Orchestrator coordinates gate, store, adapters, and the pass runner.
type Orchestrator struct {
	store    *artifact.Store
	gate     *gate.Gate
	adapters *adapters.Bundle
	keyring  *signing.Keyring
	archiver artifact.Archiver
	obs      *observability.Provider
	logger   *slog.Logger
	slots    int
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeyring enables manifest sealing.
func WithKeyring(k *signing.Keyring) Option {
	return func(o *Orchestrator) { o.keyring = k }
}

// WithObservability attaches tracing and metrics.
func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With("component", "orchestrator") }
}

// WithWorkerSlots bounds batch concurrency.
func WithWorkerSlots(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.slots = n
		}
	}
}

// WithClock overrides time for tests; job ids embed it.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithArchiver mirrors finished job directories to object storage.
// Archival is best-effort; a failed upload is logged, never fatal.
func WithArchiver(a artifact.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// New assembles an orchestrator over a store, a gate, and the adapter
// bundle.
func New(store *artifact.Store, g *gate.Gate, bundle *adapters.Bundle, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		gate:     g,
		adapters: bundle,
		logger:   slog.Default().With("component", "orchestrator"),
		slots:    DefaultWorkerSlots,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest runs one request to a terminal state. The returned result is
// meaningful even when err is non-nil: FinalStatus and Error describe
// the terminal the job reached.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	requestID := uuid.NewString()
	req = normalizeRequest(req)
	res := IngestResult{RequestID: requestID, SourceID: req.SourceID, FinalStatus: manifest.FinalFailed}
	log := o.logger.With("request_id", requestID, "source_id", req.SourceID, "environment", req.Environment)

	pol, err := o.validate(&req)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	sourceSHA, err := fingerprint.FileSHA(req.SourcePath)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	release, err := o.gate.Acquire(ctx, sourceSHA, req.Environment, pol.WaitForDuplicate)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	defer release()

	decision, err := o.gate.Decide(ctx, sourceSHA, req.SourceID, req.Environment, gate.Policy{
		ForceFull:        pol.ForceFull,
		AllowDelta:       !pol.NoDelta,
		WaitForDuplicate: pol.WaitForDuplicate,
	})
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	if decision.Kind == gate.Bypass {
		log.Info("bypassing unchanged source", "prior_job_id", decision.PriorJobID)
		return o.bypassResult(res, decision), nil
	}

	return o.runJob(ctx, log, req, pol, sourceSHA, decision, res)
}

// IngestBatch fans requests over the worker pool and returns results in
// request order. The batch error is nil only when every request reached
// a success-shaped terminal.
func (o *Orchestrator) IngestBatch(ctx context.Context, reqs []IngestRequest) ([]IngestResult, error) {
	results := make([]IngestResult, len(reqs))
	sem := make(chan struct{}, o.slots)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req IngestRequest) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = IngestResult{
					SourceID:    req.SourceID,
					FinalStatus: manifest.FinalCancelled,
					Error:       context.Cause(ctx).Error(),
				}
				return
			}
			results[i], _ = o.Ingest(ctx, req)
		}(i, req)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("orchestrator: %d of %d ingests did not succeed", failed, len(reqs))
	}
	return results, nil
}

func normalizeRequest(req IngestRequest) IngestRequest {
	if req.SourceID == "" {
		base := filepath.Base(req.SourcePath)
		req.SourceID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return req
}

func (o *Orchestrator) validate(req *IngestRequest) (pipeline.Policy, error) {
	if !validEnvironments[req.Environment] {
		return pipeline.Policy{}, fault.Newf(fault.Preflight, "orchestrator.validate",
			"unknown environment %q (want dev, test, or prod)", req.Environment)
	}
	if !filepath.IsAbs(req.SourcePath) {
		abs, err := filepath.Abs(req.SourcePath)
		if err != nil {
			return pipeline.Policy{}, fault.Wrap(fault.Preflight, "orchestrator.validate", err)
		}
		req.SourcePath = abs
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		return pipeline.Policy{}, fault.Wrap(fault.SourceUnreadable, "orchestrator.validate", err)
	}
	return req.Policy.Normalize()
}

// bypassResult answers from the prior job without creating a job
// directory. The summary comes from the prior run summary when it is
// still readable.
func (o *Orchestrator) bypassResult(res IngestResult, decision gate.Decision) IngestResult {
	res.FinalStatus = StatusBypassed
	res.JobID = decision.PriorJobID
	res.ManifestPath = decision.PriorManifestPath
	res.Summary = Summary{ChunkCount: decision.PriorChunkCount}
	res.Error = ""

	if decision.PriorManifestPath == "" {
		return res
	}
	priorDir := filepath.Dir(decision.PriorManifestPath)
	data, err := o.store.ReadArtifact(priorDir, "F", passes.RunSummaryName)
	if err != nil {
		return res
	}
	var s passes.RunSummary
	if err := decodeSummary(data, &s); err != nil {
		return res
	}
	res.Summary = Summary{
		ChunkCount:     s.ChunkCount,
		VectorCount:    s.VectorCount,
		GraphNodeCount: s.GraphNodeCount,
		GraphEdgeCount: s.GraphEdgeCount,
		DurationMS:     s.DurationMS,
	}
	return res
}

func (o *Orchestrator) runJob(ctx context.Context, log *slog.Logger, req IngestRequest, pol pipeline.Policy, sourceSHA string, decision gate.Decision, res IngestResult) (IngestResult, error) {
	info, err := os.Stat(req.SourcePath)
	if err != nil {
		res.Error = err.Error()
		return res, fault.Wrap(fault.SourceUnreadable, "orchestrator.run", err)
	}

	jobID := artifact.NewJobID(req.SourceID, o.now())
	jobDir, err := o.store.CreateJobDir(req.Environment, jobID)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.JobID = jobID
	log = log.With("job_id", jobID)

	man, err := manifest.Init(jobDir, jobID, req.SourceID, sourceSHA, req.Environment,
		pipeline.Phases(), manifest.GateDecision{Kind: string(decision.Kind), PriorJobID: decision.PriorJobID})
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.ManifestPath = man.Path()

	auditLog, err := audit.Open(filepath.Join(jobDir, passes.AuditFilename), jobID)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	defer auditLog.Close()

	auditLog.Append(audit.EventJobCreated, "", map[string]any{
		"source_id":   req.SourceID,
		"source_sha":  sourceSHA,
		"environment": req.Environment,
		"source_size": info.Size(),
		"request_id":  res.RequestID,
	})
	auditLog.Append(audit.EventGateDecision, "", map[string]any{
		"kind":         string(decision.Kind),
		"prior_job_id": decision.PriorJobID,
	})

	pc := &pipeline.Context{
		JobID:       jobID,
		SourceID:    req.SourceID,
		SourceSHA:   sourceSHA,
		SourcePath:  req.SourcePath,
		SourceSize:  info.Size(),
		Environment: req.Environment,
		JobDir:      jobDir,
		Policy:      pol,
		Adapters:    o.adapters,
		Store:       o.store,
		Manifest:    man,
		Audit:       auditLog,
		Logger:      log,
	}
	if decision.Kind == gate.Delta {
		pc.PriorJobID = decision.PriorJobID
		pc.PriorJobDir = filepath.Dir(decision.PriorManifestPath)
		pc.PriorSections = decision.PriorSections
	}

	done := o.obs.JobAdmitted(ctx, req.Environment)
	runErr := o.runPasses(ctx, pc)
	final := o.settle(ctx, log, pc, auditLog, runErr)
	done(string(final))

	res.FinalStatus = final
	res.Warnings = pc.Warnings
	if runErr != nil {
		res.Error = runErr.Error()
		return res, runErr
	}

	res.Summary = o.jobSummary(pc)
	o.recordSuccess(ctx, log, req, pc, sourceSHA)

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, jobDir); err != nil {
			log.Warn("job archive failed", "error", err)
		}
	}
	return res, nil
}

// runPasses executes the pipeline with panic isolation: a panicking
// pass fails its job, not the process.
func (o *Orchestrator) runPasses(ctx context.Context, pc *pipeline.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.IntegrityViolation, "orchestrator.run",
				"pass panicked: %v", r)
			pc.Log().Error("pass panicked", "panic", fmt.Sprint(r))
		}
	}()

	runner := &pipeline.Runner{Logger: pc.Logger, Obs: o.obs}
	return runner.Run(ctx, pc, passes.Sequence())
}

// settle finalizes the manifest, appends the terminal audit event, and
// seals when a keyring is configured.
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, pc *pipeline.Context, auditLog *audit.Log, runErr error) manifest.FinalStatus {
	final := manifest.FinalSucceeded
	switch {
	case runErr != nil && fault.KindOf(runErr) == fault.Cancelled:
		final = manifest.FinalCancelled
	case runErr != nil:
		final = manifest.FinalFailed
	case pc.ValidationOutcome == passes.OutcomeWarnings || len(pc.Warnings) > 0:
		final = manifest.FinalSucceededWithWarnings
	}

	if err := pc.Manifest.Finalize(final); err != nil {
		log.Error("manifest finalize failed", "error", err)
	}

	if final == manifest.FinalCancelled {
		auditLog.Append(audit.EventJobCancelled, "", map[string]any{
			"reason": runErr.Error(),
		})
	} else {
		payload := map[string]any{"final_status": string(final)}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		auditLog.Append(audit.EventJobFinalized, "", payload)
	}

	// Sealing happens after the terminal status lands so the seal
	// covers what consumers will read.
	if o.keyring != nil && runErr == nil {
		seal, err := o.keyring.Seal(pc.Manifest.Snapshot())
		if err != nil {
			log.Error("manifest seal failed", "error", err)
		} else if err := pc.Manifest.SetSeal(seal); err != nil {
			log.Error("manifest seal write failed", "error", err)
		}
	}

	log.Info("job settled", "final_status", string(final))
	return final
}

func (o *Orchestrator) jobSummary(pc *pipeline.Context) Summary {
	data, err := o.store.ReadArtifact(pc.JobDir, "F", passes.RunSummaryName)
	if err != nil {
		return Summary{}
	}
	var s passes.RunSummary
	if err := decodeSummary(data, &s); err != nil {
		return Summary{}
	}
	return Summary{
		ChunkCount:     s.ChunkCount,
		VectorCount:    s.VectorCount,
		GraphNodeCount: s.GraphNodeCount,
		GraphEdgeCount: s.GraphEdgeCount,
		DurationMS:     s.DurationMS,
	}
}

func decodeSummary(data []byte, s *passes.RunSummary) error {
	return json.Unmarshal(data, s)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, log *slog.Logger, req IngestRequest, pc *pipeline.Context, sourceSHA string) {
	summary := o.jobSummary(pc)
	err := o.gate.RecordSuccess(ctx, gate.Entry{
		SourceSHA:           sourceSHA,
		SourceID:            req.SourceID,
		Environment:         req.Environment,
		LastSuccessfulJobID: pc.JobID,
		LastChunkCount:      summary.ChunkCount,
		LastManifestPath:    pc.Manifest.Path(),
		UpdatedAt:           o.now().UTC(),
	})
	if err != nil {
		log.Warn("gate record failed, next ingest will run full", "error", err)
	}
}
