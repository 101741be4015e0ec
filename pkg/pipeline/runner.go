package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/observability"
)

// Runner drives one job's passes in order, enforcing the execution
// policy: input checks, manifest transitions, per-pass timeouts, audit
// events, and halt on first failure.
type Runner struct {
	Logger *slog.Logger
	Obs    *observability.Provider
}

// Run executes passes sequentially. On the first failure the manifest
// records the failed pass, downstream passes stay pending, and the
// classified error is returned for the orchestrator to finalize the
// job. Cancellation surfaces as a failed pass with reason "cancelled"
// and kind fault.Cancelled.
func (r *Runner) Run(ctx context.Context, pc *Context, passes []Pass) error {
	logger := r.Logger
	if logger == nil {
		logger = pc.Log()
	}

	for _, pass := range passes {
		if err := r.runOne(ctx, pc, pass, logger); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, pc *Context, pass Pass, logger *slog.Logger) error {
	id := string(pass.ID())
	logger = logger.With("pass_id", id)

	for _, in := range pass.RequiredInputs() {
		if !pc.Store.HasArtifact(pc.JobDir, string(in.Pass), in.Name) {
			err := fault.Newf(fault.ArtifactMissing, "pass_"+id+".inputs",
				"required input pass_%s/%s is missing", in.Pass, in.Name)
			r.markFailed(pc, id, time.Time{}, err)
			return err
		}
	}

	if err := pc.Manifest.Transition(id, manifest.StatusPending, manifest.StatusRunning, manifest.Fields{}); err != nil {
		return err
	}
	if _, err := pc.Audit.Append(audit.EventPassStarted, id, map[string]any{"pass_id": id}); err != nil {
		return err
	}

	timeout := pc.Policy.TimeoutFor(pass.ID())
	passCtx, cancel := context.WithTimeoutCause(ctx, timeout,
		fault.Newf(fault.Cancelled, "pass_"+id, "timeout after %s", timeout))
	defer cancel()

	obsCtx, finish := r.Obs.TrackPass(passCtx, id, pc.JobID)

	started := time.Now()
	logger.Info("pass started", "timeout", timeout)
	res, err := pass.Execute(obsCtx, pc)
	elapsed := time.Since(started)
	finish(err)

	if err != nil {
		err = classifyPassError(passCtx, id, err)
		r.markFailed(pc, id, started, err)
		logger.Error("pass failed", "duration", elapsed, "error", err)
		return err
	}
	if res == nil {
		err := fault.Newf(fault.IntegrityViolation, "pass_"+id, "pass returned no result")
		r.markFailed(pc, id, started, err)
		return err
	}

	fields := manifest.Fields{
		ProcessedCount: res.ProcessedCount,
		ArtifactCount:  len(res.Artifacts),
		Artifacts:      res.Artifacts,
		DurationMS:     elapsed.Milliseconds(),
	}

	switch res.Status {
	case manifest.StatusSkipped:
		if err := pc.Manifest.Transition(id, manifest.StatusRunning, manifest.StatusSkipped, fields); err != nil {
			return err
		}
		if _, err := pc.Audit.Append(audit.EventPassSkipped, id, fields); err != nil {
			return err
		}
		logger.Info("pass skipped", "duration", elapsed)
		return nil
	case manifest.StatusSucceeded:
		if err := pc.Manifest.Transition(id, manifest.StatusRunning, manifest.StatusSucceeded, fields); err != nil {
			return err
		}
		if _, err := pc.Audit.Append(audit.EventPassSucceeded, id, fields); err != nil {
			return err
		}
		logger.Info("pass succeeded",
			"processed", res.ProcessedCount, "artifacts", len(res.Artifacts), "duration", elapsed)
		return nil
	default:
		err := fault.Newf(fault.IntegrityViolation, "pass_"+id,
			"pass reported unexpected status %q", res.Status)
		r.markFailed(pc, id, started, err)
		return err
	}
}

// classifyPassError folds context expiry into the Cancelled kind so the
// manifest records "cancelled" rather than a raw deadline error.
func classifyPassError(ctx context.Context, id string, err error) error {
	if fault.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && fault.KindOf(cause) != "" {
			return cause
		}
		return fault.Wrap(fault.Cancelled, "pass_"+id, err)
	}
	return fmt.Errorf("pass_%s: %w", id, err)
}

// markFailed transitions the pass to failed and appends the audit
// event. Best effort: a manifest that cannot be written anymore must
// not mask the original failure.
func (r *Runner) markFailed(pc *Context, id string, started time.Time, cause error) {
	reason := cause.Error()
	if fault.Is(cause, fault.Cancelled) {
		reason = "cancelled"
	}
	var durationMS int64
	if !started.IsZero() {
		durationMS = time.Since(started).Milliseconds()
	}

	st := pc.Manifest.Snapshot().PassStates[id]
	if st != nil && st.Status == manifest.StatusPending {
		// Input check failed before the pass ever ran.
		_ = pc.Manifest.Transition(id, manifest.StatusPending, manifest.StatusRunning, manifest.Fields{})
	}
	if err := pc.Manifest.Transition(id, manifest.StatusRunning, manifest.StatusFailed, manifest.Fields{
		Error:      reason,
		DurationMS: durationMS,
	}); err != nil {
		pc.Log().Error("could not record pass failure", "pass_id", id, "error", err)
	}
	if _, err := pc.Audit.Append(audit.EventPassFailed, id, map[string]any{
		"error": reason,
		"kind":  string(fault.KindOf(cause)),
	}); err != nil {
		pc.Log().Error("could not audit pass failure", "pass_id", id, "error", err)
	}
}
