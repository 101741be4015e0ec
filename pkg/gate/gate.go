// Package gate implements the pre-pipeline decision point: given the
// SHA-256 of an incoming source and its environment, it answers whether
// the pipeline can be bypassed entirely, narrowed to changed sections,
// or must run in full. It also owns the per-(source_sha, environment)
// lock that keeps duplicate jobs from running concurrently.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/fingerprint"
	"github.com/octavolabs/octavo/pkg/manifest"
)

// ErrAlreadyInProgress reports that another job currently holds the
// (source_sha, environment) key and the policy chose not to wait.
var ErrAlreadyInProgress = errors.New("ingest already in progress for this source and environment")

// DecisionKind is the gate verdict.
type DecisionKind string

const (
	Bypass  DecisionKind = "BYPASS"
	Proceed DecisionKind = "PROCEED"
	Delta   DecisionKind = "DELTA"
)

// Decision is the gate's answer for one ingest request. For DELTA, the
// prior job's section fingerprints ride along so the pipeline can plan
// the re-pass set once current fingerprints exist.
type Decision struct {
	Kind              DecisionKind
	PriorJobID        string
	PriorManifestPath string
	PriorChunkCount   int
	PriorSections     []fingerprint.SectionFingerprint
}

// Policy is the request-scoped gate behavior.
type Policy struct {
	ForceFull        bool
	AllowDelta       bool
	WaitForDuplicate bool
}

// Leaser extends the in-process key lock across processes. Optional;
// backends that can offer it (Redis) do.
type Leaser interface {
	// AcquireLease claims the key for ttl. ok=false means another
	// process holds it. release is non-nil only when ok.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (release func() error, ok bool, err error)
}

// leasePollInterval paces blocking waits on a cross-process lease.
const leasePollInterval = 500 * time.Millisecond

// defaultLeaseTTL bounds how long a crashed process can hold a key.
const defaultLeaseTTL = 30 * time.Minute

// Gate coordinates decisions and key locks over a pluggable entry store.
type Gate struct {
	store   Store
	leaser  Leaser
	enabled bool
	locks   *keyedLocks
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLeaser adds a cross-process lease on top of the in-process lock.
func WithLeaser(l Leaser) Option {
	return func(g *Gate) { g.leaser = l }
}

// WithLogger sets the decision logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l.With("component", "gate0") }
}

// New builds a gate. When enabled is false every decision is PROCEED,
// but successes are still recorded so re-enabling picks up history.
func New(store Store, enabled bool, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		enabled: enabled,
		locks:   newKeyedLocks(),
		logger:  slog.Default().With("component", "gate0"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Acquire takes the (sourceSHA, environment) key for the duration of a
// job. The returned release must be called exactly once. When wait is
// false and the key is held, ErrAlreadyInProgress is returned without
// blocking.
func (g *Gate) Acquire(ctx context.Context, sourceSHA, environment string, wait bool) (func(), error) {
	key := sourceSHA + ":" + environment

	releaseLocal, err := g.locks.acquire(ctx, key, wait)
	if err != nil {
		return nil, err
	}

	if g.leaser == nil {
		return releaseLocal, nil
	}

	releaseLease, err := g.acquireLease(ctx, key, wait)
	if err != nil {
		releaseLocal()
		return nil, err
	}
	return func() {
		if err := releaseLease(); err != nil {
			g.logger.Warn("lease release failed", "key", key, "error", err)
		}
		releaseLocal()
	}, nil
}

func (g *Gate) acquireLease(ctx context.Context, key string, wait bool) (func() error, error) {
	for {
		release, ok, err := g.leaser.AcquireLease(ctx, key, defaultLeaseTTL)
		if err != nil {
			return nil, fault.Wrap(fault.ExternalUnavailable, "gate.lease", err)
		}
		if ok {
			return release, nil
		}
		if !wait {
			return nil, ErrAlreadyInProgress
		}
		select {
		case <-time.After(leasePollInterval):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, "gate.lease", ctx.Err())
		}
	}
}

// Decide runs the gate logic. The caller must already hold the key via
// Acquire.
//
//  1. Disabled gate or force_full: PROCEED.
//  2. Exact (source_sha, environment) hit with prior chunks: BYPASS.
//  3. Same logical source with prior section fingerprints and
//     allow_delta: DELTA against the most recent succeeded job.
//  4. Otherwise: PROCEED.
func (g *Gate) Decide(ctx context.Context, sourceSHA, sourceID, environment string, pol Policy) (Decision, error) {
	if !g.enabled {
		g.logger.Debug("gate disabled, proceeding", "source_id", sourceID)
		return Decision{Kind: Proceed}, nil
	}
	if pol.ForceFull {
		g.logger.Info("forced full ingest", "source_id", sourceID, "environment", environment)
		return Decision{Kind: Proceed}, nil
	}

	entry, err := g.store.Lookup(ctx, sourceSHA, environment)
	if err != nil {
		return Decision{}, err
	}
	if entry != nil && entry.LastChunkCount > 0 {
		g.logger.Info("bypassing unchanged source",
			"source_id", sourceID, "environment", environment, "prior_job_id", entry.LastSuccessfulJobID)
		return Decision{
			Kind:              Bypass,
			PriorJobID:        entry.LastSuccessfulJobID,
			PriorManifestPath: entry.LastManifestPath,
			PriorChunkCount:   entry.LastChunkCount,
		}, nil
	}

	if pol.AllowDelta {
		prior, err := g.store.LatestForSource(ctx, sourceID, environment)
		if err != nil {
			return Decision{}, err
		}
		if prior != nil && prior.LastManifestPath != "" {
			if sections := priorSections(prior.LastManifestPath); len(sections) > 0 {
				g.logger.Info("delta ingest against prior job",
					"source_id", sourceID, "environment", environment, "prior_job_id", prior.LastSuccessfulJobID)
				return Decision{
					Kind:              Delta,
					PriorJobID:        prior.LastSuccessfulJobID,
					PriorManifestPath: prior.LastManifestPath,
					PriorChunkCount:   prior.LastChunkCount,
					PriorSections:     sections,
				}, nil
			}
		}
	}

	return Decision{Kind: Proceed}, nil
}

// RecordSuccess upserts the cache entry after a job succeeds. Runs even
// when the gate is disabled so history stays warm.
func (g *Gate) RecordSuccess(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	return g.store.Record(ctx, e)
}

// priorSections loads the section fingerprints from a prior manifest.
// An unreadable or fingerprint-less manifest disables delta quietly;
// the pipeline falls back to a full run.
func priorSections(manifestPath string) []fingerprint.SectionFingerprint {
	h, err := manifest.Load(manifestPath)
	if err != nil {
		return nil
	}
	m := h.Snapshot()
	if m.FinalStatus != manifest.FinalSucceeded && m.FinalStatus != manifest.FinalSucceededWithWarnings {
		return nil
	}
	return m.SectionFingerprints
}
