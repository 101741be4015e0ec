// Package manifest maintains the authoritative per-job state record at
// {job_dir}/manifest.json. The manifest is append-only in spirit: writes
// only add completed passes and never remove, and pass states move
// strictly forward (pending -> running -> succeeded|failed|skipped).
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/fingerprint"
)

// Version is the current manifest schema version. Load rejects any
// other value loudly rather than guessing at field semantics.
const Version = 1

// Filename is the manifest's name inside a job directory.
const Filename = "manifest.json"

// Status is the lifecycle state of one pass.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// rank orders statuses so transitions can be checked for forward
// monotonicity. Terminal states share a rank; moving between them is
// backward by definition of "no further writes".
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool { return s.rank() == 2 }

// FinalStatus is the job-level outcome mirrored into the manifest.
type FinalStatus string

const (
	FinalRunning               FinalStatus = "RUNNING"
	FinalSucceeded             FinalStatus = "SUCCEEDED"
	FinalSucceededWithWarnings FinalStatus = "SUCCEEDED_WITH_WARNINGS"
	FinalFailed                FinalStatus = "FAILED"
	FinalCancelled             FinalStatus = "CANCELLED"
)

// GateDecision records the Gate 0 outcome that admitted this job.
type GateDecision struct {
	Kind            string   `json:"kind"` // BYPASS | PROCEED | DELTA
	PriorJobID      string   `json:"prior_job_id,omitempty"`
	ChangedSections []string `json:"changed_sections,omitempty"`
}

// PassState tracks one pass inside the manifest.
type PassState struct {
	Status         Status         `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	ProcessedCount int            `json:"processed_count"`
	ArtifactCount  int            `json:"artifact_count"`
	Artifacts      []artifact.Ref `json:"artifacts,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
}

// Seal is the optional signature over the finalized manifest content.
type Seal struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
}

// Manifest is the on-disk document. Field names are load-bearing;
// downstream consumers parse this exact shape.
type Manifest struct {
	ManifestVersion     int                              `json:"manifest_version"`
	JobID               string                           `json:"job_id"`
	SourceID            string                           `json:"source_id"`
	SourceSHA           string                           `json:"source_sha"`
	Environment         string                           `json:"environment"`
	Phases              []string                         `json:"phases"`
	PassStates          map[string]*PassState            `json:"pass_states"`
	Gate0Decision       GateDecision                     `json:"gate0_decision"`
	SectionFingerprints []fingerprint.SectionFingerprint `json:"section_fingerprints,omitempty"`
	CreatedAt           time.Time                        `json:"created_at"`
	UpdatedAt           time.Time                        `json:"updated_at"`
	FinalStatus         FinalStatus                      `json:"final_status"`
	Seal                *Seal                            `json:"seal,omitempty"`
}

// Fields carries the optional updates a transition may apply alongside
// the status change.
type Fields struct {
	ProcessedCount int
	ArtifactCount  int
	Artifacts      []artifact.Ref
	DurationMS     int64
	Error          string
}

// Handle is the single writer for one job's manifest. All mutations
// persist atomically (temp + rename) before returning.
type Handle struct {
	mu   sync.Mutex
	path string
	m    *Manifest
}

// Init writes the initial manifest with every pass pending and the job
// marked RUNNING.
func Init(jobDir, jobID, sourceID, sourceSHA, environment string, phases []string, gate GateDecision) (*Handle, error) {
	now := time.Now().UTC()
	m := &Manifest{
		ManifestVersion: Version,
		JobID:           jobID,
		SourceID:        sourceID,
		SourceSHA:       sourceSHA,
		Environment:     environment,
		Phases:          phases,
		PassStates:      make(map[string]*PassState, len(phases)),
		Gate0Decision:   gate,
		CreatedAt:       now,
		UpdatedAt:       now,
		FinalStatus:     FinalRunning,
	}
	for _, p := range phases {
		m.PassStates[p] = &PassState{Status: StatusPending}
	}

	h := &Handle{path: filepath.Join(jobDir, Filename), m: m}
	if err := h.persistLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

// Load reads and validates an existing manifest. Unknown manifest
// versions and schema violations are rejected.
func Load(path string) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.ArtifactMissing, "manifest.load", "no manifest at %s", path)
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if err := ValidateBytes(data); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", path, err)
	}
	if m.ManifestVersion != Version {
		return nil, fault.Newf(fault.IntegrityViolation, "manifest.load",
			"unsupported manifest_version %d (want %d)", m.ManifestVersion, Version)
	}
	return &Handle{path: path, m: &m}, nil
}

// Path returns the manifest file location.
func (h *Handle) Path() string { return h.path }

// Snapshot returns a consistent copy of the current manifest.
func (h *Handle) Snapshot() Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := *h.m
	cp.Phases = append([]string(nil), h.m.Phases...)
	cp.PassStates = make(map[string]*PassState, len(h.m.PassStates))
	for k, v := range h.m.PassStates {
		sc := *v
		sc.Artifacts = append([]artifact.Ref(nil), v.Artifacts...)
		cp.PassStates[k] = &sc
	}
	cp.SectionFingerprints = append([]fingerprint.SectionFingerprint(nil), h.m.SectionFingerprints...)
	if h.m.Seal != nil {
		seal := *h.m.Seal
		cp.Seal = &seal
	}
	return cp
}

// Transition moves one pass from `from` to `to`, applying fields, and
// persists. Fails with IllegalTransition when `from` does not match the
// current state or the move is not strictly forward.
func (h *Handle) Transition(passID string, from, to Status, fields Fields) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ps, ok := h.m.PassStates[passID]
	if !ok {
		return fault.Newf(fault.IllegalTransition, "manifest.transition",
			"unknown pass %q", passID)
	}
	if ps.Status != from {
		return fault.Newf(fault.IllegalTransition, "manifest.transition",
			"pass %s is %s, not %s", passID, ps.Status, from)
	}
	if to.rank() <= from.rank() {
		return fault.Newf(fault.IllegalTransition, "manifest.transition",
			"pass %s: %s -> %s is not forward", passID, from, to)
	}

	now := time.Now().UTC()
	ps.Status = to
	switch to {
	case StatusRunning:
		ps.StartedAt = &now
	case StatusSucceeded, StatusFailed, StatusSkipped:
		ps.EndedAt = &now
		ps.ProcessedCount = fields.ProcessedCount
		ps.ArtifactCount = fields.ArtifactCount
		ps.Artifacts = fields.Artifacts
		ps.DurationMS = fields.DurationMS
		ps.Error = fields.Error
	}
	h.m.UpdatedAt = now
	return h.persistLocked()
}

// UpdateGateDecision rewrites the recorded gate decision. Used once the
// delta plan resolves the concrete changed-section set, which is not
// known yet when the job is admitted.
func (h *Handle) UpdateGateDecision(gate GateDecision) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.m.Gate0Decision = gate
	h.m.UpdatedAt = time.Now().UTC()
	return h.persistLocked()
}

// SetSectionFingerprints records the section digests Pass C resolved, so
// later ingests of the same source can plan deltas against this job.
func (h *Handle) SetSectionFingerprints(fps []fingerprint.SectionFingerprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.m.SectionFingerprints = append([]fingerprint.SectionFingerprint(nil), fps...)
	h.m.UpdatedAt = time.Now().UTC()
	return h.persistLocked()
}

// Finalize sets the job-level outcome. Success outcomes require every
// pass to be terminal; FAILED and CANCELLED may land at any time.
func (h *Handle) Finalize(status FinalStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if status != FinalFailed && status != FinalCancelled {
		for id, ps := range h.m.PassStates {
			if !ps.Status.Terminal() {
				return fault.Newf(fault.IllegalTransition, "manifest.finalize",
					"pass %s still %s", id, ps.Status)
			}
		}
	}
	h.m.FinalStatus = status
	h.m.UpdatedAt = time.Now().UTC()
	return h.persistLocked()
}

// SetSeal attaches the signature block and persists.
func (h *Handle) SetSeal(seal Seal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.m.Seal = &seal
	h.m.UpdatedAt = time.Now().UTC()
	return h.persistLocked()
}

func (h *Handle) persistLocked() error {
	data, err := json.MarshalIndent(h.m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	data = append(data, '\n')

	tmp := h.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: close temp: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: commit: %w", err)
	}
	return nil
}
