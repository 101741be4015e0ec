// Package artifact owns the on-disk layout of job directories and the
// atomic write discipline for everything the passes produce.
//
// Layout (consumers depend on this exact shape):
//
//	{root}/{environment}/{job_id}/
//	  manifest.json
//	  audit.ndjson
//	  pass_A/toc.json
//	  pass_B/split_index.json
//	  pass_B/parts/0001.pdf ...
//	  pass_C/chunks.jsonl
//	  pass_C/page_fingerprints.json
//	  pass_D/vectors.jsonl
//	  pass_E/graph_delta.json
//	  pass_F/run_summary.json
//	  pass_G/validation_report.json
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/octavolabs/octavo/pkg/fault"
)

// Ref describes one written artifact.
type Ref struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Store manages job directories under a single artifacts root.
type Store struct {
	root string
}

// NewStore ensures the artifacts root exists and returns a store over it.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fault.Wrap(fault.Preflight, "artifact.root", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute artifacts root.
func (s *Store) Root() string { return s.root }

// JobDir returns the path a job directory occupies without creating it.
func (s *Store) JobDir(environment, jobID string) string {
	return filepath.Join(s.root, environment, jobID)
}

// CreateJobDir creates {root}/{environment}/{job_id}. The directory must
// not already exist.
func (s *Store) CreateJobDir(environment, jobID string) (string, error) {
	dir := s.JobDir(environment, jobID)
	if _, err := os.Stat(dir); err == nil {
		return "", fault.Newf(fault.ArtifactConflict, "artifact.create_job_dir",
			"job directory already exists: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create job dir: %w", err)
	}
	return dir, nil
}

// WriteArtifact persists one pass output. Data goes to {path}.tmp first,
// is fsynced, then renamed into place. The SHA-256 is computed during
// the write. Writing identical bytes over an existing artifact is a
// no-op; different bytes report ArtifactConflict.
//
// name may contain a subdirectory, e.g. "parts/0001.pdf".
func (s *Store) WriteArtifact(jobDir, passID, name string, data []byte) (Ref, error) {
	rel := filepath.Join("pass_"+passID, filepath.FromSlash(name))
	path := filepath.Join(jobDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("artifact: ensure pass dir: %w", err)
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	ref := Ref{Name: name, Path: path, SHA256: sha, Bytes: int64(len(data))}

	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, data) {
			return ref, nil
		}
		return Ref{}, fault.Newf(fault.ArtifactConflict, "artifact.write",
			"artifact %s exists with different content", rel)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Ref{}, fmt.Errorf("artifact: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("artifact: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("artifact: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("artifact: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("artifact: commit %s: %w", rel, err)
	}
	return ref, nil
}

// ReadArtifact returns the bytes of a pass output.
func (s *Store) ReadArtifact(jobDir, passID, name string) ([]byte, error) {
	path := s.ArtifactPath(jobDir, passID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.ArtifactMissing, "artifact.read",
				"pass_%s/%s not found in %s", passID, name, jobDir)
		}
		return nil, fmt.Errorf("artifact: read pass_%s/%s: %w", passID, name, err)
	}
	return data, nil
}

// HasArtifact reports whether a pass output exists.
func (s *Store) HasArtifact(jobDir, passID, name string) bool {
	_, err := os.Stat(s.ArtifactPath(jobDir, passID, name))
	return err == nil
}

// ArtifactPath returns the absolute path of a pass output.
func (s *Store) ArtifactPath(jobDir, passID, name string) string {
	return filepath.Join(jobDir, "pass_"+passID, filepath.FromSlash(name))
}

// ListJobDirs returns every job directory for a source in an
// environment, newest first. Job ids embed a UTC timestamp after the
// source prefix, so descending name order is descending creation order.
func (s *Store) ListJobDirs(environment, sourceID string) ([]string, error) {
	envDir := filepath.Join(s.root, environment)
	entries, err := os.ReadDir(envDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list %s: %w", envDir, err)
	}

	prefix := SafeSourceID(sourceID) + "_"
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			dirs = append(dirs, filepath.Join(envDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}

// SweepTmp removes orphaned .tmp files left by interrupted writes under
// dir and returns how many were removed. Called on job start and again
// by the finalizer.
func SweepTmp(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".tmp") {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("artifact: sweep %s: %w", dir, err)
	}
	return removed, nil
}

// SafeSourceID reduces a source id to the filesystem-safe form used as
// the job id prefix: lowercase, runs of non-alphanumerics collapsed to
// single hyphens.
func SafeSourceID(sourceID string) string {
	var b strings.Builder
	b.Grow(len(sourceID))
	pendingHyphen := false
	for _, r := range strings.ToLower(sourceID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// NewJobID mints the identifier <source_safe>_<utc_timestamp>.
func NewJobID(sourceID string, now time.Time) string {
	return SafeSourceID(sourceID) + "_" + now.UTC().Format("20060102T150405Z")
}
