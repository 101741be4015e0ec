// Package audit maintains the tamper-evident event log of a job. Events
// are appended as single NDJSON lines to {job_dir}/audit.ndjson; each
// line carries the digest of the line before it, forming a hash chain
// that Verify can recompute end to end.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/octavolabs/octavo/pkg/canonical"
	"github.com/octavolabs/octavo/pkg/fault"
)

// GenesisDigest seeds the chain for the first line of every log.
var GenesisDigest = strings.Repeat("0", 64)

// Event types emitted by the pipeline.
const (
	EventJobCreated    = "job_created"
	EventGateDecision  = "gate_decision"
	EventPassStarted   = "pass_started"
	EventPassSucceeded = "pass_succeeded"
	EventPassFailed    = "pass_failed"
	EventPassSkipped   = "pass_skipped"
	EventArtifact      = "artifact_written"
	EventExternalRetry = "external_retry"
	EventWarning       = "warning"
	EventJobFinalized  = "job_finalized"
	EventJobCancelled  = "job_cancelled"
)

// Event is one audit log line. PayloadDigest commits to the payload
// content; PreviousEntryDigest chains this line to the one before it.
type Event struct {
	EventID             string          `json:"event_id"`
	JobID               string          `json:"job_id"`
	PassID              string          `json:"pass_id,omitempty"`
	EventType           string          `json:"event_type"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	PayloadDigest       string          `json:"payload_digest"`
	PreviousEntryDigest string          `json:"previous_entry_digest"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Log is an open, append-only audit log for a single job. Safe for
// concurrent use; appends are serialized.
type Log struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	jobID      string
	prevDigest string
	count      int
}

// Open creates the log file, or reopens an existing one by replaying
// and verifying its chain so appends continue from the true head.
func Open(path, jobID string) (*Log, error) {
	prev := GenesisDigest
	count := 0
	if _, err := os.Stat(path); err == nil {
		head, n, err := replay(path)
		if err != nil {
			return nil, err
		}
		prev, count = head, n
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{f: f, path: path, jobID: jobID, prevDigest: prev, count: count}, nil
}

// Append writes one event. passID may be empty for job-level events.
// The payload is embedded in canonical form and committed to by digest.
func (l *Log) Append(eventType, passID string, payload any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		EventID:             ulid.Make().String(),
		JobID:               l.jobID,
		PassID:              passID,
		EventType:           eventType,
		PreviousEntryDigest: l.prevDigest,
		Timestamp:           time.Now().UTC(),
	}
	if payload != nil {
		raw, err := canonical.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("audit: payload marshal: %w", err)
		}
		ev.Payload = raw
		ev.PayloadDigest = canonical.HashBytes(raw)
	} else {
		ev.PayloadDigest = canonical.HashBytes(nil)
	}

	line, err := canonical.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("audit: event marshal: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("audit: append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Event{}, fmt.Errorf("audit: sync: %w", err)
	}

	l.prevDigest = canonical.HashBytes(line)
	l.count++
	return ev, nil
}

// Len reports the number of events written so far, including those
// replayed from an existing file.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Verify reads an audit log end to end and recomputes its hash chain.
// Any break reports an IntegrityViolation naming the offending line.
func Verify(path string) error {
	_, _, err := replay(path)
	return err
}

// replay walks the file verifying the chain and returns the digest of
// the final line plus the line count.
func replay(path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	prev := GenesisDigest
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", 0, fault.Newf(fault.IntegrityViolation, "audit.verify",
				"line %d: malformed event: %v", lineNo, err)
		}
		if ev.PreviousEntryDigest != prev {
			return "", 0, fault.Newf(fault.IntegrityViolation, "audit.verify",
				"line %d: chain break: stored prev %s, computed %s", lineNo, ev.PreviousEntryDigest, prev)
		}
		if len(ev.Payload) > 0 && canonical.HashBytes(ev.Payload) != ev.PayloadDigest {
			return "", 0, fault.Newf(fault.IntegrityViolation, "audit.verify",
				"line %d: payload digest mismatch", lineNo)
		}

		// The chain commits to the exact stored bytes of each line.
		line := make([]byte, len(raw))
		copy(line, raw)
		prev = canonical.HashBytes(line)
	}
	if err := sc.Err(); err != nil {
		return "", 0, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return prev, lineNo, nil
}
