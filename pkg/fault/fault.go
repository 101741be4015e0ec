// Package fault defines the error taxonomy shared by every pipeline
// component. Each failure is classified by a Kind so callers can rank
// severity, decide retryability, and map the outcome to an exit code
// without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// Preflight covers missing external binaries, an unwritable
	// artifacts root, or malformed configuration. Surfaces as exit
	// code 2 before any job is created.
	Preflight Kind = "preflight"

	// SourceUnreadable marks a missing, corrupt, or password-protected
	// source document. The job fails; retrying cannot help.
	SourceUnreadable Kind = "source_unreadable"

	// ExternalUnavailable marks a transient failure of an external
	// capability (extractor, language model, embedding service, sink).
	// The only retryable kind.
	ExternalUnavailable Kind = "external_unavailable"

	// ArtifactConflict means an artifact already exists at the target
	// path with different content.
	ArtifactConflict Kind = "artifact_conflict"

	// ArtifactMissing means a required input artifact from an upstream
	// pass is absent.
	ArtifactMissing Kind = "artifact_missing"

	// IllegalTransition marks a forbidden manifest or job state change.
	IllegalTransition Kind = "illegal_transition"

	// IntegrityViolation marks an internal consistency failure such as
	// a zero-work extraction over a non-empty source, a chunk count
	// mismatch, or a broken audit chain.
	IntegrityViolation Kind = "integrity_violation"

	// Cancelled marks cooperative cancellation of a running job.
	Cancelled Kind = "cancelled"
)

// Error is a classified pipeline error. Op names the operation that
// failed ("gate.decide", "pass_C.execute") and Err, when set, carries
// the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with a static message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report an empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure may succeed on retry. Only
// transient external failures qualify; everything else is deterministic
// and retrying would reproduce it.
func Retryable(err error) bool {
	return KindOf(err) == ExternalUnavailable
}
