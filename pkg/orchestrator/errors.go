package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNoMemory is returned by SearchMemory when the semantic tier is off.
var ErrNoMemory = errors.New("semantic memory is not configured")

// ErrorKind classifies a failed Answer.
type ErrorKind string

// Error kinds.
const (
	KindAdmissionDenied   ErrorKind = "admission_denied"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamFatal     ErrorKind = "upstream_fatal"
	KindLedgerUnavailable ErrorKind = "ledger_unavailable"
	KindInvalidRequest    ErrorKind = "invalid_request"
	// KindCancelled means the caller's context ended before an answer.
	KindCancelled ErrorKind = "cancelled"
)

// Error is returned by Answer. Reason is safe to show to end users.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
