// Package errors classifies orchestration failures so callers can decide
// whether to retry on the next tick, skip, or escalate.
//
// Every failure falls into one Kind:
//   - Transient: infrastructure hiccups (bus unavailable, store timeout).
//     The next timer tick retries implicitly.
//   - Inconsistency: the world disagrees with what we expected (ledger entry
//     missing, duplicate detected). The operation is skipped and the workflow
//     is left as it was.
//   - Policy: a hard limit was hit (recursion depth, max duration). These are
//     always routed to escalation.
//   - Unexpected: anything else raised inside a per-workflow handler.
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind is the failure taxonomy.
type Kind int

const (
	KindUnexpected Kind = iota
	KindTransient
	KindInconsistency
	KindPolicy
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInconsistency:
		return "inconsistency"
	case KindPolicy:
		return "policy"
	default:
		return "unexpected"
	}
}

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = New("not found")
	// ErrTimeout indicates a bounded wait elapsed.
	ErrTimeout = New("timed out")
	// ErrDuplicate indicates work for the request is already in flight.
	ErrDuplicate = New("duplicate")
	// ErrVerification indicates a write could not be confirmed by reading it back.
	ErrVerification = New("write not verified")
)

// Error carries the operation and request a failure belongs to.
type Error struct {
	Kind      Kind
	Op        string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.RequestID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient infrastructure failure.
func Transient(op, requestID string, err error) error {
	return wrap(KindTransient, op, requestID, err)
}

// Inconsistency wraps err as a data inconsistency.
func Inconsistency(op, requestID string, err error) error {
	return wrap(KindInconsistency, op, requestID, err)
}

// Policy wraps err as a policy violation.
func Policy(op, requestID string, err error) error {
	return wrap(KindPolicy, op, requestID, err)
}

func wrap(kind Kind, op, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, RequestID: requestID, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Timeouts are transient even when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	if Is(err, ErrTimeout) {
		return KindTransient
	}
	return KindUnexpected
}

// IsTransient reports whether err is worth retrying on the next tick.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
