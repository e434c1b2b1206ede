// Package errs provides the structured error taxonomy for the agentdb
// storage and learning engine.
package errs

import "fmt"

// Kind classifies an Error for routing and recovery decisions.
type Kind string

const (
	// KindValidation marks synchronously-rejected bad input. Never logged
	// at error level; the caller is expected to fix the request.
	KindValidation Kind = "VALIDATION"
	// KindResource marks a queue/cap/batch limit exceeded. The caller must
	// drain (flush) and retry.
	KindResource Kind = "RESOURCE"
	// KindStorage marks file I/O or corruption-on-read. The in-memory state
	// is rolled back to the pre-op snapshot.
	KindStorage Kind = "STORAGE"
	// KindIntegrity marks a witness-chain or graph inconsistency. Further
	// mutation is refused until compact() runs.
	KindIntegrity Kind = "INTEGRITY"
	// KindLifecycle marks use of a destroyed/uninitialized resource.
	KindLifecycle Kind = "LIFECYCLE"
	// KindCancelled marks cooperative exit due to an external cancellation
	// handle being set.
	KindCancelled Kind = "CANCELLED"
	// KindTimeout marks an operation that exceeded its time budget.
	KindTimeout Kind = "TIMEOUT"
)

// Error is the structured error type returned by every exported operation in
// this module. It carries enough context for callers to branch on Kind
// without string matching, while still satisfying the standard error
// interface and errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "store.Insert"
	Message string
	Details map[string]string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for error chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, &Error{Kind: KindValidation}) style matching by
// Kind alone, the way AmanError matched by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error of the given kind around an existing cause.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: cause.Error(), Cause: cause}
}

// Validation, Resource, Storage, Integrity, Lifecycle, Cancelled and Timeout
// are constructors for the seven error kinds.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

func Resource(op, format string, args ...any) *Error {
	return New(KindResource, op, fmt.Sprintf(format, args...))
}

func Storage(op string, cause error) *Error {
	return Wrap(KindStorage, op, cause)
}

func Integrity(op, format string, args ...any) *Error {
	return New(KindIntegrity, op, fmt.Sprintf(format, args...))
}

func Lifecycle(op, format string, args ...any) *Error {
	return New(KindLifecycle, op, fmt.Sprintf(format, args...))
}

func Cancelled(op string) *Error {
	return New(KindCancelled, op, "operation cancelled")
}

func Timeout(op string) *Error {
	return New(KindTimeout, op, "operation exceeded its time budget")
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny indirection over errors.As kept local to avoid importing
// errors in callers that only need Is.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
