package deploy

import (
	"errors"
	"fmt"
)

// Kind classifies failures of deployment operations.
type Kind string

const (
	// KindFetch is a registry, network or transport failure while fetching an image.
	KindFetch Kind = "fetch"
	// KindValidation is a signature, digest, fsverity or kernel/policy mismatch.
	KindValidation Kind = "validation"
	// KindBackend is a filesystem or disk fault while creating or pruning content.
	KindBackend Kind = "backend"
	// KindLock means another mutating operation holds the system lock.
	KindLock Kind = "lock"
	// KindConfig is a malformed kargs drop-in, install fragment or config file.
	KindConfig Kind = "config"
	// KindPrecondition means the requested transition is not possible from the current state.
	KindPrecondition Kind = "precondition"
	// KindNotFound means a referenced deployment or stateroot does not exist.
	KindNotFound Kind = "not-found"
)

// Error is the error type returned by every mutating entry point.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed (e.g. "stage", "commit").
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Kind == KindLock {
		return fmt.Sprintf("%s: system busy: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind unless err already carries a kind, in which case it is returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or "" when err has none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

// IsLockError reports whether err indicates a concurrent mutation in progress.
func IsLockError(err error) bool {
	return KindOf(err) == KindLock
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
