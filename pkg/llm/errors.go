package llm

import (
	"errors"
	"fmt"
)

// Sentinel targets for errors.Is checks in callers. The pipeline branches
// on these classes: unavailable means requeue and retry later, malformed
// means the provider is up but answering garbage — keep prior state.
var (
	// ErrUnavailable marks transport failures, open circuits, and
	// non-retryable provider statuses after retry exhaustion.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrMalformed marks JSON parse/validation failures that survived
	// repair and the corrective retry.
	ErrMalformed = errors.New("llm response malformed")
)

// UnavailableError wraps the underlying cause of a failed call.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm unavailable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("llm unavailable (%s)", e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match without callers knowing
// the concrete type.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(reason string, err error) error {
	return &UnavailableError{Reason: reason, Err: err}
}

// MalformedError carries the raw content for the audit trail.
type MalformedError struct {
	Reason     string
	RawContent string
	Err        error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm response malformed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("llm response malformed (%s)", e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) match.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// transientError marks an attempt-level failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func newTransient(err error) error { return &transientError{err: err} }

// fatalError marks an attempt-level failure that retrying cannot fix
// (auth failures, bad requests).
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func newFatal(err error) error { return &fatalError{err: err} }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
