package agent

import "errors"

// transientError carries the retryable mark across wrapping.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. The harness copies the mark onto the
// failure completion event, which lets the coordinator re-dispatch the stage
// instead of failing the task outright.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in the chain carries the retryable
// mark.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
