package scheduler

import (
	"errors"
	"fmt"
)

// ErrTooManyFailures is returned by Run when the consecutive failure cap is
// reached.
var ErrTooManyFailures = errors.New("too many consecutive cycle failures")

// CycleError is a failure outside the per-action isolation boundary. It
// triggers backoff rather than process exit.
type CycleError struct {
	Cycle int64
	Phase State
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %d failed while %s: %v", e.Cycle, e.Phase, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
