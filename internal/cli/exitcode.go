package cli

import (
	"errors"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/pkg/scheduler"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitConfigError    = 2
	ExitTooManyFailure = 3
)

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case config.IsFatal(err):
		return ExitConfigError
	case errors.Is(err, scheduler.ErrTooManyFailures):
		return ExitTooManyFailure
	default:
		return ExitError
	}
}
