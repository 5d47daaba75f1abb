package executor

import "errors"

var (
	// ErrActionTimeout marks a result whose deadline elapsed before the
	// collaborator returned.
	ErrActionTimeout = errors.New("action timed out")
	// ErrActionFailed marks a result whose primary and fallback
	// implementations all failed.
	ErrActionFailed = errors.New("action failed")
	// ErrLockContention labels a deferral: the action's lock key was held.
	// It is reported through events, never returned.
	ErrLockContention = errors.New("action lock held")
)
