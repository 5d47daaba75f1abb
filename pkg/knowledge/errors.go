package knowledge

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("knowledge backend closed")

// StoreWriteError reports a rejected write. Only the named entity is
// affected; its aggregate is left as it was before the write.
type StoreWriteError struct {
	EntityKey string
	ActionID  string
	Err       error
}

func (e *StoreWriteError) Error() string {
	if e.EntityKey == "" {
		return fmt.Sprintf("store write failed for action %s: %v", e.ActionID, e.Err)
	}
	return fmt.Sprintf("store write failed for entity %s (action %s): %v", e.EntityKey, e.ActionID, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
