package bridge

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable reports that no exchange could be attempted: the
// socket is missing, the bridge is shut down, or connecting failed.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BackendError is a failure reported by the backend itself.
type BackendError struct {
	ID      string
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend reported failure"
	}
	return fmt.Sprintf("backend error: %s", e.Message)
}
