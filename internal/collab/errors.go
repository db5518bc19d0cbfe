package collab

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned by Start after Shutdown has begun, and recorded
// on sessions interrupted by shutdown.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// ErrRealtimeDisabled is returned by Subscribe for sessions that cannot stream.
var ErrRealtimeDisabled = errors.New("realtime updates are not enabled for this session")

// CapacityError is returned when the active-session limit is reached.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity reached: %d of %d sessions active", e.Active, e.Max)
}

// PersistenceError records a failure writing a session to durable storage.
type PersistenceError struct {
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
