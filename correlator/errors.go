package correlator

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionNotOpen is reported when a request is attempted on a connection
	// that is not Open. Nothing is written and no timer is armed.
	ErrConnectionNotOpen = errors.New("connection not open")

	// ErrTimedOut is reported when no reply arrived before the request deadline.
	ErrTimedOut = errors.New("request timed out")

	// ErrConnectionClosed is reported for requests outstanding when their connection
	// went away. The concrete error is a *ClosedError.
	ErrConnectionClosed = errors.New("connection closed")
)

// ClosedError carries the reason a connection was torn down with requests in flight.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return ErrConnectionClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnectionClosed, e.Reason)
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *ClosedError) Unwrap() error {
	return e.Reason
}
