package endpoint

import "errors"

// Close reasons handed to pending requests and close listeners.
var (
	ErrClosedLocally    = errors.New("connection closed locally")
	ErrPeerClosed       = errors.New("connection closed by peer")
	ErrTerminated       = errors.New("connection terminated")
	ErrHeartbeatExpired = errors.New("no heartbeat within window")
)

var (
	// ErrAlreadyReplied is returned when an inbound request is answered twice.
	ErrAlreadyReplied = errors.New("request already replied")

	// ErrNotConnecting is returned by Open on an endpoint that already left Connecting.
	ErrNotConnecting = errors.New("endpoint is not connecting")
)
