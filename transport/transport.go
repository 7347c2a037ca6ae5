// Package transport adapts concrete sockets to the narrow capability the endpoint layer
// needs: send a frame, send a liveness probe, close, and report inbound frames, probes
// and closure.
//
//	endpoint ──Send/Ping/Close──▶ Transport ──▶ socket
//	endpoint ◀──Handler callbacks── read loop ◀── socket
//
// Two implementations exist: WebSocket (gorilla/websocket, probes are WebSocket ping/pong
// control frames) and TCP (length-prefixed frames from package protocol, probes are
// ping/pong frames). Both run one read goroutine per connection, so a Handler sees the
// frames of one connection sequentially and in arrival order.
package transport

import (
	"errors"
	"net"
	"time"
)

// Handler receives the events of one transport. All methods are called from the
// transport's single read goroutine.
type Handler interface {
	// HandleData is called with the body of every data frame.
	HandleData(data []byte)
	// HandlePing is called when the peer probes us. The transport answers the probe itself.
	HandlePing()
	// HandlePong is called when the peer acknowledges one of our probes.
	HandlePong()
	// HandleClose is called exactly once, after the socket is closed for any reason.
	HandleClose(err error)
}

// Transport is one established duplex socket.
type Transport interface {
	// Start launches the read loop. Events go to h. Start must be called at most once.
	Start(h Handler)
	// Send writes one data frame.
	Send(data []byte) error
	// Ping writes one liveness probe.
	Ping() error
	// Close performs an orderly close. The read loop reports HandleClose afterwards.
	Close() error
	// Terminate drops the socket without a closing handshake.
	Terminate() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// Default write deadline for frames and control messages.
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrClosed is returned by Send and Ping after the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrTransportSetup wraps every failure to prepare a listener or dialer, such as
	// missing or unreadable TLS material. It is fatal for the component being built.
	ErrTransportSetup = errors.New("transport setup failure")
)

// isClosedConnError reports whether err only says the socket was already closed locally.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
