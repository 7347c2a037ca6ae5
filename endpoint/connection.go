package endpoint

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a connection.
//
//	Connecting ──Open()──▶ Open ──Close()/error──▶ Closing
//	     │                   │                        │
//	     └───────────────────┴──transport closed──────┴──▶ Closed (terminal)
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection is the mutable record of one connection. The alive flag belongs to the
// heartbeat; it says nothing about State.
type Connection struct {
	mu          sync.Mutex
	identifier  string
	state       State
	alive       bool
	lastProbeAt time.Time
	reason      error // why the connection is closing, set once
}

func (c *Connection) Identifier() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identifier
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) LastProbeAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProbeAt
}

// Reason is why the connection closed, or nil while it has not started closing.
func (c *Connection) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Connection) setIdentifier(id string) {
	c.mu.Lock()
	c.identifier = id
	c.mu.Unlock()
}

func (c *Connection) setAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

func (c *Connection) markProbed(at time.Time) {
	c.mu.Lock()
	c.alive = false
	c.lastProbeAt = at
	c.mu.Unlock()
}

// open moves Connecting to Open.
func (c *Connection) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateOpen
	c.alive = true
	return true
}

// closing moves Connecting or Open to Closing and records reason.
func (c *Connection) closing(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	c.state = StateClosing
	c.reason = reason
	return true
}

// closed enters the terminal state. It returns the previous state and the close reason,
// falling back to transportErr and then ErrPeerClosed when nobody asked to close.
func (c *Connection) closed(transportErr error) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = StateClosed
	if c.reason == nil {
		c.reason = transportErr
	}
	if c.reason == nil {
		c.reason = ErrPeerClosed
	}
	return prev, c.reason
}
