package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/protocol"
)

// TCP is a Transport over a plain or TLS stream. Every envelope travels in one
// protocol data frame; liveness probes are ping/pong frames.
type TCP struct {
	conn net.Conn

	sending sync.Mutex // serializes frames so headers and bodies never interleave
	seq     uint32     // protected by sending
	closed  atomic.Bool
	started atomic.Bool
}

func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn}
}

// DialTCP connects to addr, wrapping the stream in TLS when tlsConfig is non-nil.
func DialTCP(ctx context.Context, addr string, tlsConfig *tls.Config) (*TCP, error) {
	nd := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var conn net.Conn
	var err error
	if tlsConfig != nil {
		td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

func (t *TCP) Start(h Handler) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.recvLoop(h)
}

// recvLoop reads frames sequentially; a byte stream cannot be parsed by more than one reader.
func (t *TCP) recvLoop(h Handler) {
	var err error
	defer func() {
		t.closed.Store(true)
		t.conn.Close()
		h.HandleClose(err)
	}()

	for {
		var header *protocol.Header
		var body []byte
		header, body, err = protocol.Decode(t.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || (t.closed.Load() && isClosedConnError(err)) {
				err = nil
			}
			return
		}

		switch header.FrameType {
		case protocol.FrameTypeData:
			h.HandleData(body)
		case protocol.FrameTypePing:
			h.HandlePing()
			if werr := t.write(protocol.FrameTypePong, nil); werr != nil && !errors.Is(werr, ErrClosed) {
				err = werr
				return
			}
		case protocol.FrameTypePong:
			h.HandlePong()
		}
	}
}

func (t *TCP) write(ft protocol.FrameType, body []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	header := &protocol.Header{
		FrameType: ft,
		Seq:       t.seq,
		BodyLen:   uint32(len(body)),
	}
	t.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return protocol.Encode(t.conn, header, body)
}

func (t *TCP) Send(data []byte) error {
	return t.write(protocol.FrameTypeData, data)
}

func (t *TCP) Ping() error {
	return t.write(protocol.FrameTypePing, nil)
}

// Close shuts the stream. A framed stream has no closing handshake, so this is the
// same as Terminate except that it is idempotent.
func (t *TCP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCP) Terminate() error {
	t.closed.Store(true)
	return t.conn.Close()
}

func (t *TCP) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
