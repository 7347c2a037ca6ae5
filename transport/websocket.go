package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"duplex-rpc/protocol"
)

// closeGrace bounds how long an orderly Close waits for the peer's close frame
// before the socket is dropped.
const closeGrace = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocket is a Transport over a gorilla/websocket connection. Liveness probes are
// WebSocket ping control frames; the peer's library answers them with pongs.
type WebSocket struct {
	conn        *websocket.Conn
	messageType int

	writeMu sync.Mutex // gorilla allows one concurrent writer
	closed  atomic.Bool
	started atomic.Bool
}

// NewWebSocket wraps an established connection. Data frames are sent as binary
// messages when binary is true, text messages otherwise.
func NewWebSocket(conn *websocket.Conn, binary bool) *WebSocket {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	conn.SetReadLimit(int64(protocol.MaxBodySize))
	return &WebSocket{conn: conn, messageType: mt}
}

// Accept upgrades an HTTP request to a WebSocket transport.
func Accept(w http.ResponseWriter, r *http.Request, binary bool) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, binary), nil
}

// DialWebSocket connects to url (ws:// or wss://). tlsConfig may be nil.
func DialWebSocket(ctx context.Context, url string, tlsConfig *tls.Config, binary bool) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn, binary), nil
}

func (w *WebSocket) Start(h Handler) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	w.conn.SetPingHandler(func(appData string) error {
		h.HandlePing()
		err := w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(DefaultWriteTimeout))
		if err == websocket.ErrCloseSent || isTimeout(err) {
			return nil
		}
		return err
	})
	w.conn.SetPongHandler(func(string) error {
		h.HandlePong()
		return nil
	})

	go w.readLoop(h)
}

func (w *WebSocket) readLoop(h Handler) {
	var err error
	defer func() {
		w.closed.Store(true)
		w.conn.Close()
		h.HandleClose(err)
	}()

	for {
		var data []byte
		_, data, err = w.conn.ReadMessage()
		if err != nil {
			err = w.classify(err)
			return
		}
		h.HandleData(data)
	}
}

// classify maps a read error to nil for closures that were orderly or locally requested.
func (w *WebSocket) classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if w.closed.Load() && (isClosedConnError(err) || isTimeout(err)) {
		return nil
	}
	return err
}

func (w *WebSocket) Send(data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return w.conn.WriteMessage(w.messageType, data)
}

func (w *WebSocket) Ping() error {
	if w.closed.Load() {
		return ErrClosed
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
}

// Close sends a normal-closure frame and gives the peer closeGrace to echo it.
// The read loop observes the echo (or the deadline) and reports HandleClose.
func (w *WebSocket) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(DefaultWriteTimeout))
	if err != nil {
		return w.conn.Close()
	}
	if !w.started.Load() {
		return w.conn.Close()
	}
	return w.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (w *WebSocket) Terminate() error {
	w.closed.Store(true)
	return w.conn.Close()
}

func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
