package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Handler that forwards every event to a channel.
type recorder struct {
	data   chan []byte
	pings  chan struct{}
	pongs  chan struct{}
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(chan []byte, 16),
		pings:  make(chan struct{}, 16),
		pongs:  make(chan struct{}, 16),
		closed: make(chan error, 1),
	}
}

func (r *recorder) HandleData(data []byte) { r.data <- data }
func (r *recorder) HandlePing()            { r.pings <- struct{}{} }
func (r *recorder) HandlePong()            { r.pongs <- struct{}{} }
func (r *recorder) HandleClose(err error)  { r.closed <- err }

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// tcpPair returns a connected client/server pair of TCP transports on loopback.
func tcpPair(t *testing.T, serverTLS, clientTLS *tls.Config) (*TCP, *TCP) {
	t.Helper()
	var ln net.Listener
	var err error
	if serverTLS != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// The dialer blocks until the handshake completes.
		if tc, ok := conn.(*tls.Conn); ok {
			tc.Handshake()
		}
		accepted <- conn
	}()

	client, err := DialTCP(context.Background(), ln.Addr().String(), clientTLS)
	require.NoError(t, err)
	server := NewTCP(receive(t, accepted, "accept"))
	t.Cleanup(func() {
		client.Terminate()
		server.Terminate()
	})
	return client, server
}

func TestTCPDataAndProbes(t *testing.T) {
	client, server := tcpPair(t, nil, nil)
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, client.Send([]byte(`{"kind":"request"}`)))
	assert.Equal(t, `{"kind":"request"}`, string(receive(t, sr.data, "data")))

	require.NoError(t, server.Ping())
	receive(t, cr.pings, "ping at client")
	receive(t, sr.pongs, "pong at server")
}

func TestTCPCloseReportsOnBothSides(t *testing.T) {
	client, server := tcpPair(t, nil, nil)
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, client.Close())
	assert.NoError(t, receive(t, cr.closed, "client close"))
	assert.NoError(t, receive(t, sr.closed, "server close"))

	assert.ErrorIs(t, client.Send([]byte("x")), ErrClosed)
	assert.ErrorIs(t, client.Ping(), ErrClosed)
	assert.NoError(t, client.Close(), "second Close is a no-op")
}

func wsPair(t *testing.T) (*WebSocket, *WebSocket) {
	t.Helper()
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Accept(w, r, false)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(context.Background(), url, nil, false)
	require.NoError(t, err)
	server := receive(t, accepted, "upgrade")
	t.Cleanup(func() {
		client.Terminate()
		server.Terminate()
	})
	return client, server
}

func TestWebSocketDataAndProbes(t *testing.T) {
	client, server := wsPair(t)
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, server.Send([]byte(`{"kind":"success"}`)))
	assert.Equal(t, `{"kind":"success"}`, string(receive(t, cr.data, "data")))

	require.NoError(t, server.Ping())
	receive(t, cr.pings, "ping at client")
	receive(t, sr.pongs, "pong at server")
}

func TestWebSocketOrderlyClose(t *testing.T) {
	client, server := wsPair(t)
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, server.Close())
	assert.NoError(t, receive(t, cr.closed, "client close"))
	assert.NoError(t, receive(t, sr.closed, "server close"))
	assert.ErrorIs(t, server.Send([]byte("late")), ErrClosed)
}

func TestWebSocketTerminate(t *testing.T) {
	client, server := wsPair(t)
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, server.Terminate())
	receive(t, sr.closed, "server close")
	assert.Error(t, receive(t, cr.closed, "client close"), "peer sees an abnormal closure")
}

// writeTLSMaterial generates a self-signed certificate for domain under dir.
func writeTLSMaterial(t *testing.T, dir, domain string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	base := filepath.Join(dir, domain)
	require.NoError(t, os.MkdirAll(base, 0o755))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(base, CertificateFile), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, ChainFile), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, PrivateKeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func TestLoadServerTLS(t *testing.T) {
	dir := t.TempDir()
	writeTLSMaterial(t, dir, "example.test")

	cfg, err := LoadServerTLS(dir, "example.test")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Len(t, cfg.Certificates[0].Certificate, 2, "leaf followed by chain")
}

func TestLoadServerTLSFailures(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadServerTLS(dir, "missing.test")
	assert.ErrorIs(t, err, ErrTransportSetup)

	writeTLSMaterial(t, dir, "broken.test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.test", PrivateKeyFile), []byte("junk"), 0o600))
	_, err = LoadServerTLS(dir, "broken.test")
	assert.ErrorIs(t, err, ErrTransportSetup)

	writeTLSMaterial(t, dir, "nochain.test")
	require.NoError(t, os.Remove(filepath.Join(dir, "nochain.test", ChainFile)))
	_, err = LoadServerTLS(dir, "nochain.test")
	assert.ErrorIs(t, err, ErrTransportSetup)
}

func TestTCPOverTLS(t *testing.T) {
	dir := t.TempDir()
	writeTLSMaterial(t, dir, "example.test")
	serverTLS, err := LoadServerTLS(dir, "example.test")
	require.NoError(t, err)

	client, server := tcpPair(t, serverTLS, ClientTLS("example.test", true))
	cr, sr := newRecorder(), newRecorder()
	client.Start(cr)
	server.Start(sr)

	require.NoError(t, client.Send([]byte("secure")))
	assert.Equal(t, "secure", string(receive(t, sr.data, "data")))
}
