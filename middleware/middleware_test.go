package middleware

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/endpoint"
	"duplex-rpc/internal/logging"
	"duplex-rpc/message"
	"duplex-rpc/transport"
)

// 记录所有写出的帧
type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Start(transport.Handler) {}
func (r *recordingTransport) Ping() error             { return nil }
func (r *recordingTransport) Close() error            { return nil }
func (r *recordingTransport) Terminate() error        { return nil }
func (r *recordingTransport) RemoteAddr() string      { return "test" }

func (r *recordingTransport) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingTransport) replies() []*message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.Envelope, 0, len(r.sent))
	for _, data := range r.sent {
		out = append(out, (&codec.JSONCodec{}).Decode(data))
	}
	return out
}

func newInbound(t *testing.T) (*endpoint.Inbound, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	ep := endpoint.New(tr, endpoint.Config{})
	if err := ep.Open(); err != nil {
		t.Fatal(err)
	}
	env := &message.Envelope{Kind: message.KindRequest, ID: "r1", Method: "Arith.Add"}
	return endpoint.NewInbound(ep, env), tr
}

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, in *endpoint.Inbound) {
	in.Reply("ok")
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, in *endpoint.Inbound) {
	time.Sleep(200 * time.Millisecond)
	in.Reply("ok")
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Output: &buf})
	handler := LoggingMiddleware(logger)(echoHandler)

	in, tr := newInbound(t)
	handler(context.Background(), in)

	replies := tr.replies()
	if len(replies) != 1 || replies[0].Kind != message.KindSuccess {
		t.Fatalf("expect one success reply, got %+v", replies)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"method":"Arith.Add"`)) {
		t.Errorf("expect method in log line, got %s", buf.String())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	in, tr := newInbound(t)
	handler(context.Background(), in)

	replies := tr.replies()
	if len(replies) != 1 || replies[0].Kind != message.KindSuccess {
		t.Fatalf("expect one success reply, got %+v", replies)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	in, tr := newInbound(t)
	handler(context.Background(), in)

	replies := tr.replies()
	if len(replies) != 1 || replies[0].Kind != message.KindError {
		t.Fatalf("expect one error reply, got %+v", replies)
	}
	if replies[0].Error.Code != CodeTimedOut {
		t.Fatalf("expect timeout code, got %d", replies[0].Error.Code)
	}

	// The slow handler's own reply is discarded.
	time.Sleep(250 * time.Millisecond)
	if n := len(tr.replies()); n != 1 {
		t.Fatalf("expect exactly one reply, got %d", n)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		in, tr := newInbound(t)
		handler(context.Background(), in)
		if r := tr.replies(); len(r) != 1 || r[0].Kind != message.KindSuccess {
			t.Fatalf("request %d should pass, got %+v", i, r)
		}
	}

	in, tr := newInbound(t)
	handler(context.Background(), in)
	r := tr.replies()
	if len(r) != 1 || r[0].Kind != message.KindError || r[0].Error.Code != CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got %+v", r)
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(nil)(func(context.Context, *endpoint.Inbound) {
		panic("boom")
	})

	in, tr := newInbound(t)
	handler(context.Background(), in)

	r := tr.replies()
	if len(r) != 1 || r[0].Kind != message.KindError || r[0].Error.Code != message.CodeInternalError {
		t.Fatalf("expect internal error reply, got %+v", r)
	}
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, in *endpoint.Inbound) {
				order = append(order, name)
				next(ctx, in)
			}
		}
	}
	chained := Chain(mark("outer"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), mark("inner"))
	handler := chained(echoHandler)

	in, tr := newInbound(t)
	handler(context.Background(), in)

	if r := tr.replies(); len(r) != 1 || r[0].Kind != message.KindSuccess {
		t.Fatalf("expect one success reply, got %+v", r)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
