package correlator

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex-rpc/codec"
	"duplex-rpc/message"
)

type fakeConn struct {
	mu      sync.Mutex
	open    bool
	sendErr error
	written [][]byte
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeConn) last(t *testing.T) *message.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.written)
	env := (&codec.JSONCodec{}).Decode(f.written[len(f.written)-1])
	require.Equal(t, message.KindRequest, env.Kind, env.Reason)
	return env
}

// capture records every sink invocation.
type capture struct {
	mu      sync.Mutex
	results []Result
	at      []time.Time
}

func (c *capture) sink(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	c.at = append(c.at, time.Now())
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *capture) first() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[0]
}

func TestSendNotOpen(t *testing.T) {
	conn := &fakeConn{}
	c := New(conn, Config{})
	var got capture

	reqID, err := c.Send("echo", map[string]int{"x": 1}, time.Second, got.sink)

	assert.ErrorIs(t, err, ErrConnectionNotOpen)
	assert.Empty(t, reqID)
	require.Equal(t, 1, got.count(), "sink runs synchronously, once")
	assert.ErrorIs(t, got.first().Err, ErrConnectionNotOpen)
	assert.Zero(t, conn.writes())
	assert.Zero(t, c.Pending(), "no timer or entry is registered")
}

func TestSendAndResolveSuccess(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})
	var got capture

	reqID, err := c.Send("doThing", nil, time.Second, got.sink)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	req := conn.last(t)
	assert.Equal(t, reqID, req.ID)
	assert.Equal(t, "doThing", req.Method)

	matched := c.OnEnvelope(&message.Envelope{Kind: message.KindSuccess, ID: reqID, Result: json.RawMessage(`"done"`)})
	assert.True(t, matched)
	require.Equal(t, 1, got.count())
	assert.NoError(t, got.first().Err)
	assert.JSONEq(t, `"done"`, string(got.first().Value))
	assert.Zero(t, c.Pending())

	// A duplicate reply finds nothing.
	assert.False(t, c.OnEnvelope(&message.Envelope{Kind: message.KindSuccess, ID: reqID, Result: json.RawMessage(`1`)}))
	assert.Equal(t, 1, got.count())
}

func TestResolveRemoteError(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})
	var got capture

	reqID, err := c.Send("missing", nil, time.Second, got.sink)
	require.NoError(t, err)

	c.OnEnvelope(&message.Envelope{
		Kind:  message.KindError,
		ID:    reqID,
		Error: &message.ErrorInfo{Code: message.CodeMethodNotFound, Message: "no such method"},
	})

	require.Equal(t, 1, got.count())
	var remote *message.ErrorInfo
	require.True(t, errors.As(got.first().Err, &remote))
	assert.Equal(t, message.CodeMethodNotFound, remote.Code)
}

func TestTimeout(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})
	var got capture

	start := time.Now()
	reqID, err := c.Send("echo", map[string]int{"x": 1}, 100*time.Millisecond, got.sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, got.first().Err, ErrTimedOut)
	assert.GreaterOrEqual(t, got.at[0].Sub(start), 100*time.Millisecond)
	assert.Zero(t, c.Pending())

	// The reply arriving after the deadline is dropped.
	assert.False(t, c.OnEnvelope(&message.Envelope{Kind: message.KindSuccess, ID: reqID, Result: json.RawMessage(`1`)}))
	assert.Equal(t, 1, got.count())
}

func TestCancelAll(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})
	sinks := make([]*capture, 3)
	for i := range sinks {
		sinks[i] = &capture{}
		_, err := c.Send("slow", nil, 50*time.Millisecond, sinks[i].sink)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Pending())

	reason := errors.New("peer went away")
	c.CancelAll(reason)
	c.CancelAll(reason)

	for _, s := range sinks {
		require.Equal(t, 1, s.count())
		err := s.first().Err
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, reason)
		var closed *ClosedError
		assert.True(t, errors.As(err, &closed))
	}
	assert.Zero(t, c.Pending())

	// No timer fires after teardown.
	time.Sleep(120 * time.Millisecond)
	for _, s := range sinks {
		assert.Equal(t, 1, s.count())
	}

	var late capture
	_, err := c.Send("after", nil, time.Second, late.sink)
	assert.ErrorIs(t, err, ErrConnectionNotOpen)
	assert.Equal(t, 1, late.count())
}

func TestWriteFailureResolvesClosed(t *testing.T) {
	writeErr := errors.New("broken pipe")
	conn := &fakeConn{open: true, sendErr: writeErr}
	c := New(conn, Config{})
	var got capture

	_, err := c.Send("echo", nil, time.Second, got.sink)

	assert.ErrorIs(t, err, ErrConnectionClosed)
	require.Equal(t, 1, got.count())
	assert.ErrorIs(t, got.first().Err, writeErr)
	assert.Zero(t, c.Pending())
}

func TestUnencodableParams(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})
	var got capture

	_, err := c.Send("echo", make(chan int), time.Second, got.sink)

	assert.Error(t, err)
	assert.Equal(t, 1, got.count())
	assert.Zero(t, conn.writes())
	assert.Zero(t, c.Pending())
}

func TestNilSink(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})

	reqID, err := c.Send("fire-and-forget", nil, 20*time.Millisecond, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSinkMayReenterSend(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})

	done := make(chan string, 1)
	reqID, err := c.Send("first", nil, time.Second, func(Result) {
		second, err := c.Send("second", nil, time.Second, nil)
		assert.NoError(t, err)
		done <- second
	})
	require.NoError(t, err)

	c.OnEnvelope(&message.Envelope{Kind: message.KindSuccess, ID: reqID, Result: json.RawMessage(`null`)})
	select {
	case second := <-done:
		assert.NotEqual(t, reqID, second)
	case <-time.After(time.Second):
		t.Fatal("sink did not complete")
	}
}

func TestOutstandingOldestFirst(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})

	first, err := c.Send("a", nil, time.Minute, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := c.Send("b", nil, time.Minute, nil)
	require.NoError(t, err)
	defer c.CancelAll(nil)

	out := c.Outstanding()
	require.Len(t, out, 2)
	assert.Equal(t, first, out[0].ID)
	assert.Equal(t, second, out[1].ID)
	assert.Equal(t, "a", out[0].Method)
	assert.True(t, out[0].Deadline.After(out[0].CreatedAt))
}

// Replies racing their own deadline still resolve each sink exactly once.
func TestExactlyOnceUnderRace(t *testing.T) {
	conn := &fakeConn{open: true}
	c := New(conn, Config{})

	const n = 200
	var calls [n]atomic.Int32
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		reqID, err := c.Send("race", nil, 5*time.Millisecond, func(Result) { calls[i].Add(1) })
		require.NoError(t, err)
		ids[i] = reqID
	}

	var wg sync.WaitGroup
	time.Sleep(4 * time.Millisecond)
	for _, reqID := range ids {
		wg.Add(1)
		go func(reqID string) {
			defer wg.Done()
			c.OnEnvelope(&message.Envelope{Kind: message.KindSuccess, ID: reqID, Result: json.RawMessage(`1`)})
		}(reqID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.CancelAll(errors.New("closing"))
	}()
	wg.Wait()

	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for i := range calls {
		assert.EqualValues(t, 1, calls[i].Load(), "request %d", i)
	}
}
