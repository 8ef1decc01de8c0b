package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/cmdq/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	server *Server
	http   *httptest.Server
	url    string
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	logger := zerolog.Nop()
	server, err := NewServer(ServerConfig{Logger: &logger})
	require.NoError(t, err)
	require.NoError(t, RegisterDemoMethods(server))

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Stop()
		ts.Close()
	})

	return &testPeer{
		server: server,
		http:   ts,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (p *testPeer) dial(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg.URL = p.url
	cfg.Logger = &logger

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestQueue(t *testing.T, executor commandqueue.Executor) *commandqueue.Queue {
	t.Helper()

	logger := zerolog.Nop()
	q, err := commandqueue.New(commandqueue.Config{Name: "test", Executor: executor, Logger: &logger})
	require.NoError(t, err)
	return q
}

func waitFuture(t *testing.T, f *commandqueue.Future) (interface{}, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	value, err := f.Await(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "command never completed")
	return value, err
}

func TestClient_Echo(t *testing.T) {
	peer := newTestPeer(t)
	q := newTestQueue(t, peer.dial(t, ClientConfig{}))

	value, err := waitFuture(t, q.Push("echo", map[string]interface{}{"roomId": "r1"}))

	require.NoError(t, err)
	raw, ok := value.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"roomId":"r1"}`, string(raw))
}

func TestClient_SerializedThroughQueue(t *testing.T) {
	peer := newTestPeer(t)

	var (
		mu       sync.Mutex
		received []int
		active   int32
		overlap  int32
	)
	require.NoError(t, peer.server.Handle("record", func(_ context.Context, req *Request) (interface{}, error) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&active, -1)

		var n int
		if err := req.Bind(&n); err != nil {
			return nil, err
		}
		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		return n, nil
	}))

	q := newTestQueue(t, peer.dial(t, ClientConfig{}))

	futures := make([]*commandqueue.Future, 20)
	for i := range futures {
		futures[i] = q.Push("record", i)
	}
	for i, f := range futures {
		value, err := waitFuture(t, f)
		require.NoError(t, err)
		assert.JSONEq(t, string(mustJSON(t, i)), string(value.(json.RawMessage)))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range received {
		assert.Equal(t, i, n)
	}
	assert.Len(t, received, 20)
	assert.Zero(t, atomic.LoadInt32(&overlap))
}

func TestClient_PeerErrors(t *testing.T) {
	peer := newTestPeer(t)
	require.NoError(t, peer.server.Handle("broken", func(context.Context, *Request) (interface{}, error) {
		return nil, errors.New("database unavailable")
	}))
	q := newTestQueue(t, peer.dial(t, ClientConfig{}))

	tests := []struct {
		name   string
		method string
		data   interface{}
		code   int
	}{
		{"unknown method", "nope", nil, CodeNotFound},
		{"schema violation", "delay", map[string]interface{}{"ms": "soon"}, CodeBadRequest},
		{"handler peer error", "fail", map[string]interface{}{"code": 403, "reason": "forbidden"}, 403},
		{"handler plain error", "broken", nil, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := waitFuture(t, q.Push(tt.method, tt.data))

			var peerErr *PeerError
			require.True(t, errors.As(err, &peerErr), "expected PeerError, got %v", err)
			assert.Equal(t, tt.code, peerErr.Code)
		})
	}

	// A failure never blocks the commands behind it
	_, err := waitFuture(t, q.Push("echo", "after"))
	assert.NoError(t, err)
}

func TestClient_RequestTimeout(t *testing.T) {
	peer := newTestPeer(t)
	client := peer.dial(t, ClientConfig{RequestTimeout: 50 * time.Millisecond})
	q := newTestQueue(t, client)

	_, err := waitFuture(t, q.Push("delay", map[string]interface{}{"ms": 500}))
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, client.Pending())

	// The late response is ignored and the next command still runs
	_, err = waitFuture(t, q.Push("echo", "next"))
	assert.NoError(t, err)
}

func TestClient_CloseRejectsPending(t *testing.T) {
	peer := newTestPeer(t)
	client := peer.dial(t, ClientConfig{})
	q := newTestQueue(t, client)

	inflight := q.Push("delay", map[string]interface{}{"ms": 1000})
	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := waitFuture(t, inflight)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = waitFuture(t, q.Push("echo", "after close"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_ServerStopClosesConnection(t *testing.T) {
	peer := newTestPeer(t)
	client := peer.dial(t, ClientConfig{})

	require.Eventually(t, func() bool { return peer.server.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, peer.server.Stop())

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never noticed the connection closing")
	}
}

func TestClient_Notifications(t *testing.T) {
	peer := newTestPeer(t)

	received := make(chan string, 1)
	peer.dial(t, ClientConfig{
		OnNotification: func(method string, data json.RawMessage) {
			received <- method + " " + string(data)
		},
	})

	require.Eventually(t, func() bool { return peer.server.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, peer.server.Broadcast("peerJoined", map[string]string{"peerId": "p1"}))

	select {
	case got := <-received:
		assert.Equal(t, `peerJoined {"peerId":"p1"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestServer_DedupReplaysResponse(t *testing.T) {
	peer := newTestPeer(t)

	var calls int32
	require.NoError(t, peer.server.Handle("count", func(context.Context, *Request) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}))

	conn, _, err := websocket.DefaultDialer.Dial(peer.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteJSON(&Message{Request: true, ID: "same-id", Method: "count"}))

		var resp Message
		require.NoError(t, conn.ReadJSON(&resp))
		assert.True(t, resp.OK)
		assert.Equal(t, "same-id", resp.ID)
		assert.JSONEq(t, "1", string(resp.Data))
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServer_Healthz(t *testing.T) {
	peer := newTestPeer(t)

	resp, err := http.Get(peer.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Stats  Stats  `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Stats.Connections)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{Port: -1})
	assert.Error(t, err)

	_, err = NewServer(ServerConfig{MaxConcurrent: -1})
	assert.Error(t, err)

	s, err := NewServer(ServerConfig{})
	require.NoError(t, err)
	defer s.Stop()
	assert.Error(t, s.Handle("", func(context.Context, *Request) (interface{}, error) { return nil, nil }))
	assert.Error(t, s.Handle("x", nil))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{})
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestServer_RateLimitRejects(t *testing.T) {
	logger := zerolog.Nop()
	server, err := NewServer(ServerConfig{Logger: &logger, RequestsPerMinute: 2})
	require.NoError(t, err)
	require.NoError(t, RegisterDemoMethods(server))

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer server.Stop()

	peer := &testPeer{server: server, http: ts, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
	q := newTestQueue(t, peer.dial(t, ClientConfig{}))

	first := q.Push("echo", 1)
	second := q.Push("echo", 2)
	third := q.Push("echo", 3)

	_, err = waitFuture(t, first)
	assert.NoError(t, err)
	_, err = waitFuture(t, second)
	assert.NoError(t, err)

	_, err = waitFuture(t, third)
	var peerErr *PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, CodeTooManyRequests, peerErr.Code)
}

// dialRaw returns a client whose read loop is not running, so tests drive
// settle and write failures by hand
func dialRaw(t *testing.T, peer *testPeer, cfg ClientConfig) *Client {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(peer.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cfg.URL = peer.url
	return newClient(conn, cfg, zerolog.Nop())
}

func awaitSink(t *testing.T, sink *commandqueue.Sink) (interface{}, error) {
	t.Helper()
	return waitFuture(t, sink.Future())
}

func TestClient_WriteFailureRejects(t *testing.T) {
	peer := newTestPeer(t)
	client := dialRaw(t, peer, ClientConfig{})
	require.NoError(t, client.conn.Close())

	sink := commandqueue.NewSink()
	client.Exec(&commandqueue.Command{ID: "test-1", Method: "echo", Data: 1}, sink)

	_, err := awaitSink(t, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
	assert.Equal(t, 0, client.Pending())
}

func TestClient_LateTimeoutIgnored(t *testing.T) {
	peer := newTestPeer(t)
	client := dialRaw(t, peer, ClientConfig{RequestTimeout: time.Minute})

	sink := commandqueue.NewSink()
	client.Exec(&commandqueue.Command{ID: "test-1", Method: "echo", Data: 1}, sink)
	require.Equal(t, 1, client.Pending())

	client.mu.Lock()
	var id string
	for key := range client.pending {
		id = key
	}
	client.mu.Unlock()

	client.settle(id, json.RawMessage(`1`), nil)
	client.settle(id, nil, ErrRequestTimeout)

	value, err := awaitSink(t, sink)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1`), value)
	assert.Equal(t, 0, client.Pending())
}

func TestClient_ExecAfterPeerClosedRejects(t *testing.T) {
	peer := newTestPeer(t)
	client := peer.dial(t, ClientConfig{})

	require.Eventually(t, func() bool { return peer.server.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, peer.server.Stop())

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never noticed the connection closing")
	}

	sink := commandqueue.NewSink()
	client.Exec(&commandqueue.Command{ID: "test-1", Method: "echo"}, sink)

	assert.True(t, sink.Settled(), "closed client should reject synchronously")
	_, err := awaitSink(t, sink)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 0, client.Pending())
}
