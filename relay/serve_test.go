package relay

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/SwartzMss/MiniRustDesk/network"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type servedRelay struct {
	srv    *Server
	tcp    string
	ws     string
	cancel context.CancelFunc
	done   chan error
}

func serveRelay(t *testing.T) *servedRelay {
	t.Helper()

	tcpL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wsL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(Options{Metrics: NewMetrics(prometheus.NewRegistry())})
	ctx, cancel := context.WithCancel(context.Background())
	r := &servedRelay{
		srv:    srv,
		tcp:    tcpL.Addr().String(),
		ws:     "ws://" + wsL.Addr().String() + "/",
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { r.done <- srv.Serve(ctx, tcpL, wsL) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-r.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("Serve did not return after cancel")
		}
	})
	return r
}

func dialFramed(t *testing.T, addr, uuid string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, network.WriteFrame(conn, relayRequest(uuid, ""), false))
	return conn
}

func TestServePairsFramedClientsInRawMode(t *testing.T) {
	r := serveRelay(t)

	a := dialFramed(t, r.tcp, "e2e-raw")
	require.Eventually(t, parkedCount(r.srv), 2*time.Second, 5*time.Millisecond)
	b := dialFramed(t, r.tcp, "e2e-raw")
	require.Eventually(t, func() bool {
		return metricValue(t, r.srv.metrics.ActiveSessions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := a.Write([]byte("raw bytes, no header"))
	require.NoError(t, err)

	got := make([]byte, len("raw bytes, no header"))
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "raw bytes, no header", string(got))

	require.NoError(t, a.Close())
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServePairsWebSocketWithFramedClient(t *testing.T) {
	r := serveRelay(t)

	ws, _, err := websocket.DefaultDialer.Dial(r.ws, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, relayRequest("e2e-ws", "")))
	require.Eventually(t, parkedCount(r.srv), 2*time.Second, 5*time.Millisecond)

	tcp := dialFramed(t, r.tcp, "e2e-ws")
	require.Eventually(t, func() bool {
		return metricValue(t, r.srv.metrics.ActiveSessions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("from ws")))
	require.NoError(t, tcp.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, _, err := network.ReadFrame(bufio.NewReader(tcp))
	require.NoError(t, err)
	assert.Equal(t, "from ws", string(payload))

	require.NoError(t, network.WriteFrame(tcp, []byte("from tcp"), false))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "from tcp", string(msg))
}

func TestServeReturnsAcceptError(t *testing.T) {
	tcpL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wsL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tcpL.Close())

	srv := New(Options{})
	err = srv.Serve(context.Background(), tcpL, wsL)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestListenAndServeRebindsAfterAcceptError(t *testing.T) {
	mock := clock.NewMock()
	srv := New(Options{Clock: mock, Metrics: NewMetrics(prometheus.NewRegistry())})

	var (
		mu    sync.Mutex
		binds []net.Listener
	)
	srv.listen = func(proto, _ string) (net.Listener, error) {
		l, err := net.Listen(proto, "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		binds = append(binds, l)
		if len(binds) == 1 {
			// The first framed listener fails its first Accept.
			_ = l.Close()
		}
		return l, nil
	}
	bindCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(binds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("ListenAndServe did not return after cancel")
		}
	}()

	require.Eventually(t, func() bool { return bindCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("ListenAndServe returned after accept error: %v", err)
	default:
	}
	assert.Equal(t, 2, bindCount(), "rebound before the restart delay elapsed")

	require.Eventually(t, func() bool {
		mock.Add(restartDelay)
		return bindCount() == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	addr := binds[2].Addr().String()
	mu.Unlock()

	a := dialFramed(t, addr, "after-restart")
	require.Eventually(t, parkedCount(srv), 2*time.Second, 5*time.Millisecond)
	b := dialFramed(t, addr, "after-restart")
	require.Eventually(t, func() bool {
		return metricValue(t, srv.metrics.ActiveSessions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := a.Write([]byte("still relaying"))
	require.NoError(t, err)
	got := make([]byte, len("still relaying"))
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "still relaying", string(got))
}
