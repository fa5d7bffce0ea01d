package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SwartzMss/MiniRustDesk/network"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

var fakePort atomic.Int32

// fakeStream is an in-memory network.Stream driven through channels.
type fakeStream struct {
	ws     bool
	addr   net.Addr
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	raw    atomic.Bool
}

func newFakeStream(ws bool) *fakeStream {
	return &fakeStream{
		ws:     ws,
		addr:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(fakePort.Add(1))},
		in:     make(chan []byte),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-f.in:
		return p, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) SendRaw(ctx context.Context, payload []byte) error {
	select {
	case f.out <- append([]byte(nil), payload...):
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStream) IsWS() bool           { return f.ws }
func (f *fakeStream) SetRaw()              { f.raw.Store(!f.ws) }
func (f *fakeStream) RemoteAddr() net.Addr { return f.addr }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push delivers one frame to the stream's reader, failing the test if
// nothing reads it.
func (f *fakeStream) push(t *testing.T, payload []byte) {
	t.Helper()
	select {
	case f.in <- payload:
	case <-time.After(2 * time.Second):
		t.Fatalf("frame was not consumed")
	}
}

func (f *fakeStream) expect(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-f.out:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame forwarded")
	}
}

var _ network.Stream = (*fakeStream)(nil)

func relayRequest(uuid, licence string) []byte {
	msg := &network.RendezvousMessage{
		RequestRelay: &network.RequestRelay{UUID: uuid, LicenceKey: licence},
	}
	return msg.Marshal()
}

func newTestServer(t *testing.T, mock *clock.Mock, key string) *Server {
	t.Helper()
	return New(Options{
		Key:            key,
		Clock:          mock,
		Metrics:        NewMetrics(prometheus.NewRegistry()),
		ControlTimeout: 2 * time.Second,
	})
}

// start runs HandleStream in the background; the returned channel closes
// when it returns.
func start(ctx context.Context, s *Server, stream network.Stream) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.HandleStream(ctx, stream)
	}()
	return done
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return")
	}
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}
