// Package relay pairs two connections presenting the same rendezvous token
// and forwards bytes between them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/SwartzMss/MiniRustDesk/network"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort           = 21117
	DefaultControlTimeout = 30 * time.Second
	DefaultParkTimeout    = 30 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultTickInterval   = 3 * time.Second

	restartDelay = time.Second
)

// Options configures a relay Server.
type Options struct {
	// Port is the framed TCP port; WebSocket listens on Port+2.
	Port int
	// Key, when non-empty, must equal the licence key of every relay request.
	Key      string
	Compress bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	ControlTimeout time.Duration
	ParkTimeout    time.Duration
	IdleTimeout    time.Duration
	TickInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.ParkTimeout <= 0 {
		o.ParkTimeout = DefaultParkTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	return o
}

// WebSocketPort returns the WebSocket listener port for a relay port.
func WebSocketPort(port int) int {
	return port + 2
}

// Server is the relay pairing engine.
type Server struct {
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
	table   *pairingTable

	listen func(network, address string) (net.Listener, error)
}

// New returns a relay server. Nothing listens until ListenAndServe or Serve.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "relay"),
		metrics: opts.Metrics,
		table:   newPairingTable(opts.Metrics.Parked),
		listen:  net.Listen,
	}
}

// ListenAndServe binds the framed and WebSocket ports on all interfaces and
// serves until ctx is done. A failed service loop is logged and restarted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	for {
		tcpL, err := s.listen("tcp", net.JoinHostPort("", strconv.Itoa(s.opts.Port)))
		if err != nil {
			return fmt.Errorf("listen on relay port %d: %w", s.opts.Port, err)
		}
		wsPort := WebSocketPort(s.opts.Port)
		wsL, err := s.listen("tcp", net.JoinHostPort("", strconv.Itoa(wsPort)))
		if err != nil {
			_ = tcpL.Close()
			return fmt.Errorf("listen on websocket port %d: %w", wsPort, err)
		}

		s.logger.Info("relay listening", "port", s.opts.Port, "ws_port", wsPort)
		err = s.Serve(ctx, tcpL, wsL)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("relay service loop failed, restarting", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(restartDelay):
		}
	}
}

// Serve runs one service loop over the given listeners and closes both on
// return. It returns nil when ctx is done and the first accept error
// otherwise. Sessions already running outlive a failed loop.
func (s *Server) Serve(ctx context.Context, tcpL, wsL net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           http.HandlerFunc(s.serveWebSocket),
		ReadHeaderTimeout: s.opts.ControlTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	g.Go(func() error {
		return s.acceptLoop(gctx, ctx, tcpL)
	})
	g.Go(func() error {
		if err := httpServer.Serve(wsL); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve websocket: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = tcpL.Close()
		_ = httpServer.Close()
		return nil
	})

	return g.Wait()
}

func (s *Server) acceptLoop(loopCtx, sessionCtx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if loopCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept relay connection: %w", err)
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		stream := network.NewFramedStream(conn, network.FramedOptions{
			Compress: s.opts.Compress,
			Logger:   s.logger,
		})
		go s.HandleStream(sessionCtx, stream)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	stream, err := network.Upgrade(w, r)
	if err != nil {
		s.drop(nil, dropUpgradeFailed, err)
		return
	}
	s.HandleStream(r.Context(), stream)
}

// HandleStream reads one relay request from stream and parks or pairs it.
// Connections that fail any check are closed without a reply.
func (s *Server) HandleStream(ctx context.Context, stream network.Stream) {
	req, reason, err := s.readRequest(ctx, stream)
	if req == nil {
		s.drop(stream, reason, err)
		return
	}

	s.logger.Debug("relay request",
		"uuid", req.UUID,
		"remote", stream.RemoteAddr(),
		"ws", stream.IsWS(),
	)
	s.pair(ctx, req.UUID, stream)
}

func (s *Server) readRequest(ctx context.Context, stream network.Stream) (*network.RequestRelay, string, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	defer cancel()

	payload, err := stream.Recv(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, dropControlTimeout, err
		}
		return nil, dropReadError, err
	}

	req, err := network.ParseRequestRelay(payload)
	if err != nil {
		if errors.Is(err, network.ErrUnexpectedMessage) {
			return nil, dropUnexpected, err
		}
		return nil, dropMalformed, err
	}
	if s.opts.Key != "" && req.LicenceKey != s.opts.Key {
		return nil, dropLicenceMismatch, nil
	}
	if req.UUID == "" {
		return nil, dropEmptyUUID, nil
	}
	return req, "", nil
}

func (s *Server) drop(stream network.Stream, reason string, err error) {
	s.metrics.Dropped.WithLabelValues(reason).Inc()

	attrs := []any{"reason", reason}
	if stream != nil {
		attrs = append(attrs, "remote", stream.RemoteAddr())
		_ = stream.Close()
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Debug("connection dropped", attrs...)
}

// pair parks stream under token or, when a counterpart is already parked,
// runs the session between them.
func (s *Server) pair(ctx context.Context, token string, stream network.Stream) {
	timer := s.clock.Timer(s.opts.ParkTimeout)
	entry, matched := s.table.claimOrPark(token, stream)
	if !matched {
		s.logger.Info("connection parked", "uuid", token, "remote", stream.RemoteAddr())
		select {
		case <-entry.claimed:
			timer.Stop()
		case <-timer.C:
			if s.table.removeIfParked(token, entry) {
				s.metrics.ParkTimeouts.Inc()
				s.logger.Info("parked connection expired", "uuid", token, "remote", stream.RemoteAddr())
				_ = stream.Close()
			}
		case <-ctx.Done():
			timer.Stop()
			if s.table.removeIfParked(token, entry) {
				_ = stream.Close()
			}
		}
		return
	}
	timer.Stop()

	peer := entry.stream
	s.metrics.Pairings.Inc()
	if !peer.IsWS() && !stream.IsWS() {
		peer.SetRaw()
		stream.SetRaw()
	}

	s.logger.Info("relay session started",
		"uuid", token,
		"a", peer.RemoteAddr(),
		"b", stream.RemoteAddr(),
	)
	s.metrics.ActiveSessions.Inc()
	err := s.relay(ctx, peer, stream)
	s.metrics.ActiveSessions.Dec()

	reason := closeReason(ctx, err)
	s.metrics.SessionsClosed.WithLabelValues(reason).Inc()
	s.logger.Info("relay session closed", "uuid", token, "reason", reason)
}
