// Package rendezvous accepts peer key registrations and records them in the
// peer registry.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/SwartzMss/MiniRustDesk/network"
)

const (
	DefaultPort        = 21116
	DefaultReadTimeout = 30 * time.Second
)

// Registrar records a peer registration.
type Registrar interface {
	UpdateOrInsert(ctx context.Context, id string, uuid, pk []byte, ip string) network.RegisterPkResult
}

// Options configures a rendezvous Server.
type Options struct {
	Port        int
	Registry    Registrar
	Logger      *slog.Logger
	ReadTimeout time.Duration
}

// Server answers RegisterPk messages on framed TCP connections.
type Server struct {
	opts     Options
	registry Registrar
	logger   *slog.Logger
}

// New returns a rendezvous server backed by opts.Registry.
func New(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		registry: opts.Registry,
		logger:   opts.Logger.With("component", "rendezvous"),
	}
}

// ListenAndServe binds the rendezvous port on all interfaces.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.opts.Port)))
	if err != nil {
		return fmt.Errorf("listen on rendezvous port %d: %w", s.opts.Port, err)
	}
	s.logger.Info("rendezvous listening", "port", s.opts.Port)
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done, then closes l.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept rendezvous connection: %w", err)
		}
		stream := network.NewFramedStream(conn, network.FramedOptions{Logger: s.logger})
		go s.HandleStream(ctx, stream)
	}
}

// HandleStream serves registrations on stream until it closes, goes quiet
// for the read timeout, or a registration hits a store failure.
func (s *Server) HandleStream(ctx context.Context, stream network.Stream) {
	defer stream.Close()
	ip := hostOf(stream.RemoteAddr())

	for {
		payload, err := s.recv(ctx, stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("rendezvous connection closed", "remote", ip, "error", err)
			}
			return
		}

		msg, err := network.ParseRendezvousMessage(payload)
		if err != nil {
			s.logger.Debug("malformed rendezvous message", "remote", ip, "error", err)
			return
		}
		if msg.RegisterPk == nil {
			continue
		}

		result := s.register(ctx, msg.RegisterPk, ip)
		if result == network.RegisterPkServerError {
			return
		}

		reply := &network.RendezvousMessage{
			RegisterPkResponse: &network.RegisterPkResponse{Result: result},
		}
		if err := stream.SendRaw(ctx, reply.Marshal()); err != nil {
			s.logger.Debug("send register response failed", "remote", ip, "error", err)
			return
		}
	}
}

func (s *Server) recv(ctx context.Context, stream network.Stream) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	return stream.Recv(readCtx)
}

func (s *Server) register(ctx context.Context, rp *network.RegisterPk, ip string) network.RegisterPkResult {
	if rp.ID == "" {
		return network.RegisterPkInvalidIDFormat
	}
	result := s.registry.UpdateOrInsert(ctx, rp.ID, rp.UUID, rp.PK, ip)
	s.logger.Debug("register pk", "id", rp.ID, "remote", ip, "result", result)
	return result
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
