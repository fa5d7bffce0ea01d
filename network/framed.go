package network

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/SwartzMss/MiniRustDesk/codec"
)

const (
	// DefaultCompressThreshold is the smallest payload worth compressing.
	DefaultCompressThreshold = 1024

	readBufferSize = 64 << 10
	rawReadSize    = 64 << 10
)

// FramedOptions controls a FramedStream.
type FramedOptions struct {
	Compress          bool
	CompressThreshold int
	Logger            *slog.Logger
}

// FramedStream is a length-framed TCP stream that can later be switched to
// raw byte pass-through.
type FramedStream struct {
	conn   net.Conn
	reader *bufio.Reader

	// The codec's decoder is only touched under recvMu, its encoders only
	// under sendMu. Close releases it once both are free.
	codec     *codec.Codec
	compress  bool
	threshold int
	logger    *slog.Logger

	recvMu sync.Mutex
	sendMu sync.Mutex
	raw    atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewFramedStream wraps conn.
func NewFramedStream(conn net.Conn, options FramedOptions) *FramedStream {
	threshold := options.CompressThreshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FramedStream{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, readBufferSize),
		codec:     codec.New(logger),
		compress:  options.Compress,
		threshold: threshold,
		logger:    logger,
	}
}

// Recv returns the next frame payload, decompressed when flagged. In raw
// mode it returns whatever bytes are available. A compressed frame that
// fails to decompress is returned as an empty payload.
func (s *FramedStream) Recv(ctx context.Context) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.codec == nil {
		return nil, net.ErrClosed
	}

	release, err := bindDeadline(ctx, s.conn.SetReadDeadline)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.raw.Load() {
		buf := make([]byte, rawReadSize)
		n, err := s.reader.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		return nil, readError(ctx, err)
	}

	payload, compressed, err := ReadFrame(s.reader)
	if err != nil {
		return nil, readError(ctx, err)
	}
	if !compressed || len(payload) == 0 {
		return payload, nil
	}

	out := s.codec.Decompress(payload)
	if len(out) == 0 {
		s.logger.Warn("dropping undecodable compressed frame", "remote", s.conn.RemoteAddr(), "size", len(payload))
	}
	return out, nil
}

// SendRaw writes payload as one frame, compressing it when enabled and
// worthwhile. In raw mode payload is written unframed.
func (s *FramedStream) SendRaw(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.codec == nil {
		return net.ErrClosed
	}

	release, err := bindDeadline(ctx, s.conn.SetWriteDeadline)
	if err != nil {
		return err
	}
	defer release()

	if s.raw.Load() {
		if _, err := s.conn.Write(payload); err != nil {
			return fmt.Errorf("write raw: %w", err)
		}
		return nil
	}

	body, compressed := payload, false
	if s.compress && len(payload) >= s.threshold {
		if packed := s.codec.Compress(payload, codec.DefaultLevel); len(packed) > 0 && len(packed) < len(payload) {
			body, compressed = packed, true
		}
	}
	return WriteFrame(s.conn, body, compressed)
}

// IsWS always reports false.
func (s *FramedStream) IsWS() bool {
	return false
}

// SetRaw drops framing and compression for the rest of the stream's life.
// Bytes already buffered after the last frame are preserved.
func (s *FramedStream) SetRaw() {
	s.raw.Store(true)
}

// IsRaw reports whether SetRaw has been called.
func (s *FramedStream) IsRaw() bool {
	return s.raw.Load()
}

func (s *FramedStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close closes the underlying connection, waits for any Recv or SendRaw in
// flight to return, and releases the zstd contexts.
func (s *FramedStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()

		s.recvMu.Lock()
		s.sendMu.Lock()
		s.codec.Close()
		s.codec = nil
		s.sendMu.Unlock()
		s.recvMu.Unlock()
	})
	return s.closeErr
}

func readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
