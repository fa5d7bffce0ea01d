// Package network implements the relay transports: length-framed TCP and
// WebSocket streams behind one Stream interface, plus the rendezvous
// control-message codec.
package network

import (
	"context"
	"net"
	"time"
)

// Stream is one accepted peer connection as seen by the relay.
//
// Recv must not be called concurrently with itself; SendRaw may be called
// from any goroutine.
type Stream interface {
	// Recv blocks until the next application frame arrives. It returns
	// io.EOF once the remote side has closed the stream.
	Recv(ctx context.Context) ([]byte, error)
	// SendRaw writes one frame (framed mode), one binary message
	// (WebSocket) or the bytes as-is (raw mode).
	SendRaw(ctx context.Context, payload []byte) error
	// IsWS reports whether the stream is a WebSocket.
	IsWS() bool
	// SetRaw switches the stream to unframed pass-through. No-op for
	// WebSocket streams.
	SetRaw()
	RemoteAddr() net.Addr
	Close() error
}

var pastDeadline = time.Unix(1, 0)

// bindDeadline maps ctx onto a socket deadline setter: the ctx deadline
// becomes the socket deadline and cancellation forces a past deadline so
// blocked I/O returns. The returned func must be called when I/O is done.
func bindDeadline(ctx context.Context, set func(time.Time) error) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if err := set(deadline); err != nil {
			return nil, err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = set(pastDeadline)
	})
	return func() {
		if !stop() || hasDeadline {
			_ = set(time.Time{})
		}
	}, nil
}
