package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SwartzMss/MiniRustDesk/network"
)

// ErrIdleTimeout ends a session in which neither side sent data for the
// idle timeout.
var ErrIdleTimeout = errors.New("relay: session idle timeout")

// relay forwards frames between a and b until either side closes, the
// session goes idle or ctx is done. Both streams are closed on return.
func (s *Server) relay(ctx context.Context, a, b network.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastRecv atomic.Int64
	lastRecv.Store(s.clock.Now().UnixNano())

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.pump(ctx, a, b, &lastRecv)
	}()
	go func() {
		defer wg.Done()
		errs <- s.pump(ctx, b, a, &lastRecv)
	}()

	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	var err error
wait:
	for {
		select {
		case err = <-errs:
			break wait
		case <-ticker.C:
			if s.clock.Since(time.Unix(0, lastRecv.Load())) > s.opts.IdleTimeout {
				err = ErrIdleTimeout
				break wait
			}
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		}
	}

	cancel()
	_ = a.Close()
	_ = b.Close()
	wg.Wait()

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pump copies non-empty frames from src to dst. Empty frames are consumed
// without being forwarded and do not count as activity.
func (s *Server) pump(ctx context.Context, src, dst network.Stream, lastRecv *atomic.Int64) error {
	for {
		payload, err := src.Recv(ctx)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		lastRecv.Store(s.clock.Now().UnixNano())

		if err := dst.SendRaw(ctx, payload); err != nil {
			return err
		}
		s.metrics.ForwardedBytes.Add(float64(len(payload)))
	}
}

func closeReason(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return closeEOF
	case errors.Is(err, ErrIdleTimeout):
		return closeIdleTimeout
	case ctx.Err() != nil:
		return closeShutdown
	default:
		return closeError
	}
}
