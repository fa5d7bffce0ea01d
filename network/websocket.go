package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the WebSocket upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  DefaultHandshakeTimeout,
	ReadBufferSize:    readBufferSize,
	WriteBufferSize:   readBufferSize,
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSStream carries frames as WebSocket binary messages.
type WSStream struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Upgrade performs the server side of the WebSocket handshake.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSStream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWSStream(conn), nil
}

// NewWSStream wraps an established WebSocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	conn.SetReadLimit(MaxFrameSize)
	return &WSStream{conn: conn}
}

// Recv returns the next binary message. Text messages yield an empty
// payload; a normal close yields io.EOF.
func (s *WSStream) Recv(ctx context.Context) ([]byte, error) {
	release, err := bindDeadline(ctx, s.conn.SetReadDeadline)
	if err != nil {
		return nil, err
	}
	defer release()

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read websocket message: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return []byte{}, nil
	}
	return data, nil
}

// SendRaw writes payload as one binary message.
func (s *WSStream) SendRaw(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	release, err := bindDeadline(ctx, s.conn.SetWriteDeadline)
	if err != nil {
		return err
	}
	defer release()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// IsWS always reports true.
func (s *WSStream) IsWS() bool {
	return true
}

// SetRaw is a no-op: WebSocket framing cannot be bypassed.
func (s *WSStream) SetRaw() {}

func (s *WSStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close sends a best-effort close frame and closes the connection.
func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
